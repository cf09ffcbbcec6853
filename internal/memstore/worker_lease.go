package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
)

var (
	_ out.LeaseLocker     = (*Locker)(nil)
	_ out.ProgressTracker = (*Progress)(nil)
)

// Locker is a process-local LeaseLocker.
type Locker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

type localLease struct {
	token   uuid.UUID
	expires time.Time
}

func NewLocker() *Locker {
	return &Locker{leases: make(map[string]localLease), now: time.Now}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (out.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return nil, out.ErrLeaseHeld
	}
	token := uuid.New()
	l.leases[key] = localLease{token: token, expires: now.Add(ttl)}
	return &heldLease{locker: l, key: key, token: token}, nil
}

// Held reports whether key is currently leased.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.leases[key]
	return ok && l.now().Before(held.expires)
}

type heldLease struct {
	locker *Locker
	key    string
	token  uuid.UUID
}

func (h *heldLease) Release(ctx context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	if cur, ok := h.locker.leases[h.key]; ok && cur.token == h.token {
		delete(h.locker.leases, h.key)
	}
	return nil
}

// Progress is a process-local ProgressTracker.
type Progress struct {
	mu   sync.Mutex
	data map[uuid.UUID]domain.SyncProgress

	// Updates records every SetCurrent value in order.
	Updates []int
}

func NewProgress() *Progress {
	return &Progress{data: make(map[uuid.UUID]domain.SyncProgress)}
}

func (p *Progress) SetTotal(ctx context.Context, accountID uuid.UUID, total int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[accountID] = domain.SyncProgress{Total: total}
	return nil
}

func (p *Progress) SetCurrent(ctx context.Context, accountID uuid.UUID, current int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prog := p.data[accountID]
	prog.Current = current
	p.data[accountID] = prog
	p.Updates = append(p.Updates, current)
	return nil
}

func (p *Progress) Get(ctx context.Context, accountID uuid.UUID) (domain.SyncProgress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data[accountID], nil
}

func (p *Progress) Clear(ctx context.Context, accountID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, accountID)
	return nil
}

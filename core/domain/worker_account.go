package domain

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies the remote mailbox provider of an account.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// IsValid reports whether p is a supported provider.
func (p Provider) IsValid() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

// ConnectionStatus is the OAuth connection state of an account.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusExpired      ConnectionStatus = "expired" // re-authorization required
)

// Account is one connected mailbox.
type Account struct {
	ID       uuid.UUID        `json:"id"`
	UserID   uuid.UUID        `json:"user_id"`
	Provider Provider         `json:"provider"`
	Email    string           `json:"email"`
	Status   ConnectionStatus `json:"status"`

	// LastSyncedAt is nil until the first pass completes.
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	// Cursor is the provider change-feed position: a Gmail historyId or a
	// Graph delta link. Opaque outside the provider client.
	Cursor *string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncState is the reconciler state derived from an account row.
type SyncState string

const (
	StateNeverSynced      SyncState = "never_synced"
	StateSyncedWithCursor SyncState = "synced_cursor"
	StateSyncedNoCursor   SyncState = "synced_no_cursor"
)

// SyncState returns the reconciler state. A nil LastSyncedAt wins over any
// cursor value.
func (a *Account) SyncState() SyncState {
	if a.LastSyncedAt == nil {
		return StateNeverSynced
	}
	if a.HasCursor() {
		return StateSyncedWithCursor
	}
	return StateSyncedNoCursor
}

// HasCursor reports whether a non-empty change cursor is stored.
func (a *Account) HasCursor() bool {
	return a.Cursor != nil && *a.Cursor != ""
}

// IsConnected reports whether the account can be synced.
func (a *Account) IsConnected() bool {
	return a.Status == StatusConnected
}

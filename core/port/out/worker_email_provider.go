// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"time"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
)

// =============================================================================
// Mail Provider Port (Gmail, Outlook)
// =============================================================================

// MailProvider is the uniform contract of a provider client bound to one
// account. Implementations hide cursor shape, pagination token shape and
// rate-limit specifics.
type MailProvider interface {
	Provider() domain.Provider

	MessageLister
	HeaderFetcher
	MessageMutator
	ChangeFeed
}

// MessageLister enumerates message ids page by page.
type MessageLister interface {
	// ListMessages returns one page. Callers keep calling with NextCursor
	// until it comes back empty.
	ListMessages(ctx context.Context, pageCursor string, filter *ListFilter) (*MessagePage, error)
}

// HeaderFetcher fetches header sets for known ids.
type HeaderFetcher interface {
	// BatchFetchHeaders returns as many messages as succeed. Ids that still
	// fail after the retry ceiling are listed in Failed, never returned as an
	// error for the whole batch.
	BatchFetchHeaders(ctx context.Context, ids []string) (*HeaderBatch, error)
}

// MessageMutator applies trash/archive to messages.
type MessageMutator interface {
	MutateMessages(ctx context.Context, ids []string, op domain.MutationOp) (*MutationResult, error)
}

// ChangeFeed exposes the provider change-tracking primitive.
type ChangeFeed interface {
	// GetChangesSince reports changes after cursor. An expired cursor is
	// reported through ChangeSet.Expired, not an error.
	GetChangesSince(ctx context.Context, cursor string) (*ChangeSet, error)
	// CurrentCursor returns a cursor marking "now" for the next pass.
	CurrentCursor(ctx context.Context) (string, error)
}

// =============================================================================
// Types
// =============================================================================

// MirrorHeaders is the header set BatchFetchHeaders requests.
var MirrorHeaders = []string{
	"From",
	"Subject",
	"Date",
	"List-Unsubscribe",
	"List-Unsubscribe-Post",
	"List-Id",
	"Precedence",
}

// ListFilter restricts enumeration. Sent, drafts, trash and spam are always
// excluded.
type ListFilter struct {
	ReceivedAfter *time.Time
	PageSize      int
}

// MessagePage is one page of ids.
type MessagePage struct {
	IDs        []string
	NextCursor string
}

// RawMessage is a provider message before normalization.
type RawMessage struct {
	ID       string
	ThreadID string
	Snippet  string
	Labels   []string
	Unread   bool

	// InternalDate is the provider-side receive time, zero when unknown.
	InternalDate time.Time

	// Headers holds the fetched header values keyed by canonical name.
	Headers map[string]string
}

// Header returns the value of a fetched header.
func (m *RawMessage) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// HeaderBatch is the outcome of BatchFetchHeaders.
type HeaderBatch struct {
	Messages []*RawMessage
	Failed   []string
}

// MutationResult is the per-id outcome of MutateMessages.
type MutationResult struct {
	Succeeded []string
	Failed    []string
}

// ChangeSet is the outcome of GetChangesSince.
type ChangeSet struct {
	Added     []string
	Removed   []string
	NewCursor string
	Expired   bool
}

// IsEmpty reports a valid "nothing changed" feed.
func (c *ChangeSet) IsEmpty() bool {
	return !c.Expired && len(c.Added) == 0 && len(c.Removed) == 0
}

// ProviderFactory selects the client implementation by account provider.
type ProviderFactory interface {
	ForAccount(ctx context.Context, account *domain.Account) (MailProvider, error)
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
	ProviderErrSyncRequired ProviderErrorCode = "full_sync_required"
	// ProviderErrForbidden is a permission denial on one item. The grant
	// itself is still good.
	ProviderErrForbidden    ProviderErrorCode = "forbidden"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider   string
	Code       ProviderErrorCode
	Message    string
	StatusCode int
	Err        error
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Provider + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// WithStatus records the HTTP status that produced the error.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.StatusCode = status
	return e
}

// AsProviderError extracts a ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsAuthError reports whether err means the grant is gone or insufficient.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	pe, ok := AsProviderError(err)
	if !ok {
		return false
	}
	return pe.Code == ProviderErrAuth || pe.Code == ProviderErrTokenExpired
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Retryable
}

// IsSyncRequired reports whether err signals an expired change cursor.
func IsSyncRequired(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Code == ProviderErrSyncRequired
}

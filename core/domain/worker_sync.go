package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Sync Method & Result
// =============================================================================

// SyncMethod records which strategy produced a sync result.
type SyncMethod string

const (
	SyncMethodFull      SyncMethod = "full"
	SyncMethodDelta     SyncMethod = "delta"
	SyncMethodTimestamp SyncMethod = "timestamp"
)

// SyncOptions tunes a single pass.
type SyncOptions struct {
	// MaxMessages caps Full Sync enumeration. Zero means the configured cap.
	MaxMessages int `json:"max_messages,omitempty"`
}

// SyncResult is returned by every pass that did not fail on authentication.
type SyncResult struct {
	AccountID    uuid.UUID  `json:"account_id"`
	Method       SyncMethod `json:"method"`
	AddedCount   int        `json:"added_count"`
	DeletedCount int        `json:"deleted_count"`
	TotalSenders int        `json:"total_senders"`

	// FailedFetches counts ids dropped after exhausting header-fetch retries.
	FailedFetches int `json:"failed_fetches"`
	// FailedWrites counts store batches that could not be written.
	FailedWrites int `json:"failed_writes"`
	// TouchedSenders is the number of sender keys recomputed by the pass.
	TouchedSenders int `json:"touched_senders"`

	// Warning is set when the pass preserved the mirror instead of trusting
	// the provider (empty mailbox on Full Sync).
	Warning string `json:"warning,omitempty"`
	// CursorRefreshed is false when no cursor could be stored for next time.
	CursorRefreshed bool `json:"cursor_refreshed"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// HasWarning reports whether the caller should surface Warning.
func (r *SyncResult) HasWarning() bool {
	return r.Warning != ""
}

// Duration returns the wall time of the pass.
func (r *SyncResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// WarningEmptyMailbox is surfaced when Full Sync saw zero messages.
const WarningEmptyMailbox = "provider returned no messages; existing mirror preserved"

// WarningListingFailed is surfaced when enumeration broke off part way.
const WarningListingFailed = "provider listing did not complete; mirror not replaced"

// WarningFetchFailed is surfaced when Full Sync listed ids but could fetch
// none of them.
const WarningFetchFailed = "no message headers could be fetched; existing mirror preserved"

// WarningReplaceFailed is surfaced when the wholesale mirror replacement
// was rolled back.
const WarningReplaceFailed = "mirror replacement failed; existing mirror preserved"

// WarningPartialListing is surfaced when an incremental re-list broke off.
const WarningPartialListing = "provider listing did not complete; results are partial"

// WarningIncomplete is surfaced when rows could not be fetched or written.
// The sync position is kept so the next pass covers the same window.
const WarningIncomplete = "some changes could not be applied; sync position kept for retry"

// AccountLeaseKey names the per-account lock shared by sync passes and
// sender actions.
func AccountLeaseKey(accountID uuid.UUID) string {
	return "mailsync:lease:" + accountID.String()
}

// SyncProgress is the counter pair written during a pass.
type SyncProgress struct {
	Total   int `json:"total"`
	Current int `json:"current"`
}

// Percent returns progress in [0, 100].
func (p SyncProgress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Current) / float64(p.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// =============================================================================
// Sender Actions
// =============================================================================

// MutationOp is a bulk action applied to provider messages.
type MutationOp string

const (
	MutationTrash   MutationOp = "trash"
	MutationArchive MutationOp = "archive"
)

// IsValid reports whether op is supported.
func (op MutationOp) IsValid() bool {
	return op == MutationTrash || op == MutationArchive
}

// SenderActionResult reports the per-id outcome of a sender action.
type SenderActionResult struct {
	Sender    SenderKey  `json:"sender"`
	Op        MutationOp `json:"op"`
	Succeeded []string   `json:"succeeded"`
	Failed    []string   `json:"failed"`
}

// =============================================================================
// Retry Strategy
// =============================================================================

// RetryDelays is the backoff ladder for re-queued sync jobs.
var RetryDelays = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// GetRetryDelay returns the delay before retry number retryCount.
func GetRetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(RetryDelays) {
		return RetryDelays[len(RetryDelays)-1]
	}
	return RetryDelays[retryCount]
}

// Package gmail implements out.MailProvider over the Gmail API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
	"github.com/owdub1/cleaninbox-sub002/pkg/resilience"
)

const (
	providerName    = "gmail"
	user            = "me"
	defaultPageSize = 500
	maxPageSize     = 500
	batchModifyMax  = 1000
	labelUnread     = "UNREAD"
)

// baseQuery keeps the listing in line with the mirror scope.
const baseQuery = "-in:sent -in:drafts -in:trash -in:spam"

// Config tunes a Client.
type Config struct {
	PageSize int
	Batch    resilience.BatchConfig
	Breaker  *resilience.Breaker
}

// Client is a Gmail mailbox bound to one account's credentials.
type Client struct {
	svc      *gmail.Service
	breaker  *resilience.Breaker
	batch    resilience.BatchConfig
	pageSize int64
}

// NewBreaker returns the breaker shared by every Gmail client. Only
// transient failures count against it.
func NewBreaker() *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{Name: "gmail-api"}, out.IsRetryable)
}

// New creates a Client. opts carry the credentials, typically
// option.WithTokenSource; tests pass option.WithEndpoint as well.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = NewBreaker()
	}

	batch := cfg.Batch
	batch.Retryable = out.IsRetryable
	batch.Abort = out.IsAuthError

	return &Client{svc: svc, breaker: breaker, batch: batch, pageSize: int64(pageSize)}, nil
}

func (c *Client) Provider() domain.Provider {
	return domain.ProviderGmail
}

// =============================================================================
// Listing
// =============================================================================

// ListMessages returns one page of message ids outside sent, drafts, trash
// and spam.
func (c *Client) ListMessages(ctx context.Context, pageCursor string, filter *out.ListFilter) (*out.MessagePage, error) {
	req := c.svc.Users.Messages.List(user).Q(buildQuery(filter)).MaxResults(c.pageSizeFor(filter))
	if pageCursor != "" {
		req = req.PageToken(pageCursor)
	}

	var resp *gmail.ListMessagesResponse
	err := c.execute("list messages", func() (err error) {
		resp, err = req.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &out.MessagePage{IDs: make([]string, 0, len(resp.Messages)), NextCursor: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

func (c *Client) pageSizeFor(filter *out.ListFilter) int64 {
	if filter != nil && filter.PageSize > 0 && filter.PageSize <= maxPageSize {
		return int64(filter.PageSize)
	}
	return c.pageSize
}

func buildQuery(filter *out.ListFilter) string {
	if filter == nil || filter.ReceivedAfter == nil {
		return baseQuery
	}
	return fmt.Sprintf("%s after:%d", baseQuery, filter.ReceivedAfter.Unix())
}

// =============================================================================
// Headers
// =============================================================================

// BatchFetchHeaders fetches metadata for ids with bounded concurrency. Ids
// that keep failing are reported in Failed.
func (c *Client) BatchFetchHeaders(ctx context.Context, ids []string) (*out.HeaderBatch, error) {
	msgs, failed, err := resilience.FetchBounded(ctx, ids, c.batch, func(ctx context.Context, id string) (*out.RawMessage, error) {
		var msg *gmail.Message
		err := c.execute("get message", func() (err error) {
			msg, err = c.svc.Users.Messages.Get(user, id).
				Format("metadata").
				MetadataHeaders(out.MirrorHeaders...).
				Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		return convertMessage(msg), nil
	})
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		logger.Warn("[GmailClient.BatchFetchHeaders] %d of %d messages failed", len(failed), len(ids))
	}
	return &out.HeaderBatch{Messages: msgs, Failed: failed}, nil
}

func convertMessage(msg *gmail.Message) *out.RawMessage {
	raw := &out.RawMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Labels:   msg.LabelIds,
		Headers:  make(map[string]string),
	}
	for _, l := range msg.LabelIds {
		if l == labelUnread {
			raw.Unread = true
			break
		}
	}
	if msg.InternalDate > 0 {
		raw.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			name := http.CanonicalHeaderKey(h.Name)
			if _, seen := raw.Headers[name]; !seen {
				raw.Headers[name] = h.Value
			}
		}
	}
	return raw
}

// =============================================================================
// Mutations
// =============================================================================

// MutateMessages trashes or archives ids. Archive goes through BatchModify
// and falls back to per-message calls when a batch is refused.
func (c *Client) MutateMessages(ctx context.Context, ids []string, op domain.MutationOp) (*out.MutationResult, error) {
	switch op {
	case domain.MutationTrash:
		return c.perMessage(ctx, ids, func(ctx context.Context, id string) error {
			_, err := c.svc.Users.Messages.Trash(user, id).Context(ctx).Do()
			return err
		})
	case domain.MutationArchive:
		return c.archive(ctx, ids)
	default:
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "unsupported op "+string(op), nil, false)
	}
}

func (c *Client) archive(ctx context.Context, ids []string) (*out.MutationResult, error) {
	result := &out.MutationResult{}
	for start := 0; start < len(ids); start += batchModifyMax {
		chunk := ids[start:min(start+batchModifyMax, len(ids))]
		err := c.execute("batch modify", func() error {
			return c.svc.Users.Messages.BatchModify(user, &gmail.BatchModifyMessagesRequest{
				Ids:            chunk,
				RemoveLabelIds: []string{domain.LabelInbox},
			}).Context(ctx).Do()
		})
		if err == nil {
			result.Succeeded = append(result.Succeeded, chunk...)
			continue
		}
		if out.IsAuthError(err) {
			return nil, err
		}

		logger.Warn("[GmailClient.MutateMessages] batch archive of %d failed, retrying per message: %v", len(chunk), err)
		res, err := c.perMessage(ctx, chunk, func(ctx context.Context, id string) error {
			_, err := c.svc.Users.Messages.Modify(user, id, &gmail.ModifyMessageRequest{
				RemoveLabelIds: []string{domain.LabelInbox},
			}).Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		result.Succeeded = append(result.Succeeded, res.Succeeded...)
		result.Failed = append(result.Failed, res.Failed...)
	}
	return result, nil
}

func (c *Client) perMessage(ctx context.Context, ids []string, call func(ctx context.Context, id string) error) (*out.MutationResult, error) {
	done, failed, err := resilience.FetchBounded(ctx, ids, c.batch, func(ctx context.Context, id string) (string, error) {
		if err := c.execute("modify message", func() error { return call(ctx, id) }); err != nil {
			return "", err
		}
		return id, nil
	})
	if err != nil {
		return nil, err
	}
	return &out.MutationResult{Succeeded: done, Failed: failed}, nil
}

// =============================================================================
// Change Feed
// =============================================================================

// GetChangesSince walks the history after cursor. Trash and spam label
// changes count as removals and restorations as additions; the last event
// of an id decides its side.
func (c *Client) GetChangesSince(ctx context.Context, cursor string) (*out.ChangeSet, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return &out.ChangeSet{Expired: true}, nil
	}

	tracker := newChangeTracker()
	newCursor := cursor
	pageToken := ""
	for {
		req := c.svc.Users.History.List(user).StartHistoryId(startID)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		var resp *gmail.ListHistoryResponse
		err := c.execute("list history", func() (err error) {
			resp, err = req.Context(ctx).Do()
			return err
		})
		if err != nil {
			if pe, ok := out.AsProviderError(err); ok && pe.Code == out.ProviderErrNotFound {
				return &out.ChangeSet{Expired: true}, nil
			}
			return nil, err
		}

		for _, h := range resp.History {
			tracker.apply(h)
		}
		if resp.HistoryId > 0 {
			newCursor = strconv.FormatUint(resp.HistoryId, 10)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	added, removed := tracker.result()
	return &out.ChangeSet{Added: added, Removed: removed, NewCursor: newCursor}, nil
}

// CurrentCursor returns the mailbox's current history id.
func (c *Client) CurrentCursor(ctx context.Context) (string, error) {
	var profile *gmail.Profile
	err := c.execute("get profile", func() (err error) {
		profile, err = c.svc.Users.GetProfile(user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

type changeTracker struct {
	order   []string
	present map[string]bool
}

func newChangeTracker() *changeTracker {
	return &changeTracker{present: make(map[string]bool)}
}

func (t *changeTracker) set(id string, present bool) {
	if id == "" {
		return
	}
	if _, seen := t.present[id]; !seen {
		t.order = append(t.order, id)
	}
	t.present[id] = present
}

func (t *changeTracker) apply(h *gmail.History) {
	for _, a := range h.MessagesAdded {
		if a.Message != nil && !domain.IsExcluded(a.Message.LabelIds) {
			t.set(a.Message.Id, true)
		}
	}
	for _, d := range h.MessagesDeleted {
		if d.Message != nil {
			t.set(d.Message.Id, false)
		}
	}
	for _, l := range h.LabelsAdded {
		if l.Message != nil && hasRemovalLabel(l.LabelIds) {
			t.set(l.Message.Id, false)
		}
	}
	for _, l := range h.LabelsRemoved {
		if l.Message != nil && hasRemovalLabel(l.LabelIds) && !domain.IsExcluded(l.Message.LabelIds) {
			t.set(l.Message.Id, true)
		}
	}
}

func (t *changeTracker) result() (added, removed []string) {
	for _, id := range t.order {
		if t.present[id] {
			added = append(added, id)
		} else {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func hasRemovalLabel(labels []string) bool {
	for _, l := range labels {
		if l == domain.LabelTrash || l == domain.LabelSpam {
			return true
		}
	}
	return false
}

// =============================================================================
// Internal Helpers
// =============================================================================

// execute runs fn under the circuit breaker and maps its error.
func (c *Client) execute(operation string, fn func() error) error {
	err := c.breaker.Execute(func() error {
		return wrapError(fn(), operation)
	})
	if err != nil && resilience.IsRejected(err) {
		logger.Warn("[GmailClient] circuit breaker rejected %s: state=%s", operation, c.breaker.State())
		return out.NewProviderError(providerName, out.ProviderErrServer, "circuit open", err, false)
	}
	return err
}

func wrapError(err error, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest:
			return out.NewProviderError(providerName, out.ProviderErrInvalidInput, "Invalid request", err, false).WithStatus(apiErr.Code)
		case http.StatusUnauthorized:
			return out.NewProviderError(providerName, out.ProviderErrTokenExpired, "Token expired", err, false).WithStatus(apiErr.Code)
		case http.StatusForbidden:
			if isRateLimited(apiErr) {
				return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Rate limit exceeded", err, true).WithStatus(apiErr.Code)
			}
			return out.NewProviderError(providerName, out.ProviderErrAuth, "Access denied", err, false).WithStatus(apiErr.Code)
		case http.StatusNotFound:
			return out.NewProviderError(providerName, out.ProviderErrNotFound, "Not found", err, false).WithStatus(apiErr.Code)
		case http.StatusTooManyRequests:
			return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Too many requests", err, true).WithStatus(apiErr.Code)
		}
		if apiErr.Code >= 500 {
			return out.NewProviderError(providerName, out.ProviderErrServer, "Server error", err, true).WithStatus(apiErr.Code)
		}
		return out.NewProviderError(providerName, out.ProviderErrServer, "failed to "+operation, err, false).WithStatus(apiErr.Code)
	}

	return out.NewProviderError(providerName, out.ProviderErrNetwork, "failed to "+operation, err, true)
}

// isRateLimited tells a quota 403 from a permission 403.
func isRateLimited(apiErr *googleapi.Error) bool {
	if strings.Contains(apiErr.Message, "Rate Limit") {
		return true
	}
	for _, e := range apiErr.Errors {
		if strings.Contains(e.Reason, "RateLimitExceeded") || e.Reason == "rateLimitExceeded" {
			return true
		}
	}
	return false
}

var _ out.MailProvider = (*Client)(nil)

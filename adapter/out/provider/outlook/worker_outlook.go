// Package outlook implements out.MailProvider over Microsoft Graph.
package outlook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
	"github.com/owdub1/cleaninbox-sub002/pkg/resilience"
)

const (
	providerName    = "outlook"
	graphBaseURL    = "https://graph.microsoft.com/v1.0"
	defaultPageSize = 500
	maxPageSize     = 1000

	folderDeleted = "deleteditems"
	folderArchive = "archive"
)

// messageFields is the $select used when fetching headers.
const messageFields = "id,conversationId,subject,bodyPreview,from,isRead,receivedDateTime,internetMessageHeaders"

// Config tunes a Client.
type Config struct {
	BaseURL  string // defaults to Graph v1.0
	PageSize int
	Batch    resilience.BatchConfig
	Breaker  *resilience.Breaker
}

// Client is an Outlook inbox bound to one account's credentials. The
// mirror covers the inbox folder, so listing and the delta feed are scoped
// to it.
type Client struct {
	http     *http.Client
	base     string
	breaker  *resilience.Breaker
	batch    resilience.BatchConfig
	pageSize int
}

// NewBreaker returns the breaker shared by every Outlook client.
func NewBreaker() *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{Name: "graph-api"}, out.IsRetryable)
}

// New creates a Client. httpClient must attach the account's bearer
// token, e.g. oauth2.Config.Client.
func New(httpClient *http.Client, cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = graphBaseURL
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

	return &Client{http: httpClient, base: base, breaker: breaker, batch: batch, pageSize: pageSize}
}

func (c *Client) Provider() domain.Provider {
	return domain.ProviderOutlook
}

// =============================================================================
// Listing
// =============================================================================

// ListMessages returns one page of inbox message ids. pageCursor is the
// @odata.nextLink of the previous page.
func (c *Client) ListMessages(ctx context.Context, pageCursor string, filter *out.ListFilter) (*out.MessagePage, error) {
	link := pageCursor
	if link == "" {
		link = c.firstPageURL(filter)
	}

	var resp struct {
		Value    []graphMessage `json:"value"`
		NextLink string         `json:"@odata.nextLink"`
	}
	if err := c.doGet(ctx, link, &resp); err != nil {
		return nil, mailboxError(err)
	}

	page := &out.MessagePage{IDs: make([]string, 0, len(resp.Value)), NextCursor: resp.NextLink}
	for _, m := range resp.Value {
		page.IDs = append(page.IDs, m.ID)
	}
	return page, nil
}

func (c *Client) firstPageURL(filter *out.ListFilter) string {
	top := c.pageSize
	if filter != nil && filter.PageSize > 0 && filter.PageSize <= maxPageSize {
		top = filter.PageSize
	}

	params := url.Values{}
	params.Set("$select", "id")
	params.Set("$top", strconv.Itoa(top))
	params.Set("$orderby", "receivedDateTime desc")
	if filter != nil && filter.ReceivedAfter != nil {
		params.Set("$filter", "receivedDateTime ge "+filter.ReceivedAfter.UTC().Format(time.RFC3339))
	}
	return c.base + "/me/mailFolders/inbox/messages?" + params.Encode()
}

// =============================================================================
// Headers
// =============================================================================

// BatchFetchHeaders fetches each id's internet headers with bounded
// concurrency. Ids that keep failing are reported in Failed.
func (c *Client) BatchFetchHeaders(ctx context.Context, ids []string) (*out.HeaderBatch, error) {
	msgs, failed, err := resilience.FetchBounded(ctx, ids, c.batch, func(ctx context.Context, id string) (*out.RawMessage, error) {
		var msg graphMessage
		link := c.base + "/me/messages/" + url.PathEscape(id) + "?$select=" + messageFields
		if err := c.doGet(ctx, link, &msg); err != nil {
			return nil, err
		}
		return convertMessage(&msg), nil
	})
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		logger.Warn("[OutlookClient.BatchFetchHeaders] %d of %d messages failed", len(failed), len(ids))
	}
	return &out.HeaderBatch{Messages: msgs, Failed: failed}, nil
}

func convertMessage(msg *graphMessage) *out.RawMessage {
	raw := &out.RawMessage{
		ID:       msg.ID,
		ThreadID: msg.ConversationID,
		Snippet:  msg.BodyPreview,
		Labels:   []string{domain.LabelInbox},
		Unread:   !msg.IsRead,
		Headers:  make(map[string]string),
	}
	if t, err := time.Parse(time.RFC3339, msg.ReceivedDateTime); err == nil {
		raw.InternalDate = t.UTC()
	}
	for _, h := range msg.InternetMessageHeaders {
		name := http.CanonicalHeaderKey(h.Name)
		if _, seen := raw.Headers[name]; !seen {
			raw.Headers[name] = h.Value
		}
	}

	// Graph omits internetMessageHeaders for some items; the structured
	// fields carry the same data.
	if raw.Headers["From"] == "" && msg.From.EmailAddress.Address != "" {
		raw.Headers["From"] = formatAddress(msg.From.EmailAddress)
	}
	if raw.Headers["Subject"] == "" && msg.Subject != "" {
		raw.Headers["Subject"] = msg.Subject
	}
	return raw
}

func formatAddress(a graphEmailAddress) string {
	if a.Name == "" || strings.EqualFold(a.Name, a.Address) {
		return a.Address
	}
	return strconv.Quote(a.Name) + " <" + a.Address + ">"
}

// =============================================================================
// Mutations
// =============================================================================

// MutateMessages moves ids to Deleted Items (trash) or Archive.
func (c *Client) MutateMessages(ctx context.Context, ids []string, op domain.MutationOp) (*out.MutationResult, error) {
	var folder string
	switch op {
	case domain.MutationTrash:
		folder = folderDeleted
	case domain.MutationArchive:
		folder = folderArchive
	default:
		return nil, out.NewProviderError(providerName, out.ProviderErrInvalidInput, "unsupported op "+string(op), nil, false)
	}

	done, failed, err := resilience.FetchBounded(ctx, ids, c.batch, func(ctx context.Context, id string) (string, error) {
		link := c.base + "/me/messages/" + url.PathEscape(id) + "/move"
		if err := c.doPost(ctx, link, map[string]string{"destinationId": folder}, nil); err != nil {
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

// GetChangesSince follows the inbox delta link stored as cursor. A
// rejected or malformed link is reported as expired.
func (c *Client) GetChangesSince(ctx context.Context, cursor string) (*out.ChangeSet, error) {
	if !strings.HasPrefix(cursor, "http") {
		return &out.ChangeSet{Expired: true}, nil
	}

	order := []string{}
	present := map[string]bool{}
	deltaLink, err := c.walkDelta(ctx, cursor, func(m graphMessage) {
		if _, seen := present[m.ID]; !seen {
			order = append(order, m.ID)
		}
		present[m.ID] = m.Removed == nil
	})
	if err != nil {
		if out.IsSyncRequired(err) {
			return &out.ChangeSet{Expired: true}, nil
		}
		return nil, err
	}

	changes := &out.ChangeSet{NewCursor: deltaLink}
	for _, id := range order {
		if present[id] {
			changes.Added = append(changes.Added, id)
		} else {
			changes.Removed = append(changes.Removed, id)
		}
	}
	return changes, nil
}

// CurrentCursor asks for a delta link that starts now.
func (c *Client) CurrentCursor(ctx context.Context) (string, error) {
	link := c.base + "/me/mailFolders/inbox/messages/delta?$select=id&$deltatoken=latest"
	return c.walkDelta(ctx, link, func(graphMessage) {})
}

func (c *Client) walkDelta(ctx context.Context, link string, visit func(graphMessage)) (string, error) {
	for link != "" {
		var resp struct {
			Value     []graphMessage `json:"value"`
			NextLink  string         `json:"@odata.nextLink"`
			DeltaLink string         `json:"@odata.deltaLink"`
		}
		if err := c.doGet(ctx, link, &resp); err != nil {
			return "", mailboxError(err)
		}
		for _, m := range resp.Value {
			if m.ID != "" {
				visit(m)
			}
		}
		if resp.DeltaLink != "" {
			return resp.DeltaLink, nil
		}
		link = resp.NextLink
	}
	return "", out.NewProviderError(providerName, out.ProviderErrServer, "delta ended without a delta link", nil, false)
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (c *Client) doGet(ctx context.Context, link string, result interface{}) error {
	return c.do(ctx, http.MethodGet, link, nil, result)
}

func (c *Client) doPost(ctx context.Context, link string, body interface{}, result interface{}) error {
	return c.do(ctx, http.MethodPost, link, body, result)
}

func (c *Client) do(ctx context.Context, method, link string, body interface{}, result interface{}) error {
	err := c.breaker.Execute(func() error {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, link, reqBody)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Prefer", "odata.maxpagesize="+strconv.Itoa(c.pageSize))

		resp, err := c.http.Do(req)
		if err != nil {
			return wrapError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return wrapHTTPError(resp.StatusCode, string(respBody))
		}
		if result != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return out.NewProviderError(providerName, out.ProviderErrServer, "decode response", err, false)
			}
		}
		return nil
	})
	if err != nil && resilience.IsRejected(err) {
		logger.Warn("[OutlookClient] circuit breaker rejected %s: state=%s", method, c.breaker.State())
		return out.NewProviderError(providerName, out.ProviderErrServer, "circuit open", err, false)
	}
	return err
}

func wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return out.NewProviderError(providerName, out.ProviderErrNetwork, "request failed", err, true)
}

func wrapHTTPError(statusCode int, body string) error {
	switch statusCode {
	case http.StatusBadRequest:
		if isResyncBody(body) {
			return out.NewProviderError(providerName, out.ProviderErrSyncRequired, "Full sync required", nil, false).WithStatus(statusCode)
		}
		return out.NewProviderError(providerName, out.ProviderErrInvalidInput, "Invalid request: "+body, nil, false).WithStatus(statusCode)
	case http.StatusUnauthorized:
		return out.NewProviderError(providerName, out.ProviderErrTokenExpired, "Token expired", nil, false).WithStatus(statusCode)
	case http.StatusForbidden:
		return forbiddenError(body)
	case http.StatusNotFound:
		return out.NewProviderError(providerName, out.ProviderErrNotFound, "Not found", nil, false).WithStatus(statusCode)
	case http.StatusGone:
		return out.NewProviderError(providerName, out.ProviderErrSyncRequired, "Full sync required", nil, false).WithStatus(statusCode)
	case http.StatusTooManyRequests:
		return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Too many requests", nil, true).WithStatus(statusCode)
	}
	if statusCode >= 500 {
		return out.NewProviderError(providerName, out.ProviderErrServer, fmt.Sprintf("HTTP %d: %s", statusCode, body), nil, true).WithStatus(statusCode)
	}
	return out.NewProviderError(providerName, out.ProviderErrServer, fmt.Sprintf("HTTP %d: %s", statusCode, body), nil, false).WithStatus(statusCode)
}

// Graph error codes on a 403 that mean the token or the consent is bad.
var authDeniedCodes = map[string]bool{
	"InvalidAuthenticationToken":     true,
	"AuthenticationError":            true,
	"Authorization_RequestDenied":    true,
	"Authorization_IdentityNotFound": true,
	"MailboxNotEnabledForRESTAPI":    true,
}

// Graph error codes on a 403 that mean throttling.
var throttledCodes = map[string]bool{
	"ErrorQuotaExceeded":   true,
	"ActivityLimitReached": true,
	"ApplicationThrottled": true,
}

func forbiddenError(body string) error {
	code := graphErrorCode(body)
	switch {
	case authDeniedCodes[code]:
		return out.NewProviderError(providerName, out.ProviderErrAuth, "Access denied: "+code, nil, false).WithStatus(http.StatusForbidden)
	case throttledCodes[code]:
		return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Quota exceeded: "+code, nil, true).WithStatus(http.StatusForbidden)
	}
	return out.NewProviderError(providerName, out.ProviderErrForbidden, "Access denied: "+code, nil, false).WithStatus(http.StatusForbidden)
}

// mailboxError treats a permission denial on the mailbox itself as a
// consent failure.
func mailboxError(err error) error {
	if pe, ok := out.AsProviderError(err); ok && pe.Code == out.ProviderErrForbidden {
		return out.NewProviderError(providerName, out.ProviderErrAuth, pe.Message, nil, false).WithStatus(http.StatusForbidden)
	}
	return err
}

func graphErrorCode(body string) string {
	var e struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return ""
	}
	return e.Error.Code
}

func isResyncBody(body string) bool {
	return strings.Contains(body, "resyncRequired") ||
		strings.Contains(body, "SyncStateNotFound") ||
		strings.Contains(body, "SyncStateInvalid")
}

// Graph API types

type graphMessage struct {
	ID                     string            `json:"id"`
	ConversationID         string            `json:"conversationId"`
	Subject                string            `json:"subject"`
	BodyPreview            string            `json:"bodyPreview"`
	From                   graphRecipient    `json:"from"`
	IsRead                 bool              `json:"isRead"`
	ReceivedDateTime       string            `json:"receivedDateTime"`
	InternetMessageHeaders []graphHeader     `json:"internetMessageHeaders"`
	Removed                *graphRemovedInfo `json:"@removed,omitempty"`
}

type graphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphRemovedInfo struct {
	Reason string `json:"reason"`
}

var _ out.MailProvider = (*Client)(nil)

package gmail

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/pkg/resilience"
)

const apiPrefix = "/gmail/v1/users/me/"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(context.Background(), Config{
		Batch: resilience.BatchConfig{
			Concurrency: 2,
			BatchDelay:  time.Millisecond,
			Retry:       &resilience.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		},
		Breaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "gmail-test"}, out.IsRetryable),
	}, option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func apiError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, `{"error":{"code":`+strconv.Itoa(status)+`,"message":"`+message+`"}}`)
}

func TestListMessages_QueryAndPaging(t *testing.T) {
	var gotQuery, gotToken string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, apiPrefix+"messages", r.URL.Path)
		gotQuery = r.URL.Query().Get("q")
		gotToken = r.URL.Query().Get("pageToken")
		writeJSON(w, http.StatusOK, `{"messages":[{"id":"m1"},{"id":"m2"}],"nextPageToken":"p2"}`)
	})

	after := time.Unix(1714521600, 0)
	page, err := client.ListMessages(context.Background(), "p1", &out.ListFilter{ReceivedAfter: &after})
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2"}, page.IDs)
	assert.Equal(t, "p2", page.NextCursor)
	assert.Equal(t, "p1", gotToken)
	assert.Equal(t, "-in:sent -in:drafts -in:trash -in:spam after:1714521600", gotQuery)
}

func TestBatchFetchHeaders_RetriesAndDrops(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, apiPrefix+"messages/")
		mu.Lock()
		hits[id]++
		n := hits[id]
		mu.Unlock()

		switch {
		case id == "gone":
			apiError(w, http.StatusNotFound, "Requested entity was not found.")
		case id == "busy" && n == 1:
			apiError(w, http.StatusTooManyRequests, "Too many concurrent requests for user")
		default:
			writeJSON(w, http.StatusOK, `{
				"id":"`+id+`","threadId":"t-`+id+`","snippet":"hi",
				"labelIds":["INBOX","UNREAD"],"internalDate":"1714521600000",
				"payload":{"headers":[
					{"name":"From","value":"Shop <news@shop.com>"},
					{"name":"list-unsubscribe","value":"<https://shop.com/u>"}
				]}}`)
		}
	})

	batch, err := client.BatchFetchHeaders(context.Background(), []string{"ok", "gone", "busy"})
	require.NoError(t, err)

	require.Len(t, batch.Messages, 2)
	assert.Equal(t, []string{"gone"}, batch.Failed)
	assert.Equal(t, 2, hits["busy"])
	assert.Equal(t, 1, hits["gone"])

	msg := batch.Messages[0]
	assert.Equal(t, "ok", msg.ID)
	assert.Equal(t, "t-ok", msg.ThreadID)
	assert.True(t, msg.Unread)
	assert.Equal(t, time.UnixMilli(1714521600000).UTC(), msg.InternalDate)
	assert.Equal(t, "Shop <news@shop.com>", msg.Header("From"))
	assert.Equal(t, "<https://shop.com/u>", msg.Header("List-Unsubscribe"))
}

func TestBatchFetchHeaders_AuthErrorAborts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusUnauthorized, "Invalid Credentials")
	})

	_, err := client.BatchFetchHeaders(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)
	assert.True(t, out.IsAuthError(err))
}

func TestGetChangesSince_NetChanges(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, apiPrefix+"history", r.URL.Path)
		require.Equal(t, "100", r.URL.Query().Get("startHistoryId"))

		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, `{"historyId":"150","nextPageToken":"h2","history":[
				{"id":"101","messagesAdded":[{"message":{"id":"new","labelIds":["INBOX"]}}]},
				{"id":"102","messagesAdded":[{"message":{"id":"binned","labelIds":["INBOX"]}}]},
				{"id":"103","messagesAdded":[{"message":{"id":"sent","labelIds":["SENT"]}}]}
			]}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"historyId":"200","history":[
			{"id":"104","labelsAdded":[{"message":{"id":"binned","labelIds":["TRASH"]},"labelIds":["TRASH"]}]},
			{"id":"105","messagesDeleted":[{"message":{"id":"old"}}]},
			{"id":"106","labelsRemoved":[{"message":{"id":"restored","labelIds":["INBOX"]},"labelIds":["SPAM"]}]}
		]}`)
	})

	changes, err := client.GetChangesSince(context.Background(), "100")
	require.NoError(t, err)

	assert.False(t, changes.Expired)
	assert.Equal(t, []string{"new", "restored"}, changes.Added)
	assert.Equal(t, []string{"binned", "old"}, changes.Removed)
	assert.Equal(t, "200", changes.NewCursor)
}

func TestGetChangesSince_Expired(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusNotFound, "Requested entity was not found.")
	})

	changes, err := client.GetChangesSince(context.Background(), "100")
	require.NoError(t, err)
	assert.True(t, changes.Expired)

	changes, err = client.GetChangesSince(context.Background(), "not-a-history-id")
	require.NoError(t, err)
	assert.True(t, changes.Expired)
}

func TestMutateMessages_ArchiveFallsBackPerMessage(t *testing.T) {
	var mu sync.Mutex
	var modified []string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == apiPrefix+"messages/batchModify":
			apiError(w, http.StatusInternalServerError, "Backend Error")
		case strings.HasSuffix(r.URL.Path, "/modify"):
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, apiPrefix+"messages/"), "/modify")
			if id == "bad" {
				apiError(w, http.StatusBadRequest, "Invalid id value")
				return
			}
			mu.Lock()
			modified = append(modified, id)
			mu.Unlock()
			writeJSON(w, http.StatusOK, `{"id":"`+id+`"}`)
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	})

	res, err := client.MutateMessages(context.Background(), []string{"a", "bad", "c"}, domain.MutationArchive)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.Succeeded)
	assert.Equal(t, []string{"bad"}, res.Failed)
	assert.ElementsMatch(t, []string{"a", "c"}, modified)
}

func TestCurrentCursor(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, apiPrefix+"profile", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"emailAddress":"me@gmail.com","historyId":"4242"}`)
	})

	cursor, err := client.CurrentCursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4242", cursor)
}

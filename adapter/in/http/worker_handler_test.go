package http

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/infra/middleware"
	"github.com/owdub1/cleaninbox-sub002/pkg/apperr"
	"github.com/owdub1/cleaninbox-sub002/pkg/metrics"
	"github.com/owdub1/cleaninbox-sub002/pkg/response"
)

type fakeSync struct {
	accounts map[uuid.UUID]*domain.Account
	syncErr  error
	lastOpts domain.SyncOptions
}

func (f *fakeSync) SyncAccount(ctx context.Context, id uuid.UUID, opts domain.SyncOptions) (*domain.SyncResult, error) {
	f.lastOpts = opts
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &domain.SyncResult{AccountID: id, Method: domain.SyncMethodFull, AddedCount: 3, TotalSenders: 2}, nil
}

func (f *fakeSync) GetSyncProgress(ctx context.Context, id uuid.UUID) (domain.SyncProgress, error) {
	return domain.SyncProgress{Total: 10, Current: 4}, nil
}

func (f *fakeSync) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account")
	}
	return a, nil
}

type fakeSenders struct {
	lastKey domain.SenderKey
	lastOp  domain.MutationOp
}

func (f *fakeSenders) ListSenders(ctx context.Context, id uuid.UUID, limit, offset int) ([]*domain.SenderAggregate, error) {
	return []*domain.SenderAggregate{
		{AccountID: id, SenderKey: domain.SenderKey{Email: "news@shop.com", Name: "Shop"}, MessageCount: 7},
	}, nil
}

func (f *fakeSenders) ApplySenderAction(ctx context.Context, id uuid.UUID, key domain.SenderKey, op domain.MutationOp) (*domain.SenderActionResult, error) {
	f.lastKey, f.lastOp = key, op
	return &domain.SenderActionResult{Sender: key, Op: op, Succeeded: []string{"m1"}, Failed: []string{}}, nil
}

type fakeProducer struct{ jobs []*out.MailSyncJob }

func (f *fakeProducer) PublishMailSync(ctx context.Context, job *out.MailSyncJob) (string, error) {
	f.jobs = append(f.jobs, job)
	return "1700000000000-0", nil
}

type HandlerSuite struct {
	suite.Suite

	user     uuid.UUID
	own      *domain.Account
	foreign  *domain.Account
	sync     *fakeSync
	senders  *fakeSenders
	producer *fakeProducer
	app      *fiber.App
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.user = uuid.New()
	s.own = &domain.Account{ID: uuid.New(), UserID: s.user, Provider: domain.ProviderGmail, Status: domain.StatusConnected}
	s.foreign = &domain.Account{ID: uuid.New(), UserID: uuid.New(), Provider: domain.ProviderOutlook, Status: domain.StatusConnected}
	s.sync = &fakeSync{accounts: map[uuid.UUID]*domain.Account{s.own.ID: s.own, s.foreign.ID: s.foreign}}
	s.senders = &fakeSenders{}
	s.producer = &fakeProducer{}

	s.app = fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	NewHealthHandler(nil, nil, metrics.NewRegistry(10)).Register(s.app)

	api := s.app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Locals(middleware.LocalUserID, s.user)
		return c.Next()
	})
	NewSyncHandler(s.sync, s.producer).RegisterRoutes(api, nil)
	NewSenderHandler(s.sync, s.senders).RegisterRoutes(api)
}

func (s *HandlerSuite) do(method, path, body string) (int, response.Response) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.app.Test(req)
	s.Require().NoError(err)

	var r response.Response
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&r))
	return resp.StatusCode, r
}

func (s *HandlerSuite) TestSyncAccount_Inline() {
	status, r := s.do("POST", "/api/v1/accounts/"+s.own.ID.String()+"/sync?max_messages=200", "")
	s.Equal(200, status)
	s.True(r.Success)
	s.Equal(200, s.sync.lastOpts.MaxMessages)

	data := r.Data.(map[string]any)
	s.Equal("full", data["method"])
	s.EqualValues(3, data["added_count"])
}

func (s *HandlerSuite) TestSyncAccount_Queued() {
	status, r := s.do("POST", "/api/v1/accounts/"+s.own.ID.String()+"/sync?async=true", "")
	s.Equal(202, status)
	s.Equal("1700000000000-0", r.Data.(map[string]any)["job_id"])
	s.Require().Len(s.producer.jobs, 1)
	s.Equal(s.own.ID, s.producer.jobs[0].AccountID)
	s.Equal("manual", s.producer.jobs[0].Reason)
}

func (s *HandlerSuite) TestSyncAccount_ForeignAccountIsHidden() {
	status, r := s.do("POST", "/api/v1/accounts/"+s.foreign.ID.String()+"/sync", "")
	s.Equal(404, status)
	s.Equal(apperr.CodeNotFound, r.Error.Code)
}

func (s *HandlerSuite) TestSyncAccount_BadID() {
	status, r := s.do("POST", "/api/v1/accounts/not-a-uuid/sync", "")
	s.Equal(400, status)
	s.Equal(apperr.CodeInvalidInput, r.Error.Code)
}

func (s *HandlerSuite) TestSyncAccount_ErrorMapping() {
	s.sync.syncErr = apperr.ReconnectRequired("a@example.com", nil)
	status, r := s.do("POST", "/api/v1/accounts/"+s.own.ID.String()+"/sync", "")
	s.Equal(401, status)
	s.Equal(apperr.CodeReconnectRequired, r.Error.Code)

	s.sync.syncErr = apperr.SyncInProgress(s.own.ID.String())
	status, r = s.do("POST", "/api/v1/accounts/"+s.own.ID.String()+"/sync", "")
	s.Equal(409, status)
	s.Equal(apperr.CodeSyncInProgress, r.Error.Code)
}

func (s *HandlerSuite) TestGetSyncProgress() {
	status, r := s.do("GET", "/api/v1/accounts/"+s.own.ID.String()+"/sync/progress", "")
	s.Equal(200, status)
	s.Equal(map[string]any{"total": float64(10), "current": float64(4)}, r.Data)
}

func (s *HandlerSuite) TestListSenders() {
	status, r := s.do("GET", "/api/v1/accounts/"+s.own.ID.String()+"/senders?limit=1", "")
	s.Equal(200, status)
	s.Require().NotNil(r.Meta)
	s.Equal(1, r.Meta.Limit)
	s.True(r.Meta.HasMore)
	s.Len(r.Data, 1)
}

func (s *HandlerSuite) TestApplyAction() {
	status, r := s.do("POST", "/api/v1/accounts/"+s.own.ID.String()+"/senders/actions",
		`{"email":" News@Shop.com ","name":"Shop","op":"Trash"}`)
	s.Equal(200, status)
	s.True(r.Success)
	s.Equal(domain.SenderKey{Email: "news@shop.com", Name: "Shop"}, s.senders.lastKey)
	s.Equal(domain.MutationTrash, s.senders.lastOp)
}

func (s *HandlerSuite) TestApplyAction_Validation() {
	path := "/api/v1/accounts/" + s.own.ID.String() + "/senders/actions"

	status, r := s.do("POST", path, `{"email":"a@b.com","op":"delete"}`)
	s.Equal(400, status)
	s.Equal(apperr.CodeInvalidInput, r.Error.Code)

	status, _ = s.do("POST", path, `{"op":"trash"}`)
	s.Equal(400, status)

	status, r = s.do("POST", path, `{not json`)
	s.Equal(400, status)
	s.Equal(apperr.CodeBadRequest, r.Error.Code)
}

func (s *HandlerSuite) TestHealthAndMetrics() {
	resp, err := s.app.Test(httptest.NewRequest("GET", "/ready", nil))
	s.Require().NoError(err)
	s.Equal(200, resp.StatusCode)

	resp, err = s.app.Test(httptest.NewRequest("GET", "/metrics", nil))
	s.Require().NoError(err)
	s.Equal(200, resp.StatusCode)
	var body map[string]any
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))
	s.Contains(body, "counters")
}

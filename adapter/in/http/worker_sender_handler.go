package http

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/in"
	"github.com/owdub1/cleaninbox-sub002/pkg/apperr"
	"github.com/owdub1/cleaninbox-sub002/pkg/response"
)

// SenderHandler serves sender aggregates and bulk actions on them.
type SenderHandler struct {
	accounts in.SyncService
	senders  in.SenderService
}

func NewSenderHandler(accounts in.SyncService, senders in.SenderService) *SenderHandler {
	return &SenderHandler{accounts: accounts, senders: senders}
}

func (h *SenderHandler) RegisterRoutes(router fiber.Router) {
	senders := router.Group("/accounts/:id/senders")
	senders.Get("/", h.ListSenders)
	senders.Post("/actions", h.ApplyAction)
}

// ListSenders GET /accounts/:id/senders?limit=&offset=
func (h *SenderHandler) ListSenders(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}
	limit, offset := response.Page(c, 50, 500)

	aggs, err := h.senders.ListSenders(c.UserContext(), account.ID, limit, offset)
	if err != nil {
		return err
	}
	return response.OKWithMeta(c, aggs, &response.Meta{
		Total:   len(aggs),
		Limit:   limit,
		Offset:  offset,
		HasMore: len(aggs) == limit,
	})
}

type senderActionRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Op    string `json:"op"`
}

// ApplyAction POST /accounts/:id/senders/actions {email, name, op}
func (h *SenderHandler) ApplyAction(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}

	var req senderActionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return apperr.InvalidInput("email", "required")
	}
	op := domain.MutationOp(strings.ToLower(req.Op))
	if !op.IsValid() {
		return apperr.InvalidInput("op", "must be trash or archive")
	}

	result, err := h.senders.ApplySenderAction(c.UserContext(), account.ID, domain.SenderKey{Email: email, Name: req.Name}, op)
	if err != nil {
		return err
	}
	return response.OK(c, result)
}

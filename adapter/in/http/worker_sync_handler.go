package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/in"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/pkg/apperr"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
	"github.com/owdub1/cleaninbox-sub002/pkg/response"
)

// SyncHandler exposes sync passes and their progress.
type SyncHandler struct {
	sync     in.SyncService
	producer out.MessageProducer
}

// NewSyncHandler creates a SyncHandler. producer may be nil, in which case
// only synchronous passes are offered.
func NewSyncHandler(syncService in.SyncService, producer out.MessageProducer) *SyncHandler {
	return &SyncHandler{sync: syncService, producer: producer}
}

// RegisterRoutes registers sync routes. limit guards the routes that start
// a pass.
func (h *SyncHandler) RegisterRoutes(router fiber.Router, limit fiber.Handler) {
	accounts := router.Group("/accounts/:id")
	if limit != nil {
		accounts.Post("/sync", limit, h.SyncAccount)
	} else {
		accounts.Post("/sync", h.SyncAccount)
	}
	accounts.Get("/sync/progress", h.GetSyncProgress)
}

// SyncAccount runs a pass inline, or queues one when async=true.
// POST /accounts/:id/sync?max_messages=N&async=true
func (h *SyncHandler) SyncAccount(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.sync)
	if err != nil {
		return err
	}
	maxMessages := c.QueryInt("max_messages", 0)
	if maxMessages < 0 {
		return apperr.InvalidInput("max_messages", "must not be negative")
	}

	if c.QueryBool("async", false) {
		if h.producer == nil {
			return apperr.BadRequest("background sync is not available")
		}
		id, err := h.producer.PublishMailSync(c.UserContext(), &out.MailSyncJob{
			AccountID:   account.ID,
			MaxMessages: maxMessages,
			Reason:      "manual",
		})
		if err != nil {
			return apperr.ExternalError("queue", err)
		}
		logger.Info("[SyncHandler.SyncAccount] queued account=%s job=%s", account.ID, id)
		return response.Accepted(c, fiber.Map{"job_id": id, "account_id": account.ID})
	}

	result, err := h.sync.SyncAccount(c.UserContext(), account.ID, domain.SyncOptions{MaxMessages: maxMessages})
	if err != nil {
		return err
	}
	return response.OK(c, result)
}

// GetSyncProgress returns the counters of the running pass.
// GET /accounts/:id/sync/progress
func (h *SyncHandler) GetSyncProgress(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.sync)
	if err != nil {
		return err
	}
	progress, err := h.sync.GetSyncProgress(c.UserContext(), account.ID)
	if err != nil {
		return err
	}
	return response.OK(c, progress)
}

package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/in"
	"github.com/owdub1/cleaninbox-sub002/infra/middleware"
	"github.com/owdub1/cleaninbox-sub002/pkg/apperr"
)

// GetUserID returns the authenticated caller.
func GetUserID(c *fiber.Ctx) (uuid.UUID, error) {
	userID, ok := middleware.UserID(c)
	if !ok {
		return uuid.Nil, apperr.Unauthorized("")
	}
	return userID, nil
}

// ownedAccount resolves the :id route parameter to an account of the
// caller. Accounts of other users answer not-found so ids cannot be probed.
func ownedAccount(c *fiber.Ctx, accounts in.SyncService) (*domain.Account, error) {
	userID, err := GetUserID(c)
	if err != nil {
		return nil, err
	}
	accountID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, apperr.InvalidInput("id", "must be a uuid")
	}

	account, err := accounts.GetAccount(c.UserContext(), accountID)
	if err != nil {
		return nil, err
	}
	if account.UserID != userID {
		return nil, apperr.NotFound("account")
	}
	return account, nil
}

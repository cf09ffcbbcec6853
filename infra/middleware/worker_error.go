package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/owdub1/cleaninbox-sub002/pkg/apperr"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
	"github.com/owdub1/cleaninbox-sub002/pkg/response"
)

// ErrorHandler renders every error returned by a handler as the standard
// envelope.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)

		var appErr *apperr.AppError
		var fiberErr *fiber.Error
		switch {
		case errors.As(err, &appErr):
			log := logger.WithField("request_id", requestID).
				WithField("error_code", appErr.Code).
				WithError(appErr.Err)
			if appErr.Status >= 500 {
				log.Error("[ErrorHandler] %s", appErr.Message)
			} else {
				log.Warn("[ErrorHandler] %s", appErr.Message)
			}
			return response.Error(c, appErr.Status, appErr.Code, appErr.Message, appErr.Details)

		case errors.As(err, &fiberErr):
			return response.Error(c, fiberErr.Code, codeForStatus(fiberErr.Code), fiberErr.Message, nil)

		default:
			logger.WithField("request_id", requestID).
				WithError(err).
				Error("[ErrorHandler] Unexpected error: %v", err)
			return response.Error(c, fiber.StatusInternalServerError, apperr.CodeInternalError, "An unexpected error occurred", nil)
		}
	}
}

// RequestID adds a unique request ID to each request.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Locals("request_id", requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}

// Observer records request latency, e.g. metrics.Registry.
type Observer interface {
	Observe(name string, d time.Duration)
}

// RequestLogger logs each request and, when obs is set, records its latency
// under "http.<route>".
func RequestLogger(obs Observer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		// Errors are rendered after the chain returns, so resolve the status now.
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var appErr *apperr.AppError
			var fiberErr *fiber.Error
			if errors.As(err, &appErr) {
				status = appErr.Status
			} else if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			}
		}

		requestID, _ := c.Locals("request_id").(string)
		log := logger.WithFields(map[string]any{
			"request_id":  requestID,
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      status,
			"duration_ms": float64(duration.Microseconds()) / 1000.0,
			"ip":          c.IP(),
		})
		if userID, ok := UserID(c); ok {
			log = log.WithField("user_id", userID.String())
		}
		if obs != nil {
			obs.Observe("http."+c.Route().Path, duration)
		}

		switch {
		case status >= 500:
			log.Error("Request failed: %s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("Request error: %s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Info("Request completed: %s %s -> %d", c.Method(), c.Path(), status)
		}
		return err
	}
}

// Recover turns a handler panic into a 500.
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Locals("request_id").(string)
				logger.WithFields(map[string]any{
					"request_id": requestID,
					"panic":      fmt.Sprintf("%v", r),
					"path":       c.Path(),
					"method":     c.Method(),
					"stack":      string(debug.Stack()),
				}).Error("Panic recovered")
				err = apperr.Internal("An unexpected error occurred")
			}
		}()
		return c.Next()
	}
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return apperr.CodeBadRequest
	case fiber.StatusUnauthorized:
		return apperr.CodeUnauthorized
	case fiber.StatusNotFound:
		return apperr.CodeNotFound
	case fiber.StatusConflict:
		return apperr.CodeConflict
	case fiber.StatusTooManyRequests:
		return apperr.CodeRateLimited
	case fiber.StatusInternalServerError:
		return apperr.CodeInternalError
	default:
		return "HTTP_" + fmt.Sprint(status)
	}
}

// Package response holds the JSON envelope shared by every API handler.
package response

import (
	"github.com/gofiber/fiber/v2"
)

// Response is the standard API response structure.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Meta      *Meta      `json:"meta,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta carries limit/offset paging.
type Meta struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

func OK(c *fiber.Ctx, data any) error {
	return c.JSON(Response{Success: true, Data: data})
}

func OKWithMeta(c *fiber.Ctx, data any, meta *Meta) error {
	return c.JSON(Response{Success: true, Data: data, Meta: meta})
}

// Accepted answers 202 for work handed to the background queue.
func Accepted(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusAccepted).JSON(Response{Success: true, Data: data})
}

// Error writes an error envelope. The request id set by the RequestID
// middleware is echoed when present.
func Error(c *fiber.Ctx, status int, code, message string, details map[string]any) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message, Details: details},
		RequestID: requestID,
	})
}

// Page reads limit/offset query parameters, clamping limit to [1, max].
func Page(c *fiber.Ctx, defaultLimit, maxLimit int) (limit, offset int) {
	limit = c.QueryInt("limit", defaultLimit)
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset = c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

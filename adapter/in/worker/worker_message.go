package worker

import (
	"context"
	"errors"
	"time"

	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/internal/stream"
	"github.com/owdub1/cleaninbox-sub002/pkg/apperr"
)

// Job reasons.
const (
	ReasonSchedule = "schedule"
	ReasonManual   = "manual"
	ReasonRetry    = "retry"
)

// Task is one delivered sync job travelling through the pool.
type Task struct {
	Job        *out.MailSyncJob
	Ack        stream.AckFunc
	AcceptedAt time.Time
}

// outcome classifies the result of a sync attempt.
type outcome int

const (
	outcomeDone     outcome = iota // finished, ack
	outcomeTerminal                // will not succeed by retrying, ack
	outcomeRetry                   // transient, retry later
	outcomeAbandon                 // shutting down, leave pending
)

func (o outcome) String() string {
	switch o {
	case outcomeDone:
		return "done"
	case outcomeTerminal:
		return "terminal"
	case outcomeRetry:
		return "retry"
	default:
		return "abandon"
	}
}

func classify(err error) outcome {
	if err == nil {
		return outcomeDone
	}
	if errors.Is(err, context.Canceled) {
		return outcomeAbandon
	}
	switch {
	case apperr.HasCode(err, apperr.CodeReconnectRequired),
		apperr.HasCode(err, apperr.CodeNotConnected),
		apperr.HasCode(err, apperr.CodeNotFound),
		apperr.HasCode(err, apperr.CodeBadRequest),
		apperr.HasCode(err, apperr.CodeInvalidInput):
		return outcomeTerminal
	case apperr.HasCode(err, apperr.CodeSyncInProgress):
		// Another pass is already bringing the account up to date.
		return outcomeTerminal
	}
	return outcomeRetry
}

package backends

import (
	"context"

	"github.com/example/task-relay/internal/models"
)

// Result is what a backend reports for one invocation. The relay manager
// wraps it into an Attempt and appends it to the task's history; adapters
// never touch the history themselves.
type Result struct {
	Outcome    models.Outcome
	Output     any
	Logs       string
	Signatures []string
}

// Backend wraps one external solving capability. Submit blocks for the
// duration of the call; the caller applies the per-attempt timeout via ctx.
// handover is nil except on the first invocation after a relay.
type Backend interface {
	ID() string
	Submit(ctx context.Context, task *models.Task, handover *models.HandoverRecord) (*Result, error)
}

func success(output any, logs string) *Result {
	return &Result{Outcome: models.OutcomeSuccess, Output: output, Logs: logs}
}

func failure(logs string, signatures ...string) *Result {
	return &Result{Outcome: models.OutcomeFailure, Logs: logs, Signatures: signatures}
}

func stuck(logs string, signatures ...string) *Result {
	return &Result{Outcome: models.OutcomeStuck, Logs: logs, Signatures: signatures}
}

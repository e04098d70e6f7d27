package backends

import (
	"context"
	"fmt"

	"github.com/example/task-relay/internal/models"
)

// EchoBackend is a diagnostic backend that always succeeds. It is the
// last-resort entry in route tables so a category can terminate instead of
// exhausting.
type EchoBackend struct{}

func (e *EchoBackend) ID() string { return "echo" }

func (e *EchoBackend) Submit(ctx context.Context, task *models.Task, handover *models.HandoverRecord) (*Result, error) {
	out := fmt.Sprintf("echo: %s", task.Payload)
	logs := ""
	if handover != nil {
		logs = fmt.Sprintf("handover attempts=%d", len(handover.Attempts))
	}
	return success(out, logs), nil
}

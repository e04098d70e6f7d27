package backends

import (
	"context"
	"sync"

	"github.com/example/task-relay/internal/models"
)

// Scripted returns queued results in order and records what it was invoked
// with. It stands in for a real backend in tests, the same way a mock client
// stands in for an unconfigured provider.
type Scripted struct {
	Backend string

	mu        sync.Mutex
	queue     []*Result
	calls     int
	handovers []*models.HandoverRecord
}

func NewScripted(id string, results ...*Result) *Scripted {
	return &Scripted{Backend: id, queue: append([]*Result(nil), results...)}
}

func (s *Scripted) ID() string { return s.Backend }

func (s *Scripted) Push(r *Result) {
	s.mu.Lock()
	s.queue = append(s.queue, r)
	s.mu.Unlock()
}

func (s *Scripted) Submit(ctx context.Context, task *models.Task, handover *models.HandoverRecord) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.handovers = append(s.handovers, handover)
	if len(s.queue) == 0 {
		return success("scripted: done", ""), nil
	}
	r := s.queue[0]
	s.queue = s.queue[1:]
	return r, nil
}

// Calls reports how many times Submit ran.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Handovers returns the handover argument of each invocation, in order.
func (s *Scripted) Handovers() []*models.HandoverRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.HandoverRecord(nil), s.handovers...)
}

// Stuck, Failed and Succeed build results for scripting test scenarios.
func Stuck(signatures ...string) *Result {
	return stuck("scripted: stuck", signatures...)
}

func Failed(signatures ...string) *Result {
	return failure("scripted: failed", signatures...)
}

func Succeed(output any) *Result {
	return success(output, "")
}

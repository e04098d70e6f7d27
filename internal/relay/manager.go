// Package relay owns the task lifecycle: it routes each task to a backend,
// records attempts, asks the detector for a stuck verdict after every
// attempt, and relays non-convergent tasks to a fresh backend with a
// handover record.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/task-relay/internal/backends"
	"github.com/example/task-relay/internal/detector"
	"github.com/example/task-relay/internal/models"
	"github.com/example/task-relay/internal/router"
)

var ErrTaskNotFound = errors.New("task not found")

type Manager struct {
	router   *router.Router
	registry *backends.Registry
	detector *detector.Detector
	logger   *zap.Logger

	// attemptTimeout bounds a single backend invocation; zero disables it.
	attemptTimeout time.Duration

	tasksMu sync.RWMutex
	tasks   map[string]*models.Task

	cancelMu  sync.Mutex
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool

	hub *Hub
}

func New(rt *router.Router, reg *backends.Registry, det *detector.Detector, logger *zap.Logger, attemptTimeout time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		router:         rt,
		registry:       reg,
		detector:       det,
		logger:         logger,
		attemptTimeout: attemptTimeout,
		tasks:          map[string]*models.Task{},
		cancels:        map[string]context.CancelFunc{},
		cancelled:      map[string]bool{},
		hub:            NewHub(),
	}
}

func (m *Manager) CreateTask(category, payload string, contextMap map[string]any) *models.Task {
	now := time.Now()
	t := &models.Task{
		ID:        uuid.NewString(),
		Category:  category,
		Payload:   payload,
		Context:   contextMap,
		State:     models.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tasksMu.Lock()
	m.tasks[t.ID] = t
	m.tasksMu.Unlock()
	m.publishState(t, "")
	return t
}

func (m *Manager) GetTask(id string) (*models.Task, bool) {
	m.tasksMu.RLock()
	t, ok := m.tasks[id]
	m.tasksMu.RUnlock()
	return t, ok
}

func (m *Manager) ListTasks() []*models.Task {
	m.tasksMu.RLock()
	out := make([]*models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	m.tasksMu.RUnlock()
	return out
}

// State returns a task's current lifecycle state under the manager lock.
func (m *Manager) State(id string) (models.State, bool) {
	m.tasksMu.RLock()
	defer m.tasksMu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return "", false
	}
	return t.State, true
}

// HasCategory reports whether the routing table can serve the category.
func (m *Manager) HasCategory(category string) bool {
	return m.router.HasCategory(category)
}

// Subscribe returns a channel carrying JSON-encoded Event payloads for a
// specific task. The caller must call the returned unsubscribe func when done.
func (m *Manager) Subscribe(taskID string) (<-chan []byte, func()) {
	ch, unsub := m.hub.Subscribe(taskID)
	return ch, unsub
}

// Start runs a task to a terminal state. It is synchronous; callers wanting
// fire-and-forget semantics run it in a goroutine. A task can be started at
// most once.
func (m *Manager) Start(ctx context.Context, id string) error {
	t, ok := m.GetTask(id)
	if !ok {
		return ErrTaskNotFound
	}
	m.tasksMu.Lock()
	if t.State != models.StatePending {
		state := t.State
		m.tasksMu.Unlock()
		return fmt.Errorf("task %s already %s", id, state)
	}
	t.State = models.StateRunning
	t.UpdatedAt = time.Now()
	m.tasksMu.Unlock()
	m.publishState(t, "")

	defer m.hub.StopProgressAppender(id)
	defer m.clearCancelState(id)

	excluded := map[string]bool{}
	backendID, err := m.router.Route(t.Category, excluded)
	if err != nil {
		m.fail(t, models.ReasonNoEligibleBackend)
		return err
	}

	var hand *models.HandoverRecord
	for {
		if m.isCancelled(id) || ctx.Err() != nil {
			m.fail(t, models.ReasonCancelled)
			return nil
		}
		b, ok := m.registry.Get(backendID)
		if !ok {
			m.fail(t, models.ReasonNoEligibleBackend)
			return fmt.Errorf("backend %q not registered", backendID)
		}

		att := m.invoke(ctx, t, b, hand)
		hand = nil // consumed by exactly one invocation
		m.appendAttempt(t, att)
		m.logger.Info("attempt finished",
			zap.String("task", t.ID),
			zap.String("backend", att.BackendID),
			zap.String("outcome", string(att.Outcome)),
			zap.Strings("signatures", att.Signatures))
		m.hub.Publish(t.ID, Event{Event: "attempt", TaskID: t.ID, Payload: previewAttempt(att)})

		if m.isCancelled(id) || ctx.Err() != nil {
			m.fail(t, models.ReasonCancelled)
			return nil
		}

		switch att.Outcome {
		case models.OutcomeSuccess:
			m.tasksMu.Lock()
			t.Result = att.Output
			m.tasksMu.Unlock()
			m.setState(t, models.StateSucceeded, "")
			return nil
		case models.OutcomeFailure:
			m.fail(t, models.ReasonBackendFailure)
			return nil
		}

		// stuck attempt: the detector decides between continuing on the same
		// backend and relaying to a fresh one
		isStuck, reason := m.detector.Evaluate(m.history(t))
		if !isStuck {
			continue
		}

		m.setState(t, models.StateStuck, reason)
		hand = m.buildHandover(t)
		excluded[backendID] = true
		m.markExcluded(t, backendID)

		next, err := m.router.Route(t.Category, excluded)
		if err != nil {
			m.fail(t, models.ReasonBackendsExhausted)
			return nil
		}
		m.logger.Info("relaying task",
			zap.String("task", t.ID),
			zap.String("from", backendID),
			zap.String("to", next),
			zap.String("reason", reason))
		m.hub.Publish(t.ID, Event{Event: "relay", TaskID: t.ID, Payload: map[string]any{
			"from":    backendID,
			"to":      next,
			"reason":  reason,
			"summary": hand.Summary,
		}})
		m.setState(t, models.StateRelayed, reason)
		backendID = next
		m.setState(t, models.StateRunning, "")
	}
}

// Cancel aborts the in-flight attempt (best effort) and drives the task to
// FAILED/Cancelled. Cancelling a pending task fails it immediately.
func (m *Manager) Cancel(id string) error {
	t, ok := m.GetTask(id)
	if !ok {
		return ErrTaskNotFound
	}
	m.tasksMu.RLock()
	state := t.State
	m.tasksMu.RUnlock()
	if state == models.StateSucceeded || state == models.StateFailed {
		return nil
	}

	m.cancelMu.Lock()
	m.cancelled[id] = true
	if cancel, ok := m.cancels[id]; ok {
		cancel()
	}
	m.cancelMu.Unlock()

	pending := state == models.StatePending
	if pending {
		m.fail(t, models.ReasonCancelled)
	}
	return nil
}

func (m *Manager) invoke(ctx context.Context, t *models.Task, b backends.Backend, hand *models.HandoverRecord) *models.Attempt {
	actx := ctx
	var cancel context.CancelFunc
	if m.attemptTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, m.attemptTimeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	m.cancelMu.Lock()
	m.cancels[t.ID] = cancel
	m.cancelMu.Unlock()
	defer func() {
		m.cancelMu.Lock()
		delete(m.cancels, t.ID)
		m.cancelMu.Unlock()
		cancel()
	}()

	attemptID := uuid.NewString()
	appender := m.hub.ProgressAppender(t.ID)
	actx = context.WithValue(actx, backends.CtxProgressKey, backends.ProgressCallback(func(chunk string) {
		appender(attemptID, chunk)
	}))

	start := time.Now()
	res, err := b.Submit(actx, t, hand)
	att := &models.Attempt{
		ID:        attemptID,
		TaskID:    t.ID,
		BackendID: b.ID(),
		StartedAt: start,
		EndedAt:   time.Now(),
	}
	switch {
	case err == nil && res != nil:
		att.Outcome = res.Outcome
		att.Output = res.Output
		att.Logs = res.Logs
		att.Signatures = res.Signatures
	case ctx.Err() != nil:
		// parent cancelled: the caller turns this into FAILED/Cancelled
		att.Outcome = models.OutcomeFailure
		att.Signatures = []string{"cancelled"}
		att.Logs = "attempt cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		att.Outcome = models.OutcomeStuck
		att.Signatures = []string{"timeout"}
		att.Logs = fmt.Sprintf("attempt exceeded %s", m.attemptTimeout)
	case errors.Is(err, context.Canceled):
		att.Outcome = models.OutcomeFailure
		att.Signatures = []string{"cancelled"}
		att.Logs = "attempt cancelled"
	case err != nil:
		att.Outcome = models.OutcomeFailure
		att.Signatures = []string{"adapter_error"}
		att.Logs = err.Error()
	default:
		att.Outcome = models.OutcomeFailure
		att.Signatures = []string{"adapter_error"}
		att.Logs = "backend returned no result"
	}
	return att
}

func (m *Manager) appendAttempt(t *models.Task, att *models.Attempt) {
	m.tasksMu.Lock()
	t.Attempts = append(t.Attempts, att)
	t.UpdatedAt = time.Now()
	m.tasksMu.Unlock()
}

func (m *Manager) markExcluded(t *models.Task, backendID string) {
	m.tasksMu.Lock()
	t.Excluded = append(t.Excluded, backendID)
	t.UpdatedAt = time.Now()
	m.tasksMu.Unlock()
}

func (m *Manager) history(t *models.Task) []*models.Attempt {
	m.tasksMu.RLock()
	out := append([]*models.Attempt(nil), t.Attempts...)
	m.tasksMu.RUnlock()
	return out
}

func (m *Manager) buildHandover(t *models.Task) *models.HandoverRecord {
	m.tasksMu.RLock()
	defer m.tasksMu.RUnlock()
	return BuildHandover(t)
}

func (m *Manager) setState(t *models.Task, state models.State, reason string) {
	m.tasksMu.Lock()
	t.State = state
	t.UpdatedAt = time.Now()
	m.tasksMu.Unlock()
	m.publishState(t, reason)
}

func (m *Manager) fail(t *models.Task, reason models.FailReason) {
	m.tasksMu.Lock()
	t.State = models.StateFailed
	t.FailReason = reason
	t.UpdatedAt = time.Now()
	m.tasksMu.Unlock()
	m.logger.Warn("task failed", zap.String("task", t.ID), zap.String("reason", string(reason)))
	m.publishState(t, string(reason))
}

func (m *Manager) publishState(t *models.Task, reason string) {
	payload := map[string]any{"state": t.State}
	if reason != "" {
		payload["reason"] = reason
	}
	m.hub.Publish(t.ID, Event{Event: "task_status", TaskID: t.ID, Payload: payload})
}

func (m *Manager) isCancelled(id string) bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	return m.cancelled[id]
}

func (m *Manager) clearCancelState(id string) {
	m.cancelMu.Lock()
	delete(m.cancels, id)
	delete(m.cancelled, id)
	m.cancelMu.Unlock()
}

// previewAttempt truncates large outputs before they hit the event stream.
func previewAttempt(att *models.Attempt) map[string]any {
	max := 20000
	if v := os.Getenv("PREVIEW_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			max = n
		}
	}
	s := stringifyOutput(att.Output)
	size := len(s)
	truncated := false
	if size > max {
		s = s[:max]
		truncated = true
	}
	out := map[string]any{
		"attempt_id": att.ID,
		"backend_id": att.BackendID,
		"outcome":    att.Outcome,
		"signatures": att.Signatures,
		"output":     s,
		"logs":       att.Logs,
	}
	if truncated {
		out["preview_truncated"] = true
	}
	out["bytes_total"] = size
	return out
}

func stringifyOutput(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

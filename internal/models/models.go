package models

import (
	"time"
)

// State tracks a task through its routing lifecycle.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateStuck     State = "STUCK"
	StateRelayed   State = "RELAYED"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Outcome is what a single backend invocation resolved to. STUCK means the
// attempt did not converge; it is detector input, not a terminal state.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeStuck   Outcome = "STUCK"
)

// FailReason explains a terminal FAILED state.
type FailReason string

const (
	ReasonBackendFailure    FailReason = "BackendFailure"
	ReasonBackendsExhausted FailReason = "BackendsExhausted"
	ReasonNoEligibleBackend FailReason = "NoEligibleBackend"
	ReasonCancelled         FailReason = "Cancelled"
)

type Task struct {
	ID         string         `json:"id"`
	Category   string         `json:"category"`
	Payload    string         `json:"payload,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	State      State          `json:"state"`
	FailReason FailReason     `json:"fail_reason,omitempty"`
	// Attempts is append-only; entries are never mutated after completion.
	Attempts []*Attempt `json:"attempts,omitempty"`
	// Excluded lists backends relayed away from. Exclusion is terminal per
	// backend per task.
	Excluded  []string  `json:"excluded_backends,omitempty"`
	Result    any       `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attempt is one bounded backend invocation.
type Attempt struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	BackendID string    `json:"backend_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   Outcome   `json:"outcome"`
	// Signatures are named failure fingerprints, e.g. "http_5xx" or "timeout".
	Signatures []string `json:"signatures,omitempty"`
	Output     any      `json:"output,omitempty"`
	Logs       string   `json:"logs,omitempty"`
}

func (a *Attempt) Elapsed() time.Duration {
	return a.EndedAt.Sub(a.StartedAt)
}

// HandoverRecord is the one-shot summary passed to the next backend after a
// relay. It is consumed by exactly one invocation and never persisted.
type HandoverRecord struct {
	TaskID     string     `json:"task_id"`
	Attempts   []*Attempt `json:"attempts"`
	Summary    string     `json:"summary"`
	Hypotheses []string   `json:"hypotheses,omitempty"`
}

package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/example/task-relay/internal/backends"
	"github.com/example/task-relay/internal/detector"
	"github.com/example/task-relay/internal/models"
	"github.com/example/task-relay/internal/relay"
	"github.com/example/task-relay/internal/router"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newManager(routes map[string][]string, det detector.Config, timeout time.Duration, bs ...backends.Backend) *relay.Manager {
	reg := backends.NewRegistry()
	for _, b := range bs {
		reg.Register(b)
	}
	return relay.New(router.New(routes), reg, detector.New(det), zap.NewNop(), timeout)
}

// slowBackend blocks until its context is done.
type slowBackend struct{ id string }

func (s *slowBackend) ID() string { return s.id }

func (s *slowBackend) Submit(ctx context.Context, task *models.Task, handover *models.HandoverRecord) (*backends.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSuccessIsTerminal(t *testing.T) {
	b1 := backends.NewScripted("B1", backends.Succeed("answer"))
	m := newManager(map[string][]string{"diagnostics": {"B1"}}, detector.Config{}, 0, b1)

	task := m.CreateTask("diagnostics", "ping", nil)
	require.NoError(t, m.Start(context.Background(), task.ID))

	require.Equal(t, models.StateSucceeded, task.State)
	require.Equal(t, "answer", task.Result)
	require.Len(t, task.Attempts, 1)
	require.Equal(t, 1, b1.Calls())
	require.Empty(t, task.Excluded)
}

func TestTerminalFailureIsNotRetried(t *testing.T) {
	b1 := backends.NewScripted("B1", backends.Failed("boom"))
	b2 := backends.NewScripted("B2")
	m := newManager(map[string][]string{"c": {"B1", "B2"}}, detector.Config{}, 0, b1, b2)

	task := m.CreateTask("c", "p", nil)
	require.NoError(t, m.Start(context.Background(), task.ID))

	require.Equal(t, models.StateFailed, task.State)
	require.Equal(t, models.ReasonBackendFailure, task.FailReason)
	require.Equal(t, 1, b1.Calls())
	require.Equal(t, 0, b2.Calls(), "failure is terminal, no relay")
}

// A stuck attempt below the detector threshold continues on the same backend.
func TestContinuationBelowThreshold(t *testing.T) {
	b1 := backends.NewScripted("B1",
		backends.Stuck("X"),
		backends.Stuck("X"),
		backends.Succeed("third time lucky"),
	)
	m := newManager(map[string][]string{"c": {"B1"}},
		detector.Config{MaxRepeatedFailures: 3, MaxAttemptsPerBackend: 10}, 0, b1)

	task := m.CreateTask("c", "p", nil)
	require.NoError(t, m.Start(context.Background(), task.ID))

	require.Equal(t, models.StateSucceeded, task.State)
	require.Len(t, task.Attempts, 3)
	require.Equal(t, 3, b1.Calls())
	require.Empty(t, task.Excluded)

	// continuation attempts carry no handover
	for _, h := range b1.Handovers() {
		require.Nil(t, h)
	}
}

// documentation-search routes to B1; B1 keeps hitting signature "X"; once the
// detector flags the task, the router must pick B2 and hand it a record
// containing "X".
func TestRelayCarriesHandover(t *testing.T) {
	b1 := backends.NewScripted("B1", backends.Stuck("X"), backends.Stuck("X"))
	b2 := backends.NewScripted("B2", backends.Succeed("done"))
	m := newManager(map[string][]string{"documentation-search": {"B1", "B2"}},
		detector.Config{MaxRepeatedFailures: 2, MaxAttemptsPerBackend: 10}, 0, b1, b2)

	task := m.CreateTask("documentation-search", "p", nil)
	require.NoError(t, m.Start(context.Background(), task.ID))

	require.Equal(t, models.StateSucceeded, task.State)
	require.Equal(t, 2, b1.Calls())
	require.Equal(t, 1, b2.Calls())
	require.Equal(t, []string{"B1"}, task.Excluded)
	require.Len(t, task.Attempts, 3)

	handovers := b2.Handovers()
	require.Len(t, handovers, 1)
	h := handovers[0]
	require.NotNil(t, h)
	require.Equal(t, task.ID, h.TaskID)
	require.Len(t, h.Attempts, 2)
	require.Contains(t, h.Summary, "X")
	require.Contains(t, h.Summary, "B1")
	require.NotEmpty(t, h.Hypotheses)
}

// Handover is consumed exactly once: a post-relay backend that continues past
// its first stuck attempt sees nil on the continuation.
func TestHandoverConsumedOnce(t *testing.T) {
	b1 := backends.NewScripted("B1", backends.Stuck("rm_rf"))
	b2 := backends.NewScripted("B2", backends.Stuck("Y"), backends.Succeed("ok"))
	m := newManager(map[string][]string{"c": {"B1", "B2"}},
		detector.Config{HighRiskSignatures: []string{"rm_rf"}, MaxRepeatedFailures: 5, MaxAttemptsPerBackend: 10}, 0, b1, b2)

	// the high-risk signature relays B1 after one attempt; B2's single stuck
	// attempt stays below every threshold, so it continues with nil handover
	task := m.CreateTask("c", "p", nil)
	require.NoError(t, m.Start(context.Background(), task.ID))

	handovers := b2.Handovers()
	require.Len(t, handovers, 2)
	require.NotNil(t, handovers[0])
	require.Nil(t, handovers[1])
}

func TestBackendsExhausted(t *testing.T) {
	b1 := backends.NewScripted("B1", backends.Stuck("X"), backends.Stuck("X"))
	m := newManager(map[string][]string{"c": {"B1"}},
		detector.Config{MaxRepeatedFailures: 2, MaxAttemptsPerBackend: 10}, 0, b1)

	task := m.CreateTask("c", "p", nil)
	require.NoError(t, m.Start(context.Background(), task.ID))

	require.Equal(t, models.StateFailed, task.State)
	require.Equal(t, models.ReasonBackendsExhausted, task.FailReason)
	require.Equal(t, []string{"B1"}, task.Excluded)
}

func TestExcludedBackendNeverReselected(t *testing.T) {
	// B1 and B2 both go stuck immediately; with only two backends the task
	// must exhaust without ever returning to B1.
	b1 := backends.NewScripted("B1", backends.Stuck("X"))
	b2 := backends.NewScripted("B2", backends.Stuck("Y"))
	m := newManager(map[string][]string{"c": {"B1", "B2"}},
		detector.Config{MaxRepeatedFailures: 5, MaxAttemptsPerBackend: 1}, 0, b1, b2)

	task := m.CreateTask("c", "p", nil)
	require.NoError(t, m.Start(context.Background(), task.ID))

	require.Equal(t, models.StateFailed, task.State)
	require.Equal(t, models.ReasonBackendsExhausted, task.FailReason)
	require.Equal(t, 1, b1.Calls())
	require.Equal(t, 1, b2.Calls())
	require.Equal(t, []string{"B1", "B2"}, task.Excluded)
}

func TestHighRiskRelaysImmediately(t *testing.T) {
	b1 := backends.NewScripted("B1", backends.Stuck("destructive_operation"))
	b2 := backends.NewScripted("B2", backends.Succeed("ok"))
	m := newManager(map[string][]string{"c": {"B1", "B2"}},
		detector.Config{HighRiskSignatures: []string{"destructive_operation"}, MaxAttemptsPerBackend: 10}, 0, b1, b2)

	task := m.CreateTask("c", "p", nil)
	require.NoError(t, m.Start(context.Background(), task.ID))

	require.Equal(t, models.StateSucceeded, task.State)
	require.Equal(t, 1, b1.Calls())
	require.Equal(t, 1, b2.Calls())
}

func TestNoEligibleBackendSurfaced(t *testing.T) {
	m := newManager(map[string][]string{}, detector.Config{}, 0)

	task := m.CreateTask("unknown", "p", nil)
	err := m.Start(context.Background(), task.ID)
	require.ErrorIs(t, err, router.ErrNoEligibleBackend)
	require.Equal(t, models.StateFailed, task.State)
	require.Equal(t, models.ReasonNoEligibleBackend, task.FailReason)
}

func TestTimeoutRecordsSyntheticSignature(t *testing.T) {
	b1 := &slowBackend{id: "B1"}
	b2 := backends.NewScripted("B2", backends.Succeed("ok"))
	m := newManager(map[string][]string{"c": {"B1", "B2"}},
		detector.Config{MaxAttemptsPerBackend: 1}, 50*time.Millisecond, b1, b2)

	task := m.CreateTask("c", "p", nil)
	require.NoError(t, m.Start(context.Background(), task.ID))

	require.Equal(t, models.StateSucceeded, task.State)
	require.GreaterOrEqual(t, len(task.Attempts), 2)
	first := task.Attempts[0]
	require.Equal(t, models.OutcomeStuck, first.Outcome)
	require.Equal(t, []string{"timeout"}, first.Signatures)
}

func TestCancelInFlight(t *testing.T) {
	b1 := &slowBackend{id: "B1"}
	m := newManager(map[string][]string{"c": {"B1"}}, detector.Config{}, 0, b1)

	task := m.CreateTask("c", "p", nil)
	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), task.ID) }()

	require.Eventually(t, func() bool {
		state, _ := m.State(task.ID)
		return state == models.StateRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Cancel(task.ID))
	require.NoError(t, <-done)
	require.Equal(t, models.StateFailed, task.State)
	require.Equal(t, models.ReasonCancelled, task.FailReason)
}

func TestCancelPendingTask(t *testing.T) {
	m := newManager(map[string][]string{"c": {"B1"}}, detector.Config{}, 0, backends.NewScripted("B1"))

	task := m.CreateTask("c", "p", nil)
	require.NoError(t, m.Cancel(task.ID))
	require.Equal(t, models.StateFailed, task.State)
	require.Equal(t, models.ReasonCancelled, task.FailReason)
}

func TestCancelUnknownTask(t *testing.T) {
	m := newManager(nil, detector.Config{}, 0)
	require.ErrorIs(t, m.Cancel("nope"), relay.ErrTaskNotFound)
}

func TestStartTwice(t *testing.T) {
	b1 := backends.NewScripted("B1", backends.Succeed("ok"))
	m := newManager(map[string][]string{"c": {"B1"}}, detector.Config{}, 0, b1)

	task := m.CreateTask("c", "p", nil)
	require.NoError(t, m.Start(context.Background(), task.ID))
	require.Error(t, m.Start(context.Background(), task.ID))
	require.Equal(t, 1, b1.Calls())
}

func TestSubscribeSeesTerminalState(t *testing.T) {
	b1 := backends.NewScripted("B1", backends.Succeed("ok"))
	m := newManager(map[string][]string{"c": {"B1"}}, detector.Config{}, 0, b1)

	task := m.CreateTask("c", "p", nil)
	ch, unsub := m.Subscribe(task.ID)
	defer unsub()

	require.NoError(t, m.Start(context.Background(), task.ID))

	var events []string
	timeout := time.After(time.Second)
	for len(events) < 3 {
		select {
		case b := <-ch:
			events = append(events, string(b))
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	all := ""
	for _, e := range events {
		all += e
	}
	require.Contains(t, all, `"RUNNING"`)
	require.Contains(t, all, `"SUCCEEDED"`)
}

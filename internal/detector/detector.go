// Package detector decides whether a task's attempt history shows that the
// current backend is unlikely to converge. The verdict drives relays; it
// never terminates a task on its own.
package detector

import (
	"fmt"
	"time"

	"github.com/example/task-relay/internal/models"
)

const (
	DefaultMaxRepeatedFailures   = 3
	DefaultMaxElapsed            = 30 * time.Minute
	DefaultMaxAttemptsPerBackend = 5
)

type Config struct {
	// MaxRepeatedFailures flags the task once the same failure signature has
	// appeared in this many attempts.
	MaxRepeatedFailures int
	// MaxElapsed caps cumulative attempt duration across the whole task.
	MaxElapsed time.Duration
	// HighRiskSignatures relay on first sight, e.g. signatures tagged as
	// privilege-escalation or destructive-operation patterns.
	HighRiskSignatures []string
	// MaxAttemptsPerBackend bounds continuation on a single backend even when
	// every attempt carries a fresh signature.
	MaxAttemptsPerBackend int
}

type Detector struct {
	maxRepeated   int
	maxElapsed    time.Duration
	maxPerBackend int
	highRisk      map[string]bool
}

func New(cfg Config) *Detector {
	d := &Detector{
		maxRepeated:   cfg.MaxRepeatedFailures,
		maxElapsed:    cfg.MaxElapsed,
		maxPerBackend: cfg.MaxAttemptsPerBackend,
		highRisk:      map[string]bool{},
	}
	if d.maxRepeated <= 0 {
		d.maxRepeated = DefaultMaxRepeatedFailures
	}
	if d.maxElapsed <= 0 {
		d.maxElapsed = DefaultMaxElapsed
	}
	if d.maxPerBackend <= 0 {
		d.maxPerBackend = DefaultMaxAttemptsPerBackend
	}
	for _, sig := range cfg.HighRiskSignatures {
		d.highRisk[sig] = true
	}
	return d
}

// Evaluate inspects the full attempt history and reports whether the task is
// stuck, with a short reason. Any single condition is sufficient; conditions
// are independent and the outcome is boolean, so ordering only affects the
// reason string.
func (d *Detector) Evaluate(history []*models.Attempt) (bool, string) {
	if len(history) == 0 {
		return false, ""
	}
	last := history[len(history)-1]
	for _, sig := range last.Signatures {
		if d.highRisk[sig] {
			return true, fmt.Sprintf("high-risk signature %q", sig)
		}
	}

	counts := map[string]int{}
	perBackend := map[string]int{}
	var elapsed time.Duration
	for _, a := range history {
		elapsed += a.Elapsed()
		perBackend[a.BackendID]++
		seen := map[string]bool{}
		for _, sig := range a.Signatures {
			if seen[sig] {
				continue
			}
			seen[sig] = true
			counts[sig]++
			if counts[sig] >= d.maxRepeated {
				return true, fmt.Sprintf("signature %q repeated in %d attempts", sig, counts[sig])
			}
		}
	}
	if elapsed > d.maxElapsed {
		return true, fmt.Sprintf("cumulative attempt time %s exceeds %s", elapsed, d.maxElapsed)
	}
	if perBackend[last.BackendID] >= d.maxPerBackend {
		return true, fmt.Sprintf("backend %q used in %d attempts", last.BackendID, perBackend[last.BackendID])
	}
	return false, ""
}

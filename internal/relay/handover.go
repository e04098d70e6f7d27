package relay

import (
	"fmt"
	"strings"

	"github.com/example/task-relay/internal/models"
)

// BuildHandover synthesizes the record passed to the next backend after a
// relay: the ordered prior attempts, a one-line-per-attempt summary of
// backends tried and their failure signatures, and one hypothesis per
// distinct signature.
func BuildHandover(t *models.Task) *models.HandoverRecord {
	attempts := append([]*models.Attempt(nil), t.Attempts...)

	var b strings.Builder
	fmt.Fprintf(&b, "task %s (%s): %d prior attempts\n", t.ID, t.Category, len(attempts))
	seen := map[string]bool{}
	var hypotheses []string
	for i, a := range attempts {
		sigs := "none"
		if len(a.Signatures) > 0 {
			sigs = strings.Join(a.Signatures, ",")
		}
		fmt.Fprintf(&b, "attempt %d: backend=%s outcome=%s signatures=%s\n", i+1, a.BackendID, a.Outcome, sigs)
		for _, sig := range a.Signatures {
			if seen[sig] {
				continue
			}
			seen[sig] = true
			hypotheses = append(hypotheses, fmt.Sprintf("failure signature %q may recur on other backends", sig))
		}
	}

	return &models.HandoverRecord{
		TaskID:     t.ID,
		Attempts:   attempts,
		Summary:    strings.TrimSpace(b.String()),
		Hypotheses: hypotheses,
	}
}

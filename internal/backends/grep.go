package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/example/task-relay/internal/models"
)

// GrepBackend finds all matches of a regex pattern in text. The payload is a
// JSON document:
//   - text: string (required)
//   - pattern: string (required; supports named groups ?P<name>)
//   - flags: string (optional; combine i,m,s)
//   - limit: number (optional; max matches, default 100)
//
// Output: if named groups -> []object; else -> [][]string (full + submatches).
type GrepBackend struct{}

type grepPayload struct {
	Text    string `json:"text"`
	Pattern string `json:"pattern"`
	Flags   string `json:"flags,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (g *GrepBackend) ID() string { return "grep" }

func (g *GrepBackend) Submit(ctx context.Context, task *models.Task, handover *models.HandoverRecord) (*Result, error) {
	var in grepPayload
	if err := json.Unmarshal([]byte(task.Payload), &in); err != nil {
		return failure(fmt.Sprintf("invalid payload: %v", err), "bad_payload"), nil
	}
	if strings.TrimSpace(in.Pattern) == "" {
		return failure("missing pattern", "missing_pattern"), nil
	}

	prefix := ""
	if in.Flags != "" {
		var f []string
		flags := strings.ToLower(in.Flags)
		if strings.Contains(flags, "i") {
			f = append(f, "i")
		}
		if strings.Contains(flags, "m") {
			f = append(f, "m")
		}
		if strings.Contains(flags, "s") {
			f = append(f, "s")
		}
		if len(f) > 0 {
			prefix = "(?" + strings.Join(f, "") + ")"
		}
	}
	rx, err := regexp.Compile(prefix + in.Pattern)
	if err != nil {
		return failure(err.Error(), "bad_pattern"), nil
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}

	// detect named groups
	names := rx.SubexpNames()
	hasNamed := false
	for _, n := range names {
		if n != "" {
			hasNamed = true
			break
		}
	}

	var out any
	if hasNamed {
		var rows []map[string]string
		for _, idx := range rx.FindAllStringSubmatchIndex(in.Text, limit) {
			row := map[string]string{}
			for gi := 1; gi < len(names); gi++ { // 0 is the full match
				name := names[gi]
				if name == "" {
					continue
				}
				s := idx[2*gi]
				e := idx[2*gi+1]
				if s >= 0 && e >= 0 && s <= e && e <= len(in.Text) {
					row[name] = in.Text[s:e]
				}
			}
			rows = append(rows, row)
		}
		out = rows
	} else {
		rows := [][]string{}
		if m := rx.FindAllStringSubmatch(in.Text, limit); m != nil {
			rows = m
		}
		out = rows
	}
	return success(out, fmt.Sprintf("matches<=%d", limit)), nil
}

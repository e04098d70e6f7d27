package backends

import (
	"github.com/example/task-relay/internal/config"
)

// NewFromConfig builds the registry of real backends with limits taken from
// configuration. Tests register Scripted backends directly instead.
func NewFromConfig(cfg *config.Config) *Registry {
	reg := NewRegistry()
	reg.Register(&FetchBackend{MaxBytes: cfg.Fetch.MaxBytes})
	reg.Register(&PDFBackend{MaxBytes: cfg.PDF.MaxBytes, MaxPages: cfg.PDF.MaxPages})
	reg.Register(&GrepBackend{})
	reg.Register(&EchoBackend{})
	return reg
}

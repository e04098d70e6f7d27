// Package config loads relayd configuration: built-in defaults, overlaid by
// an optional yaml file, overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is consulted when no --config flag is given.
const DefaultFile = "relayd.yaml"

type ServerConfig struct {
	Port int `yaml:"port"`
}

type StuckConfig struct {
	MaxRepeatedFailures   int      `yaml:"max_repeated_failures"`
	MaxElapsedSeconds     int      `yaml:"max_elapsed_seconds"`
	HighRiskSignatures    []string `yaml:"high_risk_signatures"`
	MaxAttemptsPerBackend int      `yaml:"max_attempts_per_backend"`
}

type FetchConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

type PDFConfig struct {
	MaxBytes int `yaml:"max_bytes"`
	MaxPages int `yaml:"max_pages"`
}

type Config struct {
	Server ServerConfig `yaml:"server"`
	// Routes maps a task category to backend ids in preference order.
	Routes                   map[string][]string `yaml:"routes"`
	Stuck                    StuckConfig         `yaml:"stuck"`
	PerAttemptTimeoutSeconds int                 `yaml:"per_attempt_timeout_seconds"`
	Fetch                    FetchConfig         `yaml:"fetch"`
	PDF                      PDFConfig           `yaml:"pdf"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Routes: map[string][]string{
			"documentation-search": {"fetch", "echo"},
			"pdf-extract":          {"pdf"},
			"text-search":          {"grep", "echo"},
			"diagnostics":          {"echo"},
		},
		Stuck: StuckConfig{
			MaxRepeatedFailures:   3,
			MaxElapsedSeconds:     1800,
			HighRiskSignatures:    []string{"privilege_escalation", "destructive_operation"},
			MaxAttemptsPerBackend: 5,
		},
		PerAttemptTimeoutSeconds: 120,
		Fetch:                    FetchConfig{MaxBytes: 2 << 20},
		PDF:                      PDFConfig{MaxBytes: 20 * 1024 * 1024, MaxPages: 20},
	}
}

// Load reads the yaml file at path over the defaults and applies env
// overrides. An empty path falls back to RELAYD_CONFIG, then to DefaultFile
// when that exists; a missing explicit path (flag or env) is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	explicit := path != ""
	if path == "" {
		path = DefaultFile
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		// yaml merges into a pre-populated map, so a file route table must
		// replace the default one, not extend it
		defRoutes := cfg.Routes
		cfg.Routes = nil
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if cfg.Routes == nil {
			cfg.Routes = defRoutes
		}
	case os.IsNotExist(err) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Env override keys. Aside from the config path, values are plain integers;
// route tables and signature sets only come from the file.
const (
	EnvConfig              = "RELAYD_CONFIG"
	EnvPort                = "RELAYD_PORT"
	EnvMaxRepeatedFailures = "RELAYD_STUCK_MAX_REPEATED_FAILURES"
	EnvMaxElapsedSeconds   = "RELAYD_STUCK_MAX_ELAPSED_SECONDS"
	EnvPerAttemptTimeout   = "RELAYD_PER_ATTEMPT_TIMEOUT_SECONDS"
)

func (c *Config) applyEnvOverrides() {
	c.Server.Port = envInt(EnvPort, c.Server.Port)
	c.Stuck.MaxRepeatedFailures = envInt(EnvMaxRepeatedFailures, c.Stuck.MaxRepeatedFailures)
	c.Stuck.MaxElapsedSeconds = envInt(EnvMaxElapsedSeconds, c.Stuck.MaxElapsedSeconds)
	c.PerAttemptTimeoutSeconds = envInt(EnvPerAttemptTimeout, c.PerAttemptTimeoutSeconds)
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// ValidateRoutes checks that every route entry names a registered backend.
func (c *Config) ValidateRoutes(registered []string) error {
	known := map[string]bool{}
	for _, id := range registered {
		known[id] = true
	}
	var bad []string
	for cat, ids := range c.Routes {
		if len(ids) == 0 {
			bad = append(bad, fmt.Sprintf("%s: empty backend list", cat))
			continue
		}
		for _, id := range ids {
			if !known[id] {
				bad = append(bad, fmt.Sprintf("%s: unknown backend %q", cat, id))
			}
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("config: invalid routes: %s", strings.Join(bad, "; "))
	}
	return nil
}

func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.PerAttemptTimeoutSeconds) * time.Second
}

func (c *Config) MaxElapsed() time.Duration {
	return time.Duration(c.Stuck.MaxElapsedSeconds) * time.Second
}

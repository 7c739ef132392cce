// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the memex-cli
// supervision engine.
//
// Configuration is loaded from a single file specified by:
//   - MEMEX_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a memex-cli run.
type Config struct {
	// ProjectID prefixes the provisional run identifier cmd/memwrap
	// generates ("<project_id>-<uuid>"). Memory search/record calls and
	// audit events do not carry it as a separate field.
	ProjectID string `yaml:"project_id"`

	// Capture configures the ring-tail buffers (§4.1).
	Capture CaptureConfig `yaml:"capture"`

	// Control configures the control writer and fail-closed behaviour
	// (§4.4, §7).
	Control ControlConfig `yaml:"control"`

	// Timeouts configures the five intervals named in §5.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Policy configures the declarative rule-based policy callable
	// (see lib/policyrule).
	Policy PolicyConfig `yaml:"policy"`

	// Approver configures the terminal approval prompt used when the
	// policy callable returns "ask".
	Approver ApproverConfig `yaml:"approver"`

	// Audit configures the wrapper audit event sink.
	Audit AuditConfig `yaml:"audit"`

	// Memory configures the remote memory service collaborator.
	Memory MemoryConfig `yaml:"memory"`

	// Gatekeeper configures the post-run quality gate.
	Gatekeeper GatekeeperConfig `yaml:"gatekeeper"`
}

// CaptureConfig configures ring-tail capacity.
type CaptureConfig struct {
	// Bytes is the per-stream ring-tail capacity. Default: 65536.
	Bytes int `yaml:"bytes"`
}

// ControlConfig configures the control writer and fail-closed policy.
type ControlConfig struct {
	// FailMode is "closed" (default, per §7) or "open". "open" is only
	// permitted when Policy.Mode is "off" — Load validates this.
	FailMode string `yaml:"fail_mode"`

	// AbortGraceMillis is how long the Abort Sequence waits for the
	// child to exit on its own after policy.abort is sent (§4.6 step 3).
	// Default: 3000.
	AbortGraceMillis int `yaml:"abort_grace_ms"`

	// TerminateGraceMillis is the wait after SIGTERM before SIGKILL
	// (§4.6 step 4). Default: 3000.
	TerminateGraceMillis int `yaml:"terminate_grace_ms"`

	// WriteDeadlineMillis bounds a single control-writer send, including
	// the best-effort policy.abort during the Abort Sequence. Default: 1000.
	WriteDeadlineMillis int `yaml:"write_deadline_ms"`
}

// TimeoutsConfig configures the five intervals from §5.
type TimeoutsConfig struct {
	// DecisionMillis is validated (positive, below ExecutionMillis) but
	// not passed to the engine: a PendingDecision waits only on the
	// approver, bounded by ApproverMillis, whose expiry resolves it to
	// deny. Default: 300000 (5m).
	DecisionMillis int `yaml:"decision_ms"`

	// ExecutionMillis bounds Allowed (§4.5). Default: 600000 (10m).
	ExecutionMillis int `yaml:"execution_ms"`

	// IdleOutputMillis is the stall detector's idle-output signal.
	// Default: 120000 (2m).
	IdleOutputMillis int `yaml:"idle_output_ms"`

	// HardGraceMillis is the policy arbiter's escalation delay after an
	// Allowed request's execution timeout emits hang.suspected. The
	// stall detector's idle-output and double-EOF signals start the
	// Abort Sequence without waiting for it. Default: 20000 (20s).
	HardGraceMillis int `yaml:"hard_grace_ms"`

	// ApproverMillis bounds a single approver prompt. Default: 300000 (5m).
	ApproverMillis int `yaml:"approver_ms"`
}

func (t TimeoutsConfig) decision() time.Duration     { return millis(t.DecisionMillis) }
func (t TimeoutsConfig) execution() time.Duration    { return millis(t.ExecutionMillis) }
func (t TimeoutsConfig) idleOutput() time.Duration   { return millis(t.IdleOutputMillis) }
func (t TimeoutsConfig) hardGrace() time.Duration    { return millis(t.HardGraceMillis) }
func (t TimeoutsConfig) approverWait() time.Duration { return millis(t.ApproverMillis) }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Decision returns the PendingDecision timeout as a time.Duration.
func (t TimeoutsConfig) Decision() time.Duration { return t.decision() }

// Execution returns the Allowed-state execution timeout.
func (t TimeoutsConfig) Execution() time.Duration { return t.execution() }

// IdleOutput returns the stall detector's idle-output threshold.
func (t TimeoutsConfig) IdleOutput() time.Duration { return t.idleOutput() }

// HardGrace returns the post-hang.suspected escalation delay.
func (t TimeoutsConfig) HardGrace() time.Duration { return t.hardGrace() }

// ApproverWait returns the approver prompt timeout.
func (t TimeoutsConfig) ApproverWait() time.Duration { return t.approverWait() }

// PolicyConfig configures the declarative rule-based policy callable.
type PolicyConfig struct {
	// Mode is "rules" (default) or "off" (always allow).
	Mode string `yaml:"mode"`

	// DefaultAction is "allow" or "deny" when no rule matches. Default: "deny".
	DefaultAction string `yaml:"default_action"`

	// Denylist rules are checked before Allowlist rules.
	Denylist []PolicyRule `yaml:"denylist"`

	// Allowlist rules are checked after Denylist rules.
	Allowlist []PolicyRule `yaml:"allowlist"`

	// AskPatterns are tool-name patterns (same matching as PolicyRule.Tool)
	// that resolve to "ask" instead of DefaultAction when no allow/deny
	// rule matches.
	AskPatterns []string `yaml:"ask_patterns"`
}

// PolicyRule matches a tool request by tool-name pattern and, optionally,
// action category.
type PolicyRule struct {
	// Tool is a glob-suffix pattern ("*" matches everything, "fs.*"
	// matches any tool name with the "fs." prefix, otherwise an exact
	// prefix match).
	Tool string `yaml:"tool"`

	// Action, if set, must equal the request's action category.
	Action string `yaml:"action,omitempty"`

	// Reason is a short human-readable justification surfaced in the
	// policy.decision command and in audit events.
	Reason string `yaml:"reason,omitempty"`
}

// ApproverConfig configures the terminal approval prompt.
type ApproverConfig struct {
	// Enabled controls whether "ask" decisions prompt a human. When
	// false, "ask" resolves to "deny" (fail-closed with no terminal).
	Enabled bool `yaml:"enabled"`
}

// AuditConfig configures the wrapper audit event sink.
type AuditConfig struct {
	// JSONLPath is the newline-delimited JSON audit sink file. Empty
	// disables JSONL auditing.
	JSONLPath string `yaml:"jsonl_path"`

	// DiagnosticsDir, if set, receives a gzipped CBOR diagnostics
	// bundle at shutdown (see lib/audit).
	DiagnosticsDir string `yaml:"diagnostics_dir"`

	// Postgres, if non-nil, enables the lib/auditstore sink.
	Postgres *PostgresAuditConfig `yaml:"postgres,omitempty"`
}

// PostgresAuditConfig configures the optional Postgres audit sink.
type PostgresAuditConfig struct {
	// DSN is a libpq/pgx connection string.
	DSN string `yaml:"dsn"`
}

// MemoryConfig configures the remote memory-service collaborator.
type MemoryConfig struct {
	// Enabled controls whether the pre-run search and post-run record
	// calls are made at all.
	Enabled bool `yaml:"enabled"`

	// BaseURL is the memory service's HTTP base URL.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates requests via a bearer token.
	APIKey string `yaml:"api_key"`

	// TimeoutMillis bounds a single memory-service HTTP call. Default: 5000.
	TimeoutMillis int `yaml:"timeout_ms"`

	// SearchLimit bounds the number of matches requested pre-run. Default: 6.
	SearchLimit int `yaml:"search_limit"`

	// MinScore is the score floor for pre-run matches. Default: 0.2.
	MinScore float64 `yaml:"min_score"`
}

// Timeout returns the memory-service call timeout as a time.Duration.
func (m MemoryConfig) Timeout() time.Duration { return millis(m.TimeoutMillis) }

// GatekeeperConfig configures the post-run quality gate heuristics.
type GatekeeperConfig struct {
	// RequireCleanExit requires exit code 0 before a candidate is ever
	// considered for write. Default: true.
	RequireCleanExit bool `yaml:"require_clean_exit"`

	// RequireUsedMatch is parsed but not consulted: cmd/memwrap records
	// a candidate without checking whether any prior memory match was
	// referenced in the transcript.
	RequireUsedMatch bool `yaml:"require_used_match"`
}

// Default returns the default configuration. These defaults exist to
// give every field a sensible zero-value before the config file is
// applied — they are not a fallback for a missing config file.
func Default() *Config {
	return &Config{
		ProjectID: "default",
		Capture:   CaptureConfig{Bytes: 64 * 1024},
		Control: ControlConfig{
			FailMode:             "closed",
			AbortGraceMillis:     3000,
			TerminateGraceMillis: 3000,
			WriteDeadlineMillis:  1000,
		},
		Timeouts: TimeoutsConfig{
			DecisionMillis:   5 * 60 * 1000,
			ExecutionMillis:  10 * 60 * 1000,
			IdleOutputMillis: 2 * 60 * 1000,
			HardGraceMillis:  20 * 1000,
			ApproverMillis:   5 * 60 * 1000,
		},
		Policy: PolicyConfig{
			Mode:          "rules",
			DefaultAction: "deny",
		},
		Approver: ApproverConfig{Enabled: true},
		Audit:    AuditConfig{},
		Memory: MemoryConfig{
			Enabled:       false,
			TimeoutMillis: 5000,
			SearchLimit:   6,
			MinScore:      0.2,
		},
		Gatekeeper: GatekeeperConfig{
			RequireCleanExit: true,
			RequireUsedMatch: false,
		},
	}
}

// Load loads configuration from the MEMEX_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There is no fallback or auto-discovery — if MEMEX_CONFIG is not set,
// this fails, so callers should also accept a --config flag and call
// LoadFile directly when one is given.
func Load() (*Config, error) {
	path := os.Getenv("MEMEX_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("MEMEX_CONFIG environment variable not set; " +
			"set it to the path of a memex.yaml config file, or pass --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging it
// over Default() and validating the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for internal consistency. In
// particular it enforces §7's rule that fail-open is only permitted
// when no policy decisions can ever be required.
func (c *Config) Validate() error {
	var errs []error

	if c.Control.FailMode != "closed" && c.Control.FailMode != "open" {
		errs = append(errs, fmt.Errorf("control.fail_mode must be \"closed\" or \"open\", got %q", c.Control.FailMode))
	}
	if c.Control.FailMode == "open" && c.Policy.Mode != "off" {
		errs = append(errs, fmt.Errorf("control.fail_mode=open requires policy.mode=off (no policy decisions may be required)"))
	}

	if c.Policy.Mode != "rules" && c.Policy.Mode != "off" {
		errs = append(errs, fmt.Errorf("policy.mode must be \"rules\" or \"off\", got %q", c.Policy.Mode))
	}
	if c.Policy.DefaultAction != "allow" && c.Policy.DefaultAction != "deny" {
		errs = append(errs, fmt.Errorf("policy.default_action must be \"allow\" or \"deny\", got %q", c.Policy.DefaultAction))
	}

	if c.Timeouts.DecisionMillis <= 0 {
		errs = append(errs, fmt.Errorf("timeouts.decision_ms must be positive"))
	}
	if c.Timeouts.ExecutionMillis <= 0 {
		errs = append(errs, fmt.Errorf("timeouts.execution_ms must be positive"))
	}
	if c.Timeouts.IdleOutputMillis <= 0 {
		errs = append(errs, fmt.Errorf("timeouts.idle_output_ms must be positive"))
	}
	if c.Timeouts.DecisionMillis >= c.Timeouts.ExecutionMillis {
		errs = append(errs, fmt.Errorf("timeouts.decision_ms must be less than timeouts.execution_ms"))
	}
	if c.Control.TerminateGraceMillis <= 0 {
		errs = append(errs, fmt.Errorf("control.terminate_grace_ms must be positive"))
	}

	if c.Capture.Bytes <= 0 {
		errs = append(errs, fmt.Errorf("capture.bytes must be positive"))
	}

	if c.Memory.Enabled && c.Memory.BaseURL == "" {
		errs = append(errs, fmt.Errorf("memory.base_url is required when memory.enabled is true"))
	}

	if c.Audit.Postgres != nil && c.Audit.Postgres.DSN == "" {
		errs = append(errs, fmt.Errorf("audit.postgres.dsn is required when audit.postgres is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDiagnosticsDir creates the configured diagnostics directory,
// if any.
func (c *Config) EnsureDiagnosticsDir() error {
	if c.Audit.DiagnosticsDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.Audit.DiagnosticsDir, 0o755); err != nil {
		return fmt.Errorf("creating diagnostics dir %s: %w", c.Audit.DiagnosticsDir, err)
	}
	return nil
}

// DiagnosticsPath returns the path for a diagnostics bundle named after
// the given run identifier.
func (c *Config) DiagnosticsPath(runID string) string {
	return filepath.Join(c.Audit.DiagnosticsDir, runID+".cbor.gz")
}

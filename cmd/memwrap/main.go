// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// memwrap supervises a single run of an agent CLI: it spawns the
// child given on the command line, tees its output to the terminal,
// arbitrates any tool-approval requests the child emits against a
// declarative rule policy (falling back to a human prompt, then to
// fail-closed deny), and integrates with a remote memory service for
// prior context before the run and candidate knowledge after it.
//
// Configuration is loaded from the path given by --config, or from
// MEMEX_CONFIG if --config is omitted. Everything after the first
// non-flag argument (or after "--") is the child's argv.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/chaorenex1/memex-cli/lib/approver"
	"github.com/chaorenex1/memex-cli/lib/audit"
	"github.com/chaorenex1/memex-cli/lib/auditstore"
	"github.com/chaorenex1/memex-cli/lib/config"
	"github.com/chaorenex1/memex-cli/lib/gatekeeper"
	"github.com/chaorenex1/memex-cli/lib/memory"
	"github.com/chaorenex1/memex-cli/lib/policy"
	"github.com/chaorenex1/memex-cli/lib/policyrule"
	"github.com/chaorenex1/memex-cli/lib/process"
	"github.com/chaorenex1/memex-cli/lib/supervisor"
	"github.com/chaorenex1/memex-cli/lib/toolevent"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	// Deferred first so it runs last, after every closer below.
	exitCode := -1
	defer func() {
		if exitCode >= 0 {
			os.Exit(exitCode)
		}
	}()

	configPath := pflag.StringP("config", "c", "", "path to memex.yaml (defaults to $MEMEX_CONFIG)")
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	argv := pflag.Args()
	if len(argv) == 0 {
		return fmt.Errorf("usage: memwrap [--config path] -- <agent command> [args...]")
	}

	sink, closeSink, err := buildAuditSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	var memClient memory.Client
	if cfg.Memory.Enabled {
		httpMemClient := memory.NewHTTPClient(cfg.Memory.BaseURL, cfg.Memory.APIKey, cfg.Memory.Timeout())
		defer httpMemClient.Close()
		memClient = httpMemClient
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var priorMatches []memory.Match
	if memClient != nil {
		query := strings.Join(argv, " ")
		priorMatches, err = memClient.Search(ctx, query, cfg.Memory.SearchLimit, cfg.Memory.MinScore)
		if err != nil {
			// Best-effort: a failing memory service degrades to "no
			// prior context", it does not abort the run.
			fmt.Fprintf(os.Stderr, "memwrap: memory search failed: %v\n", err)
		} else if len(priorMatches) > 0 {
			argv[len(argv)-1] = memory.MergePrompt(argv[len(argv)-1], priorMatches)
		}
	}

	sup := supervisor.New(supervisor.Config{
		Argv:              argv,
		RunID:             cfg.ProjectID + "-" + uuid.NewString(),
		CaptureBytes:      cfg.Capture.Bytes,
		Policy:            buildPolicy(cfg),
		Approver:          buildApprover(cfg),
		PolicyCfg:         buildPolicyConfig(cfg),
		StallPeriod:       cfg.Timeouts.IdleOutput() / 4,
		IdleOutputTimeout: cfg.Timeouts.IdleOutput(),
		HardGrace:         cfg.Timeouts.HardGrace(),
		AbortGrace:        durationOrDefault(cfg.Control.AbortGraceMillis, 3*time.Second),
		TerminateGrace:    durationOrDefault(cfg.Control.TerminateGraceMillis, 3*time.Second),
		WriteDeadline:     durationOrDefault(cfg.Control.WriteDeadlineMillis, time.Second),
		Heuristics:        gatekeeper.Default(),
		PriorMatches:      priorMatches,
		AuditSink:         sink,
	})

	outcome, err := sup.Run(ctx)
	if err != nil {
		return fmt.Errorf("memwrap: %w", err)
	}

	if err := writeDiagnostics(cfg, outcome); err != nil {
		fmt.Fprintf(os.Stderr, "memwrap: writing diagnostics: %v\n", err)
	}

	if memClient != nil {
		recordOutcome(ctx, memClient, cfg, outcome)
	}

	exitCode = outcome.ExitCode
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// buildPolicy adapts the declarative rule engine to policy.Policy: the
// two packages' Decision types are structurally identical but
// distinct, so the adapter is a one-line field copy per call.
func buildPolicy(cfg *config.Config) policy.Policy {
	engine := policyrule.New(policyrule.Config{
		Mode:          cfg.Policy.Mode,
		DefaultAction: cfg.Policy.DefaultAction,
		Denylist:      convertRules(cfg.Policy.Denylist),
		Allowlist:     convertRules(cfg.Policy.Allowlist),
		AskPatterns:   cfg.Policy.AskPatterns,
	})
	return policy.PolicyFunc(func(ev toolevent.Event) policy.Decision {
		d := engine.Decide(ev)
		return policy.Decision{Action: policy.Action(d.Action), Reason: d.Reason, RuleID: d.RuleID}
	})
}

func convertRules(rules []config.PolicyRule) []policyrule.Rule {
	out := make([]policyrule.Rule, len(rules))
	for i, r := range rules {
		out[i] = policyrule.Rule{Tool: r.Tool, Action: r.Action, Reason: r.Reason}
	}
	return out
}

func buildPolicyConfig(cfg *config.Config) policy.Config {
	return policy.Config{
		ApproverTimeout:  cfg.Timeouts.ApproverWait(),
		ExecutionTimeout: cfg.Timeouts.Execution(),
		HardGrace:        cfg.Timeouts.HardGrace(),
	}
}

// buildApprover returns a terminal approver when enabled, or a
// fail-closed approver that always denies when no terminal is
// configured — per the control writer's fail-closed rule, "ask" must
// never silently become "allow".
func buildApprover(cfg *config.Config) policy.Approver {
	if !cfg.Approver.Enabled {
		return denyApprover{}
	}
	return approver.NewTerminal(int(os.Stdin.Fd()), os.Stdin, os.Stderr)
}

type denyApprover struct{}

func (denyApprover) Approve(ctx context.Context, ev toolevent.Event) (policy.Action, error) {
	return policy.Deny, nil
}

func buildAuditSink(cfg *config.Config) (audit.Sink, func(), error) {
	var sinks []audit.Sink
	var closers []func()

	if cfg.Audit.JSONLPath != "" {
		jsonl, err := audit.NewJSONLSink(cfg.Audit.JSONLPath)
		if err != nil {
			return nil, func() {}, fmt.Errorf("opening audit jsonl sink: %w", err)
		}
		sinks = append(sinks, jsonl)
		closers = append(closers, func() { _ = jsonl.Close() })
	}

	if cfg.Audit.Postgres != nil {
		store, err := auditstore.Open(context.Background(), cfg.Audit.Postgres.DSN)
		if err != nil {
			return nil, func() {}, fmt.Errorf("opening postgres audit sink: %w", err)
		}
		if err := store.EnsureSchema(context.Background()); err != nil {
			return nil, func() {}, fmt.Errorf("ensuring postgres audit schema: %w", err)
		}
		sinks = append(sinks, store)
		closers = append(closers, func() { _ = store.Close() })
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	switch len(sinks) {
	case 0:
		return audit.NopSink{}, closeAll, nil
	case 1:
		return sinks[0], closeAll, nil
	default:
		return fanoutSink(sinks), closeAll, nil
	}
}

// fanoutSink emits to every sink, returning the first error (if any)
// after attempting all of them — one failing sink must not silence the
// others.
type fanoutSink []audit.Sink

func (f fanoutSink) Emit(ev audit.Event) error {
	var firstErr error
	for _, s := range f {
		if err := s.Emit(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func writeDiagnostics(cfg *config.Config, outcome supervisor.RunOutcome) error {
	if cfg.Audit.DiagnosticsDir == "" {
		return nil
	}
	if err := cfg.EnsureDiagnosticsDir(); err != nil {
		return err
	}
	return audit.WriteDiagnostics(cfg.DiagnosticsPath(outcome.RunID), audit.Diagnostics{
		RunID:            outcome.RunID,
		ExitCode:         outcome.ExitCode,
		StdoutTail:       outcome.StdoutTail,
		StderrTail:       outcome.StderrTail,
		Events:           outcome.Events,
		Correlation:      outcome.Correlation,
		PendingDecisions: outcome.Pending,
		Signal:           outcome.Signal,
	})
}

// recordOutcome offers a candidate back to the memory service when the
// gatekeeper judged the run worth keeping. A failing Record is logged
// and otherwise ignored — it must never turn a successful run into a
// failing one.
func recordOutcome(ctx context.Context, client memory.Client, cfg *config.Config, outcome supervisor.RunOutcome) {
	if outcome.Signal.Result != gatekeeper.Pass {
		return
	}
	if cfg.Gatekeeper.RequireCleanExit && outcome.ExitCode != 0 {
		return
	}

	candidate := memory.Candidate{
		Summary: fmt.Sprintf("run %s exited 0 (%s confidence)", outcome.RunID, outcome.Signal.Strength),
		Content: string(outcome.StdoutTail),
	}
	if err := client.Record(ctx, candidate); err != nil {
		fmt.Fprintf(os.Stderr, "memwrap: memory record failed: %v\n", err)
	}
}

func durationOrDefault(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

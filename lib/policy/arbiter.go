// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the per-request arbitration state machine:
// decide exactly once, deliver exactly once, for every tool request
// that requires policy. Pure audit (requires-policy = false) requests
// are only observed.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chaorenex1/memex-cli/lib/clock"
	"github.com/chaorenex1/memex-cli/lib/control"
	"github.com/chaorenex1/memex-cli/lib/toolevent"
)

// Action is the verdict produced by a Policy or an Approver.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
	Ask   Action = "ask"
)

// Decision is what a Policy returns for one request.
type Decision struct {
	Action Action
	Reason string
	RuleID string
}

// Policy is the pure decision callable. Implementations must not block
// or perform I/O.
type Policy interface {
	Decide(ev toolevent.Event) Decision
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(ev toolevent.Event) Decision

func (f PolicyFunc) Decide(ev toolevent.Event) Decision { return f(ev) }

// Approver prompts a human on the wrapper's own controlling terminal —
// never the child's stdin — and resolves to Allow or Deny. Approve
// must respect ctx's deadline; a context error is treated by the
// arbiter as a synthesised Deny.
type Approver interface {
	Approve(ctx context.Context, ev toolevent.Event) (Action, error)
}

// state is a request's position in the per-identifier state machine
// described in the arbiter's package documentation.
type state int

const (
	stateNew state = iota
	statePendingDecision
	stateDeciding
	stateAllowed
	stateDenied
	stateCompleted
	stateAbandoned
	stateFailedTransport
	stateTimedOut
)

type entry struct {
	id             string
	requiresPolicy bool
	state          state
	decision       Action
	ruleID         string
	hangTimer      *clock.Timer
	hardTimer      *clock.Timer
}

// Config bundles the arbiter's timeouts, all as durations — the
// millisecond-typed config.TimeoutsConfig is converted by the caller.
type Config struct {
	ApproverTimeout time.Duration
	ExecutionTimeout time.Duration
	HardGrace       time.Duration
}

// Hooks lets the supervision loop observe arbiter-internal events for
// audit logging without the arbiter importing the audit package.
type Hooks struct {
	// HangSuspected fires once per request when its execution timeout
	// elapses with no matching result yet — a soft signal, not fatal.
	HangSuspected func(id string)

	// Decided fires once a decision has been confirmed written (or
	// failed to write) for a request.
	Decided func(id string, d Decision, transportErr error)
}

// Arbiter is the per-run policy state machine. It must be driven by a
// single goroutine calling Observe in event order; Observe itself may
// spawn goroutines (for the Ask path) but serialises all state
// mutation behind its own mutex so concurrent approver resolutions
// never race each other.
type Arbiter struct {
	cfg      Config
	policy   Policy
	approver Approver
	writer   *control.Writer
	clock    clock.Clock
	runID    func() string
	hooks    Hooks

	mu    sync.Mutex
	table map[string]*entry

	fatalOnce sync.Once
	fatalCh   chan struct{}
	fatalErr  error
}

// New returns an Arbiter. runID is called each time a control command
// is built, so it can reflect a run identifier promoted after startup.
func New(cfg Config, policy Policy, approver Approver, writer *control.Writer, clk clock.Clock, runID func() string, hooks Hooks) *Arbiter {
	return &Arbiter{
		cfg:      cfg,
		policy:   policy,
		approver: approver,
		writer:   writer,
		clock:    clk,
		runID:    runID,
		hooks:    hooks,
		table:    make(map[string]*entry),
		fatalCh:  make(chan struct{}),
	}
}

// Fatal returns a channel closed exactly once, the moment any request
// reaches FailedTransport or TimedOut. The supervision loop treats this
// as a trigger for the Abort Sequence.
func (a *Arbiter) Fatal() <-chan struct{} { return a.fatalCh }

// FatalErr returns the error that triggered Fatal, or nil.
func (a *Arbiter) FatalErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatalErr
}

func (a *Arbiter) triggerFatal(err error) {
	a.fatalOnce.Do(func() {
		a.mu.Lock()
		a.fatalErr = err
		a.mu.Unlock()
		close(a.fatalCh)
	})
}

// Observe processes one tool event in production order. It must be
// called from a single goroutine.
func (a *Arbiter) Observe(ctx context.Context, ev toolevent.Event) {
	switch ev.Kind {
	case toolevent.KindRequest:
		a.handleRequest(ctx, ev)
	case toolevent.KindResult:
		a.handleResult(ev)
	case toolevent.KindProgress:
		// Observed only; no state transition.
	}
}

func (a *Arbiter) handleRequest(ctx context.Context, ev toolevent.Event) {
	a.mu.Lock()
	if _, exists := a.table[ev.ID]; exists {
		a.mu.Unlock()
		// A duplicate tool.request with a known identifier is
		// silently ignored after logging — logging is the
		// caller's concern via audit, not this package's.
		return
	}
	e := &entry{id: ev.ID, requiresPolicy: ev.RequiresPolicy, state: stateNew}
	a.table[ev.ID] = e
	a.mu.Unlock()

	if !ev.RequiresPolicy {
		return
	}

	a.mu.Lock()
	e.state = statePendingDecision
	a.mu.Unlock()

	d := a.policy.Decide(ev)
	switch d.Action {
	case Allow, Deny:
		a.mu.Lock()
		e.state = stateDeciding
		a.mu.Unlock()
		a.deliverDecision(ctx, e, d)
	case Ask:
		if a.approver == nil {
			a.mu.Lock()
			e.state = stateDeciding
			a.mu.Unlock()
			a.deliverDecision(ctx, e, Decision{Action: Deny, Reason: "no approver configured", RuleID: d.RuleID})
			return
		}
		go a.runApprover(ctx, e, ev, d)
	}
}

func (a *Arbiter) runApprover(ctx context.Context, e *entry, ev toolevent.Event, original Decision) {
	actx, cancel := context.WithTimeout(ctx, a.cfg.ApproverTimeout)
	defer cancel()

	action, err := a.approver.Approve(actx, ev)
	ruleID := "approver"
	if err != nil {
		action = Deny
		ruleID = "approver.timeout"
	}

	a.mu.Lock()
	e.state = stateDeciding
	a.mu.Unlock()

	a.deliverDecision(ctx, e, Decision{Action: action, Reason: "approver decision", RuleID: ruleID})
	_ = original
}

func (a *Arbiter) deliverDecision(ctx context.Context, e *entry, d Decision) {
	cmd := control.NewDecision(e.id, a.runID(), mapAction(d.Action), d.Reason, d.RuleID, a.clock.Now().UTC().Format(time.RFC3339Nano))
	err := a.writer.Send(ctx, cmd)

	a.mu.Lock()
	if err != nil {
		e.state = stateFailedTransport
	} else if d.Action == Allow {
		e.state = stateAllowed
	} else {
		e.state = stateDenied
	}
	a.mu.Unlock()

	if a.hooks.Decided != nil {
		a.hooks.Decided(e.id, d, err)
	}

	if err != nil {
		a.triggerFatal(fmt.Errorf("policy: decision transport failed for id=%s: %w", e.id, err))
		return
	}

	a.startExecutionTimer(e)
}

func (a *Arbiter) startExecutionTimer(e *entry) {
	a.mu.Lock()
	e.hangTimer = a.clock.AfterFunc(a.cfg.ExecutionTimeout, func() { a.onExecutionTimeout(e) })
	a.mu.Unlock()
}

func (a *Arbiter) onExecutionTimeout(e *entry) {
	a.mu.Lock()
	waiting := e.state == stateAllowed || e.state == stateDenied
	a.mu.Unlock()
	if !waiting {
		return
	}

	if a.hooks.HangSuspected != nil {
		a.hooks.HangSuspected(e.id)
	}

	a.mu.Lock()
	e.hardTimer = a.clock.AfterFunc(a.cfg.HardGrace, func() { a.onHardGraceExpired(e) })
	a.mu.Unlock()
}

func (a *Arbiter) onHardGraceExpired(e *entry) {
	a.mu.Lock()
	waiting := e.state == stateAllowed || e.state == stateDenied
	if waiting {
		e.state = stateTimedOut
	}
	a.mu.Unlock()

	if waiting {
		a.triggerFatal(fmt.Errorf("policy: execution timeout for id=%s", e.id))
	}
}

func (a *Arbiter) handleResult(ev toolevent.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, exists := a.table[ev.ID]
	if !exists {
		// Recorded in audit by the caller; does not affect any state
		// machine.
		return
	}

	switch e.state {
	case stateNew, stateAllowed, stateDenied:
		e.state = stateCompleted
		stopTimer(e.hangTimer)
		stopTimer(e.hardTimer)
	default:
		// A result for a request in an unexpected (already terminal,
		// or still awaiting a decision) state is logged by the caller
		// and otherwise ignored here.
	}
}

// Shutdown transitions every non-terminal entry to Abandoned. Called
// once the supervision loop has decided the run is ending.
func (a *Arbiter) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.table {
		switch e.state {
		case stateCompleted, stateAbandoned, stateFailedTransport, stateTimedOut:
		default:
			e.state = stateAbandoned
			stopTimer(e.hangTimer)
			stopTimer(e.hardTimer)
		}
	}
}

// PendingIdentifiers returns the ids of every request not yet
// Completed or Abandoned, for diagnostics (e.g. runner.exit's
// pending_decisions field).
func (a *Arbiter) PendingIdentifiers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []string
	for id, e := range a.table {
		switch e.state {
		case stateCompleted, stateAbandoned:
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

func mapAction(a Action) control.Decision {
	if a == Allow {
		return control.DecisionAllow
	}
	return control.DecisionDeny
}

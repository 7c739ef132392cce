// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor drives a single run of the supervision engine: it
// spawns the child, tees its stdout/stderr, parses and correlates tool
// events, arbitrates policy decisions, detects stalls, and orchestrates
// graceful or forced shutdown.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chaorenex1/memex-cli/lib/audit"
	"github.com/chaorenex1/memex-cli/lib/clock"
	"github.com/chaorenex1/memex-cli/lib/control"
	"github.com/chaorenex1/memex-cli/lib/gatekeeper"
	"github.com/chaorenex1/memex-cli/lib/memory"
	"github.com/chaorenex1/memex-cli/lib/policy"
	"github.com/chaorenex1/memex-cli/lib/ringtail"
	"github.com/chaorenex1/memex-cli/lib/streampump"
	"github.com/chaorenex1/memex-cli/lib/toolevent"
)

// Config bundles everything one run of the engine needs, already
// converted from lib/config's millisecond-typed fields into durations.
type Config struct {
	Argv []string
	Dir  string
	Env  map[string]string

	RunID string // provisional identifier; empty picks a fresh uuid

	CaptureBytes int

	Policy      policy.Policy
	Approver    policy.Approver
	PolicyCfg   policy.Config
	SendPing    bool
	PingCapable []string

	StallPeriod       time.Duration
	IdleOutputTimeout time.Duration
	HardGrace         time.Duration

	AbortGrace      time.Duration
	TerminateGrace  time.Duration
	WriteDeadline   time.Duration
	ControlQueueLen int

	Heuristics gatekeeper.Heuristics

	// PriorMatches is the memory-service search result offered to the
	// child's first prompt by the caller before Run was invoked (the
	// supervisor does not call Search itself — that happens before a
	// child command line even exists). Carried through only so the
	// gatekeeper can tell which matches the child actually used.
	PriorMatches []memory.Match

	AuditSink audit.Sink

	Stdout io.Writer
	Stderr io.Writer

	Clock clock.Clock
}

// AbortReason is the stable enumeration of why the Abort Sequence ran,
// carried into RunOutcome and the runner.exit audit event.
type AbortReason = abortReason

const (
	ReasonNormal        = abortNormal
	ReasonPolicyTimeout = abortPolicyTimeout
	ReasonExecTimeout   = abortExecTimeout
	ReasonStdinBroken   = abortStdinBroken
	ReasonDoubleEOF     = abortDoubleEOF
	ReasonUserCancel    = abortUserCancel
	ReasonSignal        = abortSignal
	ReasonPolicyDenied  = abortPolicyDenied
)

// RunOutcome is the aggregate finalised at shutdown.
type RunOutcome struct {
	RunID       string
	ExitCode    int
	Duration    time.Duration
	StdoutTail  []byte
	StderrTail  []byte
	Events      []toolevent.Event
	Correlation toolevent.CorrelationStats
	AbortReason AbortReason
	Pending     []string
	Signal      gatekeeper.Signal
}

// Supervisor runs one child under supervision. A Supervisor is used
// once; construct a new one per run.
type Supervisor struct {
	cfg   Config
	clock clock.Clock

	runID        *runIdentity
	wrapperQueue *wrapperEventQueue

	stdoutRing *ringtail.Buffer
	stderrRing *ringtail.Buffer

	lines chan streampump.Line

	eventsMu sync.Mutex
	events   []toolevent.Event

	stdoutDone, stderrDone bool
	streamsMu              sync.Mutex

	child   *childProcess
	writer  *control.Writer
	arbiter *policy.Arbiter
	stall   *stallDetector

	startedAt time.Time
}

// New constructs a Supervisor from cfg. The child is not spawned until
// Run is called.
func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.CaptureBytes <= 0 {
		cfg.CaptureBytes = 64 * 1024
	}
	if cfg.ControlQueueLen <= 0 {
		cfg.ControlQueueLen = 32
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if len(cfg.Heuristics.SuccessPatterns) == 0 && len(cfg.Heuristics.FailPatterns) == 0 {
		cfg.Heuristics = gatekeeper.Default()
	}

	return &Supervisor{
		cfg:        cfg,
		clock:      cfg.Clock,
		runID:      newRunIdentity(cfg.RunID),
		stdoutRing: ringtail.New(cfg.CaptureBytes),
		stderrRing: ringtail.New(cfg.CaptureBytes),
		lines:      make(chan streampump.Line, 256),
	}
}

// Run executes the startup sequence, the main loop, and — if
// triggered — the Abort Sequence, returning the finalised outcome.
// Run blocks until the run is fully settled; ctx cancellation is
// treated as external cancellation (abort reason user_cancel).
func (s *Supervisor) Run(ctx context.Context) (RunOutcome, error) {
	s.startedAt = s.clock.Now()

	sink := s.cfg.AuditSink
	if sink == nil {
		sink = audit.NopSink{}
	}
	s.wrapperQueue = newWrapperEventQueue(sink, s.clock, s.runID)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	child, err := spawnChild(s.cfg.Argv, s.cfg.Dir, defaultEnviron(s.cfg.Env))
	if err != nil {
		return RunOutcome{}, fmt.Errorf("supervisor: startup: %w", err)
	}
	s.child = child

	s.writer = control.NewWriter(child.stdin, s.cfg.ControlQueueLen)
	s.arbiter = policy.New(s.cfg.PolicyCfg, s.cfg.Policy, s.cfg.Approver, s.writer, s.clock, s.runID.Snapshot, policy.Hooks{
		HangSuspected: s.onHangSuspected,
		Decided:       s.onDecided,
	})

	var wg sync.WaitGroup
	writerCtx, cancelWriter := context.WithCancel(context.Background())
	defer cancelWriter()
	wg.Add(1)
	go func() { defer wg.Done(); s.writer.Run(writerCtx) }()

	stdoutActivity := newActivityWriter(s.cfg.Stdout, s.clock)
	stderrActivity := newActivityWriter(s.cfg.Stderr, s.clock)

	pumpCtx, cancelPumps := context.WithCancel(context.Background())
	defer cancelPumps()

	var pumpWG sync.WaitGroup
	var stdoutOutcome, stderrOutcome streampump.Outcome
	pumpWG.Add(2)
	go func() {
		defer pumpWG.Done()
		stdoutOutcome = streampump.Pump(pumpCtx, child.stdout, stdoutActivity, s.stdoutRing, s.lines, streampump.Stdout)
		s.markStreamDone(true)
	}()
	go func() {
		defer pumpWG.Done()
		stderrOutcome = streampump.Pump(pumpCtx, child.stderr, stderrActivity, s.stderrRing, s.lines, streampump.Stderr)
		s.markStreamDone(false)
	}()

	eventsCtx, cancelEvents := context.WithCancel(context.Background())
	defer cancelEvents()
	var eventsWG sync.WaitGroup
	eventsWG.Add(1)
	go func() { defer eventsWG.Done(); s.consumeLines(eventsCtx) }()

	s.stall = newStallDetector(s.clock, s.cfg.StallPeriod, s.cfg.IdleOutputTimeout,
		func() time.Time {
			a, b := stdoutActivity.lastActivity(), stderrActivity.lastActivity()
			if a.After(b) {
				return a
			}
			return b
		},
		s.streamsDone,
		s.childExited,
	)
	stallCtx, cancelStall := context.WithCancel(context.Background())
	defer cancelStall()
	go s.stall.run(stallCtx)

	if s.cfg.SendPing {
		pingCtx, cancel := context.WithTimeout(runCtx, s.cfg.WriteDeadline)
		_ = s.writer.Send(pingCtx, control.NewPing("", s.runID.Snapshot(), s.cfg.PingCapable, s.nowRFC3339()))
		cancel()
	}

	s.wrapperQueue.Emit(audit.Event{
		TS:   s.clock.Now(),
		Kind: audit.KindRunnerStart,
		Fields: map[string]any{
			"run_id_provisional": s.cfg.RunID,
			"capture_bytes":      s.cfg.CaptureBytes,
		},
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cw := newChildWait(child)

	reason := ReasonNormal

	select {
	case <-cw.done:
		// (a) child exited on its own; no Abort Sequence needed.
	case <-s.arbiter.Fatal():
		reason = classifyArbiterFatal(s.arbiter.FatalErr())
		s.runAbort(ctx, reason, cw)
	case <-ctx.Done():
		reason = ReasonUserCancel
		s.runAbort(ctx, reason, cw)
	case sig := <-sigCh:
		reason = classifySignal(sig)
		s.runAbort(ctx, reason, cw)
	case sr := <-s.stall.Triggered():
		reason = classifyStall(sr)
		s.wrapperQueue.Emit(audit.Event{TS: s.clock.Now(), Kind: audit.KindHangSuspected, Fields: map[string]any{"stall_reason": string(sr)}})
		s.runAbort(ctx, reason, cw)
	case <-s.writer.Failed():
		reason = ReasonStdinBroken
		s.runAbort(ctx, reason, cw)
	}
	waitErr := cw.err

	cancelPumps()
	pumpWG.Wait()
	cancelEvents()
	close(s.lines)
	eventsWG.Wait()

	s.arbiter.Shutdown()
	cancelWriter()
	wg.Wait()

	if !s.runID.Promoted() {
		s.runID.ObserveEvent(toolevent.Event{})
	}
	s.wrapperQueue.Flush()

	exitCode := normalizeExitCode(waitErr)
	duration := s.clock.Now().Sub(s.startedAt)

	events := s.snapshotEvents()
	correlation := toolevent.Correlate(events)
	pending := s.arbiter.PendingIdentifiers()

	stdoutTail := s.stdoutRing.Snapshot()
	stderrTail := s.stderrRing.Snapshot()
	usedMatches := memory.UsedMatchIDs(string(stdoutTail)+string(stderrTail), s.cfg.PriorMatches)
	signal := gatekeeper.Evaluate(exitCode, string(stdoutTail), string(stderrTail), len(usedMatches), correlation.FailedResults, s.cfg.Heuristics)

	outcome := RunOutcome{
		RunID:       s.runID.Snapshot(),
		ExitCode:    exitCode,
		Duration:    duration,
		StdoutTail:  stdoutTail,
		StderrTail:  stderrTail,
		Events:      events,
		Correlation: correlation,
		AbortReason: reason,
		Pending:     pending,
		Signal:      signal,
	}

	s.wrapperQueue.Emit(audit.Event{
		TS:   s.clock.Now(),
		Kind: audit.KindRunnerExit,
		Fields: map[string]any{
			"exit_code":         exitCode,
			"reason":            string(reason),
			"dropped_stdout":    stdoutOutcome.DroppedLines,
			"dropped_stderr":    stderrOutcome.DroppedLines,
			"pending_decisions": pending,
		},
	})
	s.wrapperQueue.Emit(audit.Event{
		TS:   s.clock.Now(),
		Kind: audit.KindGatekeeperDecision,
		Fields: map[string]any{
			"result":   string(signal.Result),
			"strength": string(signal.Strength),
			"reason":   signal.Reason,
		},
	})
	s.wrapperQueue.Flush()

	return outcome, nil
}

// childWait runs the blocking Wait call exactly once in its own
// goroutine and publishes the result via a channel close, so every
// other goroutine (the main loop, the Abort Sequence) can observe
// child termination without racing on who gets to call Wait.
type childWait struct {
	done chan struct{}
	err  error
}

func newChildWait(child *childProcess) *childWait {
	cw := &childWait{done: make(chan struct{})}
	go func() {
		cw.err = child.wait()
		close(cw.done)
	}()
	return cw
}

// runAbort drives the Abort Sequence, blocking until the child is
// confirmed exited or the sequence's own grace periods are exhausted.
func (s *Supervisor) runAbort(ctx context.Context, reason AbortReason, cw *childWait) {
	seq := &abortSequence{
		writer:          s.writer,
		child:           s.child,
		runID:           s.runID.Snapshot,
		clock:           s.clock,
		abortGrace:      s.cfg.AbortGrace,
		writeDeadline:   s.cfg.WriteDeadline,
		terminateGrace:  s.cfg.TerminateGrace,
		childExited:     s.childExited,
		childExitedChan: cw.done,
	}
	seq.run(ctx, reason)
	<-cw.done
}

func (s *Supervisor) childExited() bool {
	if s.child == nil || s.child.cmd.Process == nil {
		return false
	}
	return s.child.cmd.ProcessState != nil
}

func (s *Supervisor) markStreamDone(stdout bool) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if stdout {
		s.stdoutDone = true
	} else {
		s.stderrDone = true
	}
}

func (s *Supervisor) streamsDone() bool {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	return s.stdoutDone && s.stderrDone
}

func (s *Supervisor) consumeLines(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-s.lines:
			if !ok {
				return
			}
			result := toolevent.ParseLine(string(line.Data))
			if result.Event == nil {
				continue
			}
			ev := *result.Event
			s.appendEvent(ev)
			if s.runID.ObserveEvent(ev) {
				s.wrapperQueue.Flush()
			}
			s.arbiter.Observe(ctx, ev)
		}
	}
}

func (s *Supervisor) appendEvent(ev toolevent.Event) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events = append(s.events, ev)
}

func (s *Supervisor) snapshotEvents() []toolevent.Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	out := make([]toolevent.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Supervisor) onHangSuspected(id string) {
	s.wrapperQueue.Emit(audit.Event{TS: s.clock.Now(), Kind: audit.KindHangSuspected, Fields: map[string]any{"tool_request_id": id}})
}

func (s *Supervisor) onDecided(id string, d policy.Decision, transportErr error) {
	fields := map[string]any{"tool_request_id": id, "action": string(d.Action), "reason": d.Reason, "rule": d.RuleID}
	if transportErr != nil {
		fields["transport_error"] = transportErr.Error()
	}
	s.wrapperQueue.Emit(audit.Event{TS: s.clock.Now(), Kind: audit.KindPolicyDecide, Fields: fields})
}

func (s *Supervisor) nowRFC3339() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

func classifyArbiterFatal(err error) AbortReason {
	if err == nil {
		return ReasonPolicyTimeout
	}
	// The arbiter's two fatal triggers are a transport failure
	// (stdin write failed) or an execution timeout; its error text is
	// produced by the two call sites in lib/policy and distinguished
	// here by a cheap substring check rather than a typed error, since
	// the arbiter package deliberately keeps its fatal signal to a
	// bare channel-close plus an opaque error.
	msg := err.Error()
	if containsAny(msg, "transport failed") {
		return ReasonStdinBroken
	}
	return ReasonExecTimeout
}

func classifySignal(sig os.Signal) AbortReason {
	_ = sig
	return ReasonSignal
}

func classifyStall(r stallReason) AbortReason {
	if r == stallDoubleEOF {
		return ReasonDoubleEOF
	}
	return ReasonExecTimeout
}

func containsAny(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/chaorenex1/memex-cli/lib/clock"
	"github.com/chaorenex1/memex-cli/lib/control"
)

// abortReason is the stable enumeration of why the Abort Sequence ran,
// carried into the final runner.exit event.
type abortReason string

const (
	abortNormal        abortReason = "normal"
	abortPolicyTimeout abortReason = "policy_timeout"
	abortExecTimeout   abortReason = "exec_timeout"
	abortStdinBroken   abortReason = "stdin_broken"
	abortDoubleEOF     abortReason = "double_eof"
	abortUserCancel    abortReason = "user_cancel"
	abortSignal        abortReason = "signal"
	abortPolicyDenied  abortReason = "policy_denied"
)

// abortSequence runs the six-step shutdown exactly once (P6 —
// idempotent shutdown; concurrent triggers coalesce behind sync.Once).
type abortSequence struct {
	writer          *control.Writer
	child           *childProcess
	runID           func() string
	clock           clock.Clock
	abortGrace      time.Duration
	writeDeadline   time.Duration
	terminateGrace  time.Duration
	childExited     func() bool
	childExitedChan <-chan struct{}

	once sync.Once
}

// run executes the sequence for reason, returning once every step has
// completed. Concurrent calls coalesce onto the first.
func (a *abortSequence) run(ctx context.Context, reason abortReason) {
	a.once.Do(func() { a.runOnce(ctx, reason) })
}

func (a *abortSequence) runOnce(ctx context.Context, reason abortReason) {
	// Step 1: reason and elapsed times are the caller's concern to
	// record (the supervision loop stamps them into RunOutcome); here
	// we only drive the mechanics.

	// Step 2: best-effort policy.abort with a short write deadline.
	// Whether or not it succeeds, continue — stdin may already be
	// broken, which is exactly one of the reasons we could be here.
	if a.writer != nil && a.writer.Err() == nil {
		actx, cancel := context.WithTimeout(ctx, a.writeDeadline)
		code := control.AbortFatalError
		switch reason {
		case abortUserCancel:
			code = control.AbortUserCancel
		case abortPolicyDenied:
			code = control.AbortPolicyViolation
		}
		cmd := control.NewAbort("", a.runID(), code, string(reason), a.nowRFC3339())
		_ = a.writer.Send(actx, cmd)
		cancel()
	}

	if a.childExited() {
		return
	}

	// Step 3: wait up to abort-grace for the child to exit on its own.
	if a.waitForExit(a.abortGrace) {
		return
	}

	// Step 4: escalate — terminate, then kill.
	_ = a.child.signalGroup(syscall.SIGTERM)
	if a.waitForExit(a.terminateGrace) {
		return
	}
	_ = a.child.signalGroup(syscall.SIGKILL)
	a.waitForExit(24 * time.Hour) // the child cannot survive SIGKILL; this only blocks on reap.

	// Steps 5 and 6 (draining pumps/arbiter, emitting runner.exit) are
	// orchestrated by the supervision loop once run returns, since
	// they need access to state this sequence does not own.
}

func (a *abortSequence) waitForExit(timeout time.Duration) bool {
	select {
	case <-a.childExitedChan:
		return true
	case <-a.clock.After(timeout):
		return a.childExited()
	}
}

func (a *abortSequence) nowRFC3339() string {
	return a.clock.Now().UTC().Format(time.RFC3339Nano)
}

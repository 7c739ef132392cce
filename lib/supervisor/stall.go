// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/chaorenex1/memex-cli/lib/clock"
)

// stallReason names which of the stall detector's signals fired.
// An Allowed request outliving its execution timeout is timed by the
// policy arbiter's own per-request timers (hang.suspected, then a
// fatal error through Arbiter.Fatal after the hard grace) instead of
// being duplicated here. A PendingDecision has no stall signal: it
// waits only on the approver, whose timeout resolves it to deny. This
// detector owns the two signals that have no other owner: output
// silence and a child that outlives both streams' EOF. Either one
// leads the supervisor to emit hang.suspected and start the Abort
// Sequence at once.
type stallReason string

const (
	stallIdleOutput stallReason = "idle_output"
	stallDoubleEOF  stallReason = "double_eof"
)

// activityWriter wraps a parent output stream (stdout or stderr) to
// stamp the last time any byte was written to it, without altering
// the bytes themselves. The stream pump writes through this on every
// chunk it copies from the child.
type activityWriter struct {
	underlying io.Writer
	clock      clock.Clock

	mu   sync.Mutex
	last time.Time
}

func newActivityWriter(underlying io.Writer, clk clock.Clock) *activityWriter {
	return &activityWriter{underlying: underlying, clock: clk, last: clk.Now()}
}

func (w *activityWriter) Write(p []byte) (int, error) {
	n, err := w.underlying.Write(p)
	if n > 0 {
		w.mu.Lock()
		w.last = w.clock.Now()
		w.mu.Unlock()
	}
	return n, err
}

func (w *activityWriter) lastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// stallDetector periodically probes for output silence (the child is
// alive but has written nothing to either stream for longer than
// idleOutputTimeout) or both streams having reached EOF while the
// child remains unexited.
type stallDetector struct {
	clock             clock.Clock
	period            time.Duration
	idleOutputTimeout time.Duration

	lastActivity func() time.Time
	streamsDone  func() bool
	childExited  func() bool

	once      sync.Once
	triggered chan stallReason
}

func newStallDetector(clk clock.Clock, period, idleOutputTimeout time.Duration, lastActivity func() time.Time, streamsDone, childExited func() bool) *stallDetector {
	return &stallDetector{
		clock:             clk,
		period:            period,
		idleOutputTimeout: idleOutputTimeout,
		lastActivity:      lastActivity,
		streamsDone:       streamsDone,
		childExited:       childExited,
		triggered:         make(chan stallReason, 1),
	}
}

// run drives the periodic probe until ctx is cancelled. It must run in
// its own goroutine.
func (d *stallDetector) run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.check()
		}
	}
}

func (d *stallDetector) check() {
	if d.childExited() {
		return
	}
	if d.streamsDone() {
		d.trigger(stallDoubleEOF)
		return
	}
	if d.clock.Now().Sub(d.lastActivity()) > d.idleOutputTimeout {
		d.trigger(stallIdleOutput)
	}
}

func (d *stallDetector) trigger(reason stallReason) {
	d.once.Do(func() {
		d.triggered <- reason
	})
}

// Triggered fires at most once, the first time either signal trips.
func (d *stallDetector) Triggered() <-chan stallReason {
	return d.triggered
}

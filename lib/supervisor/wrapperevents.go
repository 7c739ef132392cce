// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"sync"

	"github.com/chaorenex1/memex-cli/lib/audit"
	"github.com/chaorenex1/memex-cli/lib/clock"
)

// wrapperEventQueue buffers wrapper audit events emitted before the
// effective run identifier is promoted (§3, "Identifier stability"),
// so that every event for a run — including runner.start, emitted
// before any tool event could possibly arrive — carries one consistent
// identifier. Once promoted, events are emitted immediately; the
// buffer is flushed once, in emission order, the moment promotion
// happens.
//
// Drained only by the supervision loop, per the engine's
// shared-resource policy — other components call Emit, never read the
// buffer directly.
type wrapperEventQueue struct {
	sink  audit.Sink
	clock clock.Clock
	runID *runIdentity

	mu      sync.Mutex
	buffer  []audit.Event
	flushed bool
}

func newWrapperEventQueue(sink audit.Sink, clk clock.Clock, runID *runIdentity) *wrapperEventQueue {
	return &wrapperEventQueue{sink: sink, clock: clk, runID: runID}
}

// Emit stamps ev with the best currently-known run identifier and
// either writes it straight through (once the identifier has already
// been promoted or this run never buffers) or holds it in the buffer.
func (q *wrapperEventQueue) Emit(ev audit.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.flushed || q.runID.Promoted() {
		ev.RunID = q.runID.Snapshot()
		q.emitLocked(ev)
		return
	}

	ev.RunID = q.runID.Snapshot()
	q.buffer = append(q.buffer, ev)
}

// Flush rewrites every buffered event's RunID to the now-promoted
// identifier and emits them in order, exactly once. Safe to call even
// when nothing was ever buffered, or when the identifier never
// promotes (first persistence calls it with the still-provisional id).
func (q *wrapperEventQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.flushed {
		return
	}
	q.flushed = true

	effective := q.runID.Snapshot()
	for _, ev := range q.buffer {
		ev.RunID = effective
		q.emitLocked(ev)
	}
	q.buffer = nil
}

func (q *wrapperEventQueue) emitLocked(ev audit.Event) {
	if q.sink == nil {
		return
	}
	// Errors from the audit sink are not this run's concern to
	// propagate — a failing audit sink must never abort the child.
	_ = q.sink.Emit(ev)
}

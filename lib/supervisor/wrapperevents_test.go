// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/chaorenex1/memex-cli/lib/audit"
	"github.com/chaorenex1/memex-cli/lib/clock"
	"github.com/chaorenex1/memex-cli/lib/toolevent"
)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Emit(ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) snapshot() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestWrapperEventQueue_BuffersUntilPromotion(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	rid := newRunIdentity("prov-1")
	q := newWrapperEventQueue(sink, clock.Fake(time.Unix(0, 0)), rid)

	q.Emit(audit.Event{Kind: audit.KindRunnerStart})
	if len(sink.snapshot()) != 0 {
		t.Fatal("expected event buffered, not emitted, before promotion")
	}

	rid.ObserveEvent(testIdentityEvent("S-42"))
	q.Flush()

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].RunID != "S-42" {
		t.Errorf("RunID = %q, want S-42", events[0].RunID)
	}
}

func TestWrapperEventQueue_EmitsImmediatelyAfterPromotion(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	rid := newRunIdentity("prov-1")
	q := newWrapperEventQueue(sink, clock.Fake(time.Unix(0, 0)), rid)

	rid.ObserveEvent(testIdentityEvent("S-1"))
	q.Emit(audit.Event{Kind: audit.KindRunnerExit})

	events := sink.snapshot()
	if len(events) != 1 || events[0].RunID != "S-1" {
		t.Fatalf("got %+v, want one event with RunID=S-1", events)
	}
}

func TestWrapperEventQueue_NoPromotionStillFlushesWithProvisional(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	rid := newRunIdentity("prov-1")
	q := newWrapperEventQueue(sink, clock.Fake(time.Unix(0, 0)), rid)

	q.Emit(audit.Event{Kind: audit.KindRunnerStart})
	q.Flush()

	events := sink.snapshot()
	if len(events) != 1 || events[0].RunID != "prov-1" {
		t.Fatalf("got %+v, want one event with RunID=prov-1", events)
	}
}

func TestWrapperEventQueue_PreservesEmissionOrder(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	rid := newRunIdentity("prov-1")
	q := newWrapperEventQueue(sink, clock.Fake(time.Unix(0, 0)), rid)

	q.Emit(audit.Event{Kind: audit.KindRunnerStart})
	q.Emit(audit.Event{Kind: audit.KindHangSuspected})
	q.Emit(audit.Event{Kind: audit.KindRunnerExit})
	q.Flush()

	events := sink.snapshot()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Kind != audit.KindRunnerStart || events[1].Kind != audit.KindHangSuspected || events[2].Kind != audit.KindRunnerExit {
		t.Errorf("order not preserved: %+v", events)
	}
}

func testIdentityEvent(id string) toolevent.Event {
	return toolevent.Event{ID: "t1", Args: []byte(`{"session_id":"` + id + `"}`)}
}

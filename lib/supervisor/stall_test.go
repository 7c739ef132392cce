// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/chaorenex1/memex-cli/lib/clock"
)

func TestActivityWriter_TracksLastWriteTime(t *testing.T) {
	t.Parallel()
	fc := clock.Fake(time.Unix(0, 0))
	var buf bytes.Buffer
	w := newActivityWriter(&buf, fc)

	fc.Advance(5 * time.Second)
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := w.lastActivity(); !got.Equal(fc.Now()) {
		t.Errorf("lastActivity = %v, want %v", got, fc.Now())
	}
	if buf.String() != "hello" {
		t.Errorf("underlying write missing: %q", buf.String())
	}
}

func TestStallDetector_TriggersIdleOutput(t *testing.T) {
	t.Parallel()
	fc := clock.Fake(time.Unix(0, 0))
	lastActivity := fc.Now()

	d := newStallDetector(fc, 1*time.Second, 10*time.Second,
		func() time.Time { return lastActivity },
		func() bool { return false },
		func() bool { return false },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.run(ctx)

	fc.WaitForTimers(1)
	fc.Advance(11 * time.Second)

	select {
	case reason := <-d.Triggered():
		if reason != stallIdleOutput {
			t.Errorf("reason = %q, want idle_output", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stall detector never triggered")
	}
}

func TestStallDetector_TriggersDoubleEOF(t *testing.T) {
	t.Parallel()
	fc := clock.Fake(time.Unix(0, 0))

	d := newStallDetector(fc, 1*time.Second, 10*time.Second,
		func() time.Time { return fc.Now() },
		func() bool { return true }, // both streams done
		func() bool { return false },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.run(ctx)

	fc.WaitForTimers(1)
	fc.Advance(1 * time.Second)

	select {
	case reason := <-d.Triggered():
		if reason != stallDoubleEOF {
			t.Errorf("reason = %q, want double_eof", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stall detector never triggered")
	}
}

func TestStallDetector_NeverTriggersWhileChildExited(t *testing.T) {
	t.Parallel()
	fc := clock.Fake(time.Unix(0, 0))

	d := newStallDetector(fc, 1*time.Second, 1*time.Second,
		func() time.Time { return fc.Now() },
		func() bool { return true },
		func() bool { return true }, // child already exited
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.run(ctx)

	fc.WaitForTimers(1)
	fc.Advance(5 * time.Second)

	select {
	case reason := <-d.Triggered():
		t.Fatalf("unexpected trigger %q after child exited", reason)
	default:
	}
}

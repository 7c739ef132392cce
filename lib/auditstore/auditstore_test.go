// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auditstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chaorenex1/memex-cli/lib/audit"
)

// dsn returns the test Postgres connection string, skipping the test
// when it is not configured — these tests exercise a real database
// and have no in-process substitute.
func dsn(t *testing.T) string {
	t.Helper()
	v := os.Getenv("MEMWRAP_TEST_POSTGRES_DSN")
	if v == "" {
		t.Skip("MEMWRAP_TEST_POSTGRES_DSN not set, skipping postgres-backed test")
	}
	return v
}

func TestStore_EmitAndListByRunID(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, dsn(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	runID := "test-run-" + time.Now().UTC().Format("20060102T150405.000000000")
	ev := audit.Event{
		TS:     time.Now().UTC(),
		Kind:   audit.KindRunnerStart,
		RunID:  runID,
		Fields: map[string]any{"pid": float64(1234)},
	}
	if err := store.Emit(ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	got, err := store.ListByRunID(ctx, runID)
	if err != nil {
		t.Fatalf("ListByRunID: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Kind != audit.KindRunnerStart {
		t.Errorf("Kind = %q, want %q", got[0].Kind, audit.KindRunnerStart)
	}
	if got[0].Fields["pid"] != float64(1234) {
		t.Errorf("Fields[pid] = %v, want 1234", got[0].Fields["pid"])
	}
}

func TestStore_EmitNilFields(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, dsn(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	runID := "test-run-nil-" + time.Now().UTC().Format("20060102T150405.000000000")
	if err := store.Emit(audit.Event{TS: time.Now().UTC(), Kind: audit.KindRunnerExit, RunID: runID}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	got, err := store.ListByRunID(ctx, runID)
	if err != nil {
		t.Fatalf("ListByRunID: %v", err)
	}
	if len(got) != 1 || got[0].Fields != nil {
		t.Errorf("got %+v, want one event with nil fields", got)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJSONLSink_WritesOneLinePerEvent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := sink.Emit(Event{TS: ts, Kind: KindRunnerStart, RunID: "run-1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := sink.Emit(Event{TS: ts, Kind: KindRunnerExit, RunID: "run-1", Fields: map[string]any{"exit_code": 0}}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	var lines []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Kind != KindRunnerStart || lines[1].Kind != KindRunnerExit {
		t.Errorf("unexpected kinds: %+v", lines)
	}
	if lines[0].RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", lines[0].RunID)
	}
}

func TestJSONLSink_GzipSuffixCompresses(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.jsonl.gz")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	if err := sink.Emit(Event{Kind: KindRunnerStart, RunID: "run-1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// gzip magic number.
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		t.Error("expected gzip-compressed output")
	}
}

func TestNopSink_NeverErrors(t *testing.T) {
	t.Parallel()
	if err := (NopSink{}).Emit(Event{}); err != nil {
		t.Errorf("NopSink.Emit returned %v, want nil", err)
	}
}

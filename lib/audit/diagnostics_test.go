// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"path/filepath"
	"testing"

	"github.com/chaorenex1/memex-cli/lib/gatekeeper"
	"github.com/chaorenex1/memex-cli/lib/toolevent"
)

func TestWriteReadDiagnostics_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run-1.cbor.gz")
	ok := true
	want := Diagnostics{
		RunID:      "run-1",
		ExitCode:   0,
		StdoutTail: []byte("hello"),
		StderrTail: []byte(""),
		Events: []toolevent.Event{
			{V: 1, Kind: toolevent.KindRequest, ID: "t1", Tool: "fs.read", Success: &ok},
		},
		Correlation:      toolevent.CorrelationStats{RequestCount: 1, PerTool: map[string]int{"fs.read": 1}},
		PendingDecisions: nil,
		Signal:           gatekeeper.Signal{Result: gatekeeper.Pass, Strength: gatekeeper.Strong, Strong: true, Reason: "ok"},
	}

	if err := WriteDiagnostics(path, want); err != nil {
		t.Fatalf("WriteDiagnostics: %v", err)
	}

	got, err := ReadDiagnostics(path)
	if err != nil {
		t.Fatalf("ReadDiagnostics: %v", err)
	}

	if got.RunID != want.RunID || got.ExitCode != want.ExitCode {
		t.Errorf("got = %+v, want %+v", got, want)
	}
	if string(got.StdoutTail) != "hello" {
		t.Errorf("StdoutTail = %q", got.StdoutTail)
	}
	if len(got.Events) != 1 || got.Events[0].Tool != "fs.read" {
		t.Errorf("Events = %+v", got.Events)
	}
	if got.Signal.Strength != gatekeeper.Strong {
		t.Errorf("Signal = %+v", got.Signal)
	}
}

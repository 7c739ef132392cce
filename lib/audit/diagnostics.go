// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"

	"github.com/chaorenex1/memex-cli/lib/gatekeeper"
	"github.com/chaorenex1/memex-cli/lib/toolevent"
)

// Diagnostics is the post-mortem bundle cmd/memwrap writes at the end
// of a run when audit.diagnostics_dir is set (it is empty by default),
// so a failure (or a hang that required a forced kill) can be replayed
// without re-running the child. It is CBOR-encoded and gzip-compressed
// to keep each bundle compact.
type Diagnostics struct {
	RunID    string `cbor:"run_id"`
	ExitCode int    `cbor:"exit_code"`

	StdoutTail []byte `cbor:"stdout_tail"`
	StderrTail []byte `cbor:"stderr_tail"`

	Events      []toolevent.Event         `cbor:"events"`
	Correlation toolevent.CorrelationStats `cbor:"correlation"`

	PendingDecisions []string `cbor:"pending_decisions,omitempty"`

	Signal gatekeeper.Signal `cbor:"signal"`

	DroppedLinesStdout int64 `cbor:"dropped_lines_stdout"`
	DroppedLinesStderr int64 `cbor:"dropped_lines_stderr"`
}

// WriteDiagnostics CBOR-encodes d and writes it gzip-compressed to
// path, creating or truncating the file.
func WriteDiagnostics(path string, d Diagnostics) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: creating diagnostics bundle %q: %w", path, err)
	}
	defer file.Close()

	gz := gzip.NewWriter(file)
	defer gz.Close()

	enc := cbor.NewEncoder(gz)
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("audit: encoding diagnostics bundle: %w", err)
	}
	return gz.Close()
}

// ReadDiagnostics reverses WriteDiagnostics, for the replay tooling
// that inspects a prior run's bundle.
func ReadDiagnostics(path string) (Diagnostics, error) {
	file, err := os.Open(path)
	if err != nil {
		return Diagnostics{}, fmt.Errorf("audit: opening diagnostics bundle %q: %w", path, err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return Diagnostics{}, fmt.Errorf("audit: opening gzip stream: %w", err)
	}
	defer gz.Close()

	var d Diagnostics
	if err := cbor.NewDecoder(gz).Decode(&d); err != nil {
		return Diagnostics{}, fmt.Errorf("audit: decoding diagnostics bundle: %w", err)
	}
	return d, nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit writes the supervision engine's wrapper audit events —
// runner.start, runner.exit, hang.suspected, policy.decide,
// memory.search.result, gatekeeper.decision — as newline-delimited
// JSON, always carrying the effective run identifier.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Kind enumerates the wrapper audit event kinds.
type Kind string

const (
	KindRunnerStart        Kind = "runner.start"
	KindRunnerExit         Kind = "runner.exit"
	KindHangSuspected      Kind = "hang.suspected"
	KindPolicyDecide       Kind = "policy.decide"
	KindMemorySearchResult Kind = "memory.search.result"
	KindGatekeeperDecision Kind = "gatekeeper.decision"
)

// Event is one line of the audit log. Fields carries kind-specific
// payload; keeping it a bag of values (rather than one struct per
// kind) matches the log's role as an append-only, schema-loose trail
// rather than a strongly-typed wire protocol.
type Event struct {
	TS     time.Time      `json:"ts"`
	Kind   Kind           `json:"kind"`
	RunID  string         `json:"run_id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Sink accepts audit events. Implementations must be safe for
// concurrent use — the supervision loop, the policy arbiter, and the
// memory/gatekeeper collaborators may all emit concurrently.
type Sink interface {
	Emit(ev Event) error
}

// JSONLSink writes one compact JSON object per line to an underlying
// writer, optionally gzip-compressed. Close flushes and, if the sink
// owns the underlying file, closes it.
type JSONLSink struct {
	mu      sync.Mutex
	encoder *json.Encoder
	closers []io.Closer
}

// NewJSONLSink creates (or truncates) the audit log at path. A ".gz"
// suffix on path selects gzip compression transparently.
func NewJSONLSink(path string) (*JSONLSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audit: creating log %q: %w", path, err)
	}

	var w io.Writer = file
	closers := []io.Closer{file}
	if hasGzipSuffix(path) {
		gz := gzip.NewWriter(file)
		w = gz
		closers = append([]io.Closer{gz}, closers...)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLSink{encoder: enc, closers: closers}, nil
}

func hasGzipSuffix(path string) bool {
	return len(path) >= 3 && path[len(path)-3:] == ".gz"
}

// Emit appends ev as one JSON line.
func (s *JSONLSink) Emit(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.encoder.Encode(ev); err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	return nil
}

// Close flushes and closes the sink's underlying writers, innermost
// first (gzip writer before the file it wraps).
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NopSink discards every event. Used when audit logging is disabled.
type NopSink struct{}

func (NopSink) Emit(Event) error { return nil }

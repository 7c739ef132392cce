// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"encoding/json"
	"sync"

	"github.com/chaorenex1/memex-cli/lib/toolevent"
)

// identityFieldNames are the nested field names whose value, once
// observed anywhere in a tool event's payload, promotes the run's
// effective identifier away from the provisional one.
var identityFieldNames = map[string]bool{
	"session_id": true,
	"sessionId":  true,
	"run_id":     true,
	"runId":      true,
	"thread_id":  true,
}

// runIdentity holds the effective run identifier. It starts
// provisional and is promoted at most once, the moment any tool event
// carries a recognised nested identity field. Readers take a snapshot;
// the slot itself is written by exactly one caller (the supervision
// loop's event-processing goroutine).
type runIdentity struct {
	mu        sync.Mutex
	effective string
	promoted  bool
}

func newRunIdentity(provisional string) *runIdentity {
	return &runIdentity{effective: provisional}
}

// Snapshot returns the current effective identifier.
func (r *runIdentity) Snapshot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effective
}

// Promoted reports whether the identifier has already been promoted
// from an observed event field, as opposed to still being provisional.
func (r *runIdentity) Promoted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.promoted
}

// ObserveEvent scans ev's Args and Output payloads for a recognised
// identity field and promotes the effective identifier on first match.
// It returns true the one time promotion actually happens, so the
// caller can flush any buffered wrapper audit events.
func (r *runIdentity) ObserveEvent(ev toolevent.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.promoted {
		return false
	}

	id, ok := findIdentityField(ev.Args)
	if !ok {
		id, ok = findIdentityField(ev.Output)
	}
	if !ok {
		return false
	}

	r.effective = id
	r.promoted = true
	return true
}

// findIdentityField walks an arbitrary JSON value looking for any key
// in identityFieldNames whose value is a non-empty JSON string,
// anywhere in the structure (the spec calls this "nested").
func findIdentityField(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return searchIdentityField(v)
}

func searchIdentityField(v any) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		for key, val := range t {
			if identityFieldNames[key] {
				if s, ok := val.(string); ok && s != "" {
					return s, true
				}
			}
		}
		for _, val := range t {
			if s, ok := searchIdentityField(val); ok {
				return s, true
			}
		}
	case []any:
		for _, item := range t {
			if s, ok := searchIdentityField(item); ok {
				return s, true
			}
		}
	}
	return "", false
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toolevent

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Prefix is the marker sequence that opens a prefixed-mode line. A
// single space must follow it before the JSON payload begins.
const Prefix = "@@MEM_TOOL_EVENT@@"

// ParseResult is the outcome of recognising a single line.
type ParseResult struct {
	// Event is non-nil when the line was recognised as a tool event.
	Event *Event

	// ParseFailure is true when a prefixed-mode line failed to decode
	// or validate. A pure-JSON `{...}` line that fails is plain output,
	// not a parse failure. A ParseFailure line is never plain output
	// and never an Event.
	ParseFailure bool
}

// ParseLine recognises a tool event in a single line of output,
// applying the recognition rules in order: prefixed mode, then
// pure-JSON mode, else the line is plain output (zero value result).
// ParseLine is stateless — callers may discard and recreate freely.
//
// A trailing carriage return is tolerated and stripped before
// recognition, matching the CRLF line endings some child CLIs emit.
func ParseLine(line string) ParseResult {
	line = strings.TrimSuffix(line, "\r")

	if rest, ok := strings.CutPrefix(line, Prefix+" "); ok {
		ev, err := decodeEvent([]byte(rest))
		if err != nil {
			return ParseResult{ParseFailure: true}
		}
		return ParseResult{Event: ev}
	}

	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return ParseResult{}
	}

	ev, err := decodeEvent([]byte(trimmed))
	if err != nil {
		// Pure-JSON mode only promotes a `{...}` line to a tool event
		// when it fully qualifies; anything else is plain output, not
		// a parse failure — it may simply be unrelated JSON logging.
		return ParseResult{}
	}
	if !recognisedKind(ev.Kind) {
		return ParseResult{}
	}
	return ParseResult{Event: ev}
}

// wireEvent mirrors Event but keeps ID as raw JSON so numeric and
// string identifiers can both be normalised to a string.
type wireEvent struct {
	V              int             `json:"v"`
	Kind           Kind            `json:"type"`
	TS             string          `json:"ts,omitempty"`
	ID             json.RawMessage `json:"id,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	Action         string          `json:"action,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
	Rationale      string          `json:"rationale,omitempty"`
	RequiresPolicy bool            `json:"requires_policy,omitempty"`
	Success        *bool           `json:"ok,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	Stage          string          `json:"stage,omitempty"`
	Percent        *float64        `json:"percent,omitempty"`
}

func decodeEvent(payload []byte) (*Event, error) {
	if !utf8.Valid(payload) {
		return nil, errInvalidUTF8
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	var w wireEvent
	if err := dec.Decode(&w); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errTrailingData
	}

	id, err := normalizeID(w.ID)
	if err != nil {
		return nil, err
	}

	if err := validateEnvelope(payload); err != nil {
		return nil, err
	}

	return &Event{
		V:              w.V,
		Kind:           w.Kind,
		TS:             w.TS,
		ID:             id,
		Tool:           w.Tool,
		Action:         w.Action,
		Args:           w.Args,
		Rationale:      w.Rationale,
		RequiresPolicy: w.RequiresPolicy,
		Success:        w.Success,
		Output:         w.Output,
		Error:          w.Error,
		Stage:          w.Stage,
		Percent:        w.Percent,
	}, nil
}

// normalizeID accepts either a JSON string or a JSON number for the id
// field and returns its string form. An absent id decodes to "".
func normalizeID(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	// A bare JSON number literal is already its own canonical decimal
	// text; round-trip through json.Number only to validate syntax.
	var num json.Number
	if err := json.Unmarshal(trimmed, &num); err != nil {
		return "", err
	}
	return num.String(), nil
}

var (
	errInvalidUTF8  = parseError("invalid UTF-8 in tool event payload")
	errTrailingData = parseError("trailing data after tool event JSON")
)

type parseError string

func (e parseError) Error() string { return string(e) }

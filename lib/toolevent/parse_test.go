// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toolevent

import "testing"

func TestParseLine_PrefixedMode(t *testing.T) {
	t.Parallel()

	line := `@@MEM_TOOL_EVENT@@ {"v":1,"type":"tool.request","ts":"2025-01-01T00:00:00Z","id":"t1","tool":"fs.read","action":"read","args":{"path":"README.md"},"requires_policy":true}`
	res := ParseLine(line)

	if res.ParseFailure {
		t.Fatal("unexpected parse failure")
	}
	if res.Event == nil {
		t.Fatal("expected an event")
	}
	if res.Event.Kind != KindRequest || res.Event.ID != "t1" || res.Event.Tool != "fs.read" {
		t.Errorf("unexpected event: %+v", res.Event)
	}
	if !res.Event.RequiresPolicy {
		t.Error("expected RequiresPolicy = true")
	}
}

func TestParseLine_PrefixedModeInvalidJSONIsParseFailure(t *testing.T) {
	t.Parallel()

	res := ParseLine(Prefix + " {not json")
	if !res.ParseFailure {
		t.Error("expected parse failure")
	}
	if res.Event != nil {
		t.Error("expected no event")
	}
}

func TestParseLine_PureJSONMode(t *testing.T) {
	t.Parallel()

	line := `{"v":1,"type":"tool.result","id":"t1","ok":true,"output":{"bytes":12}}`
	res := ParseLine(line)

	if res.ParseFailure {
		t.Fatal("unexpected parse failure")
	}
	if res.Event == nil {
		t.Fatal("expected an event")
	}
	if res.Event.Kind != KindResult || res.Event.ID != "t1" {
		t.Errorf("unexpected event: %+v", res.Event)
	}
	if res.Event.Success == nil || !*res.Event.Success {
		t.Error("expected Success = true")
	}
}

func TestParseLine_PureJSONRequiresRecognisedKind(t *testing.T) {
	t.Parallel()

	// Has v + type but type isn't one of the three recognised kinds.
	res := ParseLine(`{"v":1,"type":"something.else","id":"x"}`)
	if res.Event != nil || res.ParseFailure {
		t.Errorf("expected plain output, got %+v", res)
	}
}

func TestParseLine_PureJSONRequiresSchemaVersionField(t *testing.T) {
	t.Parallel()

	res := ParseLine(`{"type":"tool.request","id":"x"}`)
	if res.Event != nil || res.ParseFailure {
		t.Errorf("expected plain output, got %+v", res)
	}
}

func TestParseLine_PlainTextIsIgnored(t *testing.T) {
	t.Parallel()

	cases := []string{
		"hello, just some log output",
		"",
		"   ",
		"[1, 2, 3]", // JSON, but not an object
	}
	for _, c := range cases {
		res := ParseLine(c)
		if res.Event != nil || res.ParseFailure {
			t.Errorf("ParseLine(%q) = %+v, want plain output", c, res)
		}
	}
}

func TestParseLine_NumericIDNormalizedToString(t *testing.T) {
	t.Parallel()

	res := ParseLine(`{"v":1,"type":"tool.progress","id":42,"stage":"downloading"}`)
	if res.Event == nil {
		t.Fatal("expected an event")
	}
	if res.Event.ID != "42" {
		t.Errorf("ID = %q, want %q", res.Event.ID, "42")
	}
}

func TestParseLine_CarriageReturnStripped(t *testing.T) {
	t.Parallel()

	res := ParseLine(`{"v":1,"type":"tool.request","id":"t1","tool":"fs.read","action":"read"}` + "\r")
	if res.Event == nil {
		t.Fatal("expected an event")
	}
	if res.Event.ID != "t1" {
		t.Errorf("ID = %q, want t1", res.Event.ID)
	}
}

func TestParseLine_InvalidActionFailsSchemaInPrefixedMode(t *testing.T) {
	t.Parallel()

	res := ParseLine(Prefix + ` {"v":1,"type":"tool.request","id":"t1","tool":"fs.read","action":"teleport"}`)
	if !res.ParseFailure {
		t.Error("expected schema validation to reject an unrecognised action")
	}
}

func TestParseLine_TrailingDataIsParseFailure(t *testing.T) {
	t.Parallel()

	res := ParseLine(Prefix + ` {"v":1,"type":"tool.request","id":"t1"} garbage`)
	if !res.ParseFailure {
		t.Error("expected parse failure for trailing data")
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toolevent

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// eventSchemaJSON constrains the event envelope shared by all three
// kinds. Kind-specific required fields (tool/action on request,
// ok on result) are deliberately left permissive here — a line missing
// one of those still decodes as a (possibly degenerate) event, and
// downstream correlation treats it as unmatched rather than invalid.
const eventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$id": "https://memex-cli.invalid/schema/tool-event.json",
	"type": "object",
	"required": ["v", "type"],
	"properties": {
		"v": { "type": "integer", "const": 1 },
		"type": { "enum": ["tool.request", "tool.result", "tool.progress"] },
		"id": { "type": ["string", "integer", "number"] },
		"ts": { "type": "string" },
		"tool": { "type": "string" },
		"action": { "enum": ["read", "write", "net", "exec"] },
		"requires_policy": { "type": "boolean" },
		"ok": { "type": "boolean" },
		"error": { "type": "string" },
		"stage": { "type": "string" },
		"percent": { "type": "number" }
	}
}`

var (
	schemaOnce    sync.Once
	eventSchema   *jsonschema.Schema
	schemaCompErr error
)

func compiledEventSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
		if err != nil {
			schemaCompErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(eventSchemaURL, doc); err != nil {
			schemaCompErr = err
			return
		}
		eventSchema, schemaCompErr = c.Compile(eventSchemaURL)
	})
	return eventSchema, schemaCompErr
}

const eventSchemaURL = "https://memex-cli.invalid/schema/tool-event.json"

// validateEnvelope checks payload against the shared event schema,
// which requires "v" and "type". It is a second line of defence behind the hand-written
// recognition rules in parse.go: structurally odd events (wrong action
// enum, non-boolean ok) fail here even though they would otherwise
// decode into an Event without error.
func validateEnvelope(payload []byte) error {
	schema, err := compiledEventSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

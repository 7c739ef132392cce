// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policyrule implements the declarative, config-driven policy
// callable: denylist, then allowlist, then ask-patterns, then the
// configured default action.
package policyrule

import (
	"fmt"

	"github.com/chaorenex1/memex-cli/lib/toolevent"
)

// Action is the verdict a rule or the default action produces.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Rule matches a tool-request by tool-name pattern and, optionally, an
// exact action-category match.
type Rule struct {
	// Tool is a glob-suffix pattern: "*" matches anything, "foo*"
	// matches by prefix "foo", and a pattern with no trailing "*" is
	// itself treated as a prefix (so "fs.read" matches "fs.read" and
	// "fs.read_dir" alike).
	Tool string

	// Action, if non-empty, additionally requires the request's
	// action category to equal this value exactly.
	Action string

	// Reason is surfaced to the child and to audit when this rule
	// produces a decision. A rule with no reason gets a generic one.
	Reason string
}

// Config is the engine's configuration, mirroring lib/config's
// policy section.
type Config struct {
	// Mode is "rules" (evaluate denylist/allowlist/ask/default) or
	// "off" (always allow, unconditionally).
	Mode string

	DefaultAction string
	Denylist      []Rule
	Allowlist     []Rule

	// AskPatterns are tool-name glob patterns (same syntax as
	// Rule.Tool) that route to the human approver instead of an
	// automatic decision, checked after the allowlist and before the
	// default action.
	AskPatterns []string
}

// Decision is the engine's verdict for one tool-request.
type Decision struct {
	Action Action
	Reason string
	RuleID string
}

// Engine evaluates Config against tool-request events. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// New returns an Engine bound to cfg. cfg is not copied defensively;
// callers must not mutate it after passing it to New.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Decide evaluates ev (expected to be a toolevent.KindRequest) and
// returns a decision. Decide never returns an error: an unparseable or
// empty tool name simply matches nothing, falling through to the
// default action.
func (e *Engine) Decide(ev toolevent.Event) Decision {
	if e.cfg.Mode == "off" {
		return Decision{Action: ActionAllow, Reason: "policy off", RuleID: "policy.off"}
	}

	if idx, rule, ok := findMatch(e.cfg.Denylist, ev); ok {
		return Decision{
			Action: ActionDeny,
			Reason: orDefault(rule.Reason, "denied by rule"),
			RuleID: fmt.Sprintf("denylist[%d]", idx),
		}
	}

	if idx, rule, ok := findMatch(e.cfg.Allowlist, ev); ok {
		return Decision{
			Action: ActionAllow,
			Reason: orDefault(rule.Reason, "allowed by rule"),
			RuleID: fmt.Sprintf("allowlist[%d]", idx),
		}
	}

	if idx, ok := findAskMatch(e.cfg.AskPatterns, ev); ok {
		return Decision{
			Action: ActionAsk,
			Reason: "routed to approver by ask_patterns",
			RuleID: fmt.Sprintf("ask_patterns[%d]", idx),
		}
	}

	if e.cfg.DefaultAction == string(ActionAllow) {
		return Decision{Action: ActionAllow, Reason: "allowed by default_action", RuleID: "default.allow"}
	}
	return Decision{Action: ActionDeny, Reason: "denied by default_action", RuleID: "default.deny"}
}

func findMatch(rules []Rule, ev toolevent.Event) (int, Rule, bool) {
	for i, r := range rules {
		if !toolMatch(r.Tool, ev.Tool) {
			continue
		}
		if r.Action != "" && r.Action != ev.Action {
			continue
		}
		return i, r, true
	}
	return 0, Rule{}, false
}

func findAskMatch(patterns []string, ev toolevent.Event) (int, bool) {
	for i, p := range patterns {
		if toolMatch(p, ev.Tool) {
			return i, true
		}
	}
	return 0, false
}

// toolMatch applies the glob-suffix matching rule: "*" matches
// anything; a trailing "*" matches by prefix; otherwise the pattern
// itself is used as a prefix.
func toolMatch(pattern, tool string) bool {
	if pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		return hasPrefix(tool, pattern[:len(pattern)-1])
	}
	return hasPrefix(tool, pattern)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

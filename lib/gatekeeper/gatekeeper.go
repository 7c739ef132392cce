// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gatekeeper grades a run's outcome into a quality signal by
// combining the child's exit code with regex hints found in the
// captured stdout/stderr tails and whether any prior memory matches
// were actually used. It is a pure function: same inputs, same grade.
package gatekeeper

import "regexp"

// Strength is how confidently Signal's Result should be trusted.
type Strength string

const (
	Strong Strength = "strong"
	Medium Strength = "medium"
	Weak   Strength = "weak"
)

// Result is the coarse pass/fail verdict.
type Result string

const (
	Pass Result = "pass"
	Fail Result = "fail"
)

// Signal is the gatekeeper's verdict for one run.
type Signal struct {
	Result   Result
	Strength Strength
	Strong   bool
	Reason   string
}

// Heuristics is the set of regexes used to look for success/failure
// language in captured output. Default returns the built-in set;
// callers may pass their own to Evaluate (supervisor.Config.Heuristics).
// The config file has no field for them.
type Heuristics struct {
	SuccessPatterns []*regexp.Regexp
	FailPatterns    []*regexp.Regexp
}

// Default returns the built-in heuristics: common CI/test-runner
// phrasing for success and failure.
func Default() Heuristics {
	return Heuristics{
		SuccessPatterns: compileAll(
			`(?i)\btests?\s+passed\b`,
			`(?i)\ball\s+tests?\s+passed\b`,
			`(?i)\bbuild\s+succeeded\b`,
			`(?i)\bcompile(d)?\s+success(fully)?\b`,
			`(?i)\bfinished\b.*\bsuccess\b`,
			`(?i)\bpass(ed)?\b`,
			`(?i)\bok\b`,
		),
		FailPatterns: compileAll(
			`(?i)\bfailed\b`,
			`(?i)\berror\b`,
			`(?i)\bpanic\b`,
			`(?i)\bexception\b`,
			`(?i)\btraceback\b`,
		),
	}
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Evaluate grades a run. exitCode is the child's normalised exit code;
// stdoutTail/stderrTail are the ring-tail snapshots; usedMatchCount is
// how many prior memory matches the child actually referenced (not how
// many were offered); failingToolsCount is the number of tool.result
// events observed with ok=false.
func Evaluate(exitCode int, stdoutTail, stderrTail string, usedMatchCount, failingToolsCount int, heur Heuristics) Signal {
	joined := stdoutTail + "\n" + stderrTail

	isPass := exitCode == 0
	hitSuccess := anyMatch(heur.SuccessPatterns, joined)
	hitFail := anyMatch(heur.FailPatterns, joined)

	result := Fail
	if isPass {
		result = Pass
	}

	switch {
	case isPass && hitSuccess && usedMatchCount > 0 && failingToolsCount == 0:
		return Signal{
			Result: result, Strength: Strong, Strong: true,
			Reason: "exit_code=0 + success markers + QA used",
		}
	case isPass && (hitSuccess || usedMatchCount > 0):
		return Signal{
			Result: result, Strength: Medium,
			Reason: "exit_code=0 but not strong-enough markers",
		}
	case !isPass && hitFail:
		return Signal{
			Result: result, Strength: Medium,
			Reason: "exit_code!=0 with explicit failure markers",
		}
	default:
		return Signal{
			Result: result, Strength: Weak,
			Reason: "insufficient evidence for strong/medium",
		}
	}
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

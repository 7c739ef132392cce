// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toolevent

import "testing"

func ok(b bool) *bool { return &b }

func TestCorrelate_MatchedPair(t *testing.T) {
	t.Parallel()

	events := []Event{
		{Kind: KindRequest, ID: "t1", Tool: "fs.read"},
		{Kind: KindResult, ID: "t1", Success: ok(true)},
	}
	stats := Correlate(events)

	if stats.RequestCount != 1 || stats.ResultCount != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.UnmatchedRequests != 0 || stats.UnmatchedResults != 0 {
		t.Errorf("expected a clean match, got %+v", stats)
	}
	if stats.PerTool["fs.read"] != 1 {
		t.Errorf("PerTool[fs.read] = %d, want 1", stats.PerTool["fs.read"])
	}
}

func TestCorrelate_UnmatchedRequest(t *testing.T) {
	t.Parallel()

	events := []Event{
		{Kind: KindRequest, ID: "t1", Tool: "shell"},
	}
	stats := Correlate(events)
	if stats.UnmatchedRequests != 1 {
		t.Errorf("UnmatchedRequests = %d, want 1", stats.UnmatchedRequests)
	}
}

func TestCorrelate_UnmatchedResult(t *testing.T) {
	t.Parallel()

	events := []Event{
		{Kind: KindResult, ID: "ghost", Success: ok(false)},
	}
	stats := Correlate(events)
	if stats.UnmatchedResults != 1 {
		t.Errorf("UnmatchedResults = %d, want 1", stats.UnmatchedResults)
	}
	if stats.FailedResults != 1 {
		t.Errorf("FailedResults = %d, want 1", stats.FailedResults)
	}
}

func TestCorrelate_FIFOTieBreakPerIdentifier(t *testing.T) {
	t.Parallel()

	// Two overlapping requests with the same id (unusual but
	// observable if the child reuses an id): first request pairs with
	// first result, second with second, in observation order.
	events := []Event{
		{Kind: KindRequest, ID: "dup", Tool: "shell"},
		{Kind: KindRequest, ID: "dup", Tool: "shell"},
		{Kind: KindResult, ID: "dup", Success: ok(true)},
		{Kind: KindResult, ID: "dup", Success: ok(false)},
	}
	stats := Correlate(events)

	if stats.UnmatchedRequests != 0 || stats.UnmatchedResults != 0 {
		t.Errorf("expected both pairs matched, got %+v", stats)
	}
	if stats.FailedResults != 1 {
		t.Errorf("FailedResults = %d, want 1", stats.FailedResults)
	}
	if stats.PerTool["shell"] != 2 {
		t.Errorf("PerTool[shell] = %d, want 2", stats.PerTool["shell"])
	}
}

func TestCorrelate_ProgressDoesNotAffectMatching(t *testing.T) {
	t.Parallel()

	events := []Event{
		{Kind: KindRequest, ID: "t1", Tool: "net.fetch"},
		{Kind: KindProgress, ID: "t1", Stage: "connecting"},
		{Kind: KindProgress, ID: "t1", Stage: "downloading"},
		{Kind: KindResult, ID: "t1", Success: ok(true)},
	}
	stats := Correlate(events)

	if stats.ProgressCount != 2 {
		t.Errorf("ProgressCount = %d, want 2", stats.ProgressCount)
	}
	if stats.UnmatchedRequests != 0 || stats.UnmatchedResults != 0 {
		t.Errorf("expected a clean match, got %+v", stats)
	}
}

func TestCorrelate_EmptyInput(t *testing.T) {
	t.Parallel()

	stats := Correlate(nil)
	if stats.RequestCount != 0 || stats.ResultCount != 0 || len(stats.PerTool) != 0 {
		t.Errorf("expected zero-value stats, got %+v", stats)
	}
}

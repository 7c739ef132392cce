// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toolevent

// CorrelationStats summarises an ordered list of tool events: counts
// by kind, and how well requests and results paired up.
type CorrelationStats struct {
	RequestCount  int
	ResultCount   int
	ProgressCount int

	// UnmatchedRequests counts requests with no later result sharing
	// the same identifier.
	UnmatchedRequests int

	// UnmatchedResults counts results with no earlier, still-unmatched
	// request of the same identifier.
	UnmatchedResults int

	// FailedResults counts results with Success == false.
	FailedResults int

	// PerTool counts matched request/result pairs by tool name.
	PerTool map[string]int
}

// Correlate is a pure function over an ordered list of tool events.
// Tie-break for matching: the first unmatched request of a given
// identifier, in observation order, pairs with the first later result
// of that identifier.
func Correlate(events []Event) CorrelationStats {
	stats := CorrelationStats{PerTool: make(map[string]int)}

	// pending maps id -> the unmatched requests with that id still
	// awaiting a result, oldest first, preserving FIFO per id via the
	// queue slice.
	pending := make(map[string][]Event)

	for _, ev := range events {
		switch ev.Kind {
		case KindRequest:
			stats.RequestCount++
			pending[ev.ID] = append(pending[ev.ID], ev)
		case KindProgress:
			stats.ProgressCount++
		case KindResult:
			stats.ResultCount++
			if ev.Success != nil && !*ev.Success {
				stats.FailedResults++
			}
			queue := pending[ev.ID]
			if len(queue) == 0 {
				stats.UnmatchedResults++
				continue
			}
			req := queue[0]
			pending[ev.ID] = queue[1:]
			tool := req.Tool
			if tool == "" {
				tool = ev.Tool
			}
			if tool != "" {
				stats.PerTool[tool]++
			}
		}
	}

	for _, queue := range pending {
		stats.UnmatchedRequests += len(queue)
	}

	return stats
}

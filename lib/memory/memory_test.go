// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPClient_Search(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search" {
			t.Errorf("path = %q, want /v1/search", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Query != "how to run tests" || req.Limit != 5 {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(searchResponse{Matches: []Match{
			{ID: "m1", Score: 0.9, Summary: "run `go test ./...`"},
		}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-key", time.Second)
	matches, err := c.Search(context.Background(), "how to run tests", 5, 0.2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "m1" {
		t.Errorf("unexpected matches: %+v", matches)
	}
}

func TestHTTPClient_Record(t *testing.T) {
	t.Parallel()

	var got Candidate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	err := c.Record(context.Background(), Candidate{Summary: "fixed the flaky test", Tags: []string{"tests"}})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got.Summary != "fixed the flaky test" {
		t.Errorf("server received %+v", got)
	}
}

func TestHTTPClient_ErrorStatusIsSurfaced(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.Search(context.Background(), "q", 1, 0)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestRenderContext_Empty(t *testing.T) {
	t.Parallel()
	if got := RenderContext(nil); got != "" {
		t.Errorf("RenderContext(nil) = %q, want empty", got)
	}
}

func TestMergePrompt_PrependsContext(t *testing.T) {
	t.Parallel()

	matches := []Match{{ID: "m1", Summary: "use table-driven tests here"}}
	merged := MergePrompt("write a test for foo", matches)

	if merged == "write a test for foo" {
		t.Fatal("expected context to be prepended")
	}
	if !strings.Contains(merged, "use table-driven tests here") || !strings.Contains(merged, "write a test for foo") {
		t.Errorf("merged prompt missing expected parts: %q", merged)
	}
}

func TestMergePrompt_NoMatchesLeavesPromptUnchanged(t *testing.T) {
	t.Parallel()
	if got := MergePrompt("do the thing", nil); got != "do the thing" {
		t.Errorf("MergePrompt = %q, want unchanged", got)
	}
}

func TestUsedMatchIDs(t *testing.T) {
	t.Parallel()

	matches := []Match{{ID: "alpha"}, {ID: "beta"}}
	used := UsedMatchIDs("I applied the fix from alpha and verified it", matches)
	if len(used) != 1 || used[0] != "alpha" {
		t.Errorf("UsedMatchIDs = %v, want [alpha]", used)
	}
}

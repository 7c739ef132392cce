// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package redact scrubs likely-sensitive substrings out of text before
// it is shown to a human approver or written to an audit sink, and
// fingerprints the original so two redacted summaries can be compared
// for equality without retaining the underlying secret.
package redact

import (
	"encoding/hex"
	"regexp"

	"github.com/zeebo/blake3"
)

const placeholder = "[redacted]"

// patterns catches the common shapes of embedded credentials: bearer
// tokens, basic-auth headers, URL userinfo, and the long hex/base64
// runs typical of API keys.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-]{8,}`),
	regexp.MustCompile(`(?i)\bBasic\s+[A-Za-z0-9+/=]{8,}`),
	regexp.MustCompile(`[A-Za-z][A-Za-z0-9+.\-]*://[^\s:/@]+:[^\s:/@]+@`),
	regexp.MustCompile(`\b[A-Za-z0-9_\-]{32,}\b`),
}

// Text replaces every pattern match in s with a fixed placeholder. The
// placeholder is the same length-independent string regardless of what
// it replaces, so the redacted text cannot be used to infer secret
// length.
func Text(s string) string {
	out := s
	for _, p := range patterns {
		out = p.ReplaceAllString(out, placeholder)
	}
	return out
}

// Fingerprint returns a hex-encoded BLAKE3 digest of s. Used to compare
// two pieces of sensitive text (e.g., "is this the same tool argument
// payload as last time") without storing or logging the text itself.
func Fingerprint(s string) string {
	hasher := blake3.New()
	hasher.Write([]byte(s))
	return hex.EncodeToString(hasher.Sum(nil))
}

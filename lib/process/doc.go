// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for memex-cli
// commands: the one legitimate raw I/O pattern that exists before any
// structured logger or audit sink has been constructed — reporting a
// fatal startup error to stderr and exiting.
package process

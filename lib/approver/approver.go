// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package approver prompts a human on the wrapper's own controlling
// terminal for allow/deny decisions on "ask" policy verdicts. It never
// reads from the child's stdin — that file descriptor is reserved
// exclusively for the control writer.
package approver

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/term"

	"github.com/chaorenex1/memex-cli/lib/policy"
	"github.com/chaorenex1/memex-cli/lib/redact"
	"github.com/chaorenex1/memex-cli/lib/toolevent"
)

// Terminal prompts for a decision on fd (typically os.Stdin's
// descriptor), writing the prompt to out. If fd backs a real
// controlling terminal, input is read one raw keypress at a time.
// Otherwise — piped stdin, a detached process, no terminal at all —
// there is nobody to ask, and Terminal fails closed: it synthesizes a
// deny without ever consuming t.in.
type Terminal struct {
	fd  int
	in  io.Reader
	out io.Writer

	// isTerminal reports whether fd backs a real controlling terminal.
	// Overridable in tests; production always uses term.IsTerminal.
	isTerminal func(fd int) bool

	// readRaw performs the actual single-keypress read once isTerminal
	// has confirmed a real terminal is attached. Overridable in tests
	// so the blocking-read/context-cancellation path can be exercised
	// without a real pty.
	readRaw func(fd int, in io.Reader) (rune, error)
}

// NewTerminal returns an approver reading from in/fd and writing
// prompts to out. fd must be the file descriptor backing in when in
// is a terminal (used for term.IsTerminal and raw-mode switching);
// pass -1 when in is known not to be a terminal.
func NewTerminal(fd int, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{fd: fd, in: in, out: out, isTerminal: term.IsTerminal, readRaw: readRawKeypress}
}

// Approve renders a redacted summary of ev and blocks for a single
// allow/deny keystroke, honoring ctx's deadline. With no controlling
// terminal attached, it resolves to Deny immediately.
func (t *Terminal) Approve(ctx context.Context, ev toolevent.Event) (policy.Action, error) {
	fmt.Fprintf(t.out, "\napprove tool request %s: %s (%s)?\n", ev.ID, ev.Tool, ev.Action)
	if ev.Rationale != "" {
		fmt.Fprintf(t.out, "  rationale: %s\n", redact.Text(ev.Rationale))
	}
	if len(ev.Args) > 0 {
		fmt.Fprintf(t.out, "  args: %s\n", redact.Text(string(ev.Args)))
	}
	fmt.Fprint(t.out, "[a]llow / [d]eny: ")

	resultCh := make(chan rune, 1)
	errCh := make(chan error, 1)

	go func() {
		r, err := t.readDecisionRune()
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- r
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errCh:
		return "", err
	case r := <-resultCh:
		switch r {
		case 'a', 'y', 'A', 'Y':
			return policy.Allow, nil
		default:
			return policy.Deny, nil
		}
	}
}

func (t *Terminal) readDecisionRune() (rune, error) {
	if t.fd < 0 || !t.isTerminal(t.fd) {
		// No controlling terminal attached: fail closed. An "ask"
		// verdict with nobody to ask must never resolve to allow, so
		// this synthesizes a deny without ever reading t.in.
		return 'd', nil
	}
	return t.readRaw(t.fd, t.in)
}

func readRawKeypress(fd int, in io.Reader) (rune, error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return 0, fmt.Errorf("approver: entering raw mode: %w", err)
	}
	defer term.Restore(fd, state)

	buf := make([]byte, 1)
	if _, err := in.Read(buf); err != nil {
		return 0, fmt.Errorf("approver: reading decision: %w", err)
	}
	return rune(buf[0]), nil
}

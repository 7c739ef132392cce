// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package streampump provides byte-accurate passthrough of a child
// process's stdout/stderr to the parent's matching stream and to a
// ring-tail buffer, while also emitting whole lines to an event-parser
// line tap.
package streampump

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/chaorenex1/memex-cli/lib/ringtail"
)

// Stream labels used for error messages and Line.Stream.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// chunkSize is the fixed scratch-buffer size for reads from the child.
const chunkSize = 16 * 1024

// maxLineBytes bounds the line-tap accumulator. A line exceeding this
// is flushed as one (likely unparseable) line rather than growing the
// accumulator without bound — the line tap is advisory, never a
// memory-safety hazard.
const maxLineBytes = 1 << 20 // 1 MiB

// Line is a single line observed on a stream, handed to the event
// parser. Data excludes the terminating LF and any preceding CR.
type Line struct {
	Stream    string
	Data      []byte
	Truncated bool // true if this line was forced out by maxLineBytes
}

// Outcome is the termination result of a Pump call: bytes copied and
// either a clean EOF (Err == nil) or the I/O error that stopped the
// pump. DroppedLines counts line taps discarded because the line sink
// channel was full — a bounded channel, never an unbounded queue,
// per the engine's back-pressure policy.
type Outcome struct {
	BytesCopied  int64
	Err          error
	DroppedLines int64
}

// Pump reads from src until EOF or error, writing every byte verbatim
// to dst and into ring, and emitting whole lines to lines. It blocks
// until src returns EOF, src or dst returns an error, or ctx is
// cancelled. Pump does not close src, dst, or lines.
//
// Back-pressure is the natural consequence of the blocking dst.Write:
// there is deliberately no unbounded buffer between child and parent.
// The line sink send is non-blocking — a full channel drops the tap
// and increments DroppedLines rather than slowing the tee.
func Pump(ctx context.Context, src io.Reader, dst io.Writer, ring *ringtail.Buffer, lines chan<- Line, label string) Outcome {
	buf := make([]byte, chunkSize)
	var lineBuf []byte
	var total int64
	var dropped int64

	flushTrailing := func() {
		if len(lineBuf) == 0 {
			return
		}
		emit(lines, label, lineBuf, false, &dropped)
		lineBuf = nil
	}

	for {
		select {
		case <-ctx.Done():
			return Outcome{BytesCopied: total, Err: ctx.Err(), DroppedLines: dropped}
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]

			if _, writeErr := dst.Write(chunk); writeErr != nil {
				return Outcome{
					BytesCopied:  total,
					Err:          fmt.Errorf("stream I/O error, stream=%s: %w", label, writeErr),
					DroppedLines: dropped,
				}
			}
			ring.Push(chunk)
			total += int64(n)

			lineBuf = consumeLines(lineBuf, chunk, label, lines, &dropped)
		}

		if readErr != nil {
			if readErr == io.EOF {
				flushTrailing()
				return Outcome{BytesCopied: total, Err: nil, DroppedLines: dropped}
			}
			flushTrailing()
			return Outcome{
				BytesCopied:  total,
				Err:          fmt.Errorf("stream I/O error, stream=%s: %w", label, readErr),
				DroppedLines: dropped,
			}
		}
	}
}

// consumeLines appends chunk to lineBuf, extracts and emits every
// complete LF-terminated line (stripping a trailing CR), and returns
// the remaining partial line. A lineBuf that grows past maxLineBytes
// without finding a newline is flushed whole, marked Truncated.
func consumeLines(lineBuf, chunk []byte, label string, lines chan<- Line, dropped *int64) []byte {
	lineBuf = append(lineBuf, chunk...)

	for {
		idx := bytes.IndexByte(lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := lineBuf[:idx]
		line = bytes.TrimSuffix(line, []byte("\r"))
		emit(lines, label, line, false, dropped)
		lineBuf = lineBuf[idx+1:]
	}

	if len(lineBuf) > maxLineBytes {
		emit(lines, label, lineBuf, true, dropped)
		lineBuf = lineBuf[:0]
	}

	return lineBuf
}

func emit(lines chan<- Line, label string, data []byte, truncated bool, dropped *int64) {
	// Copy: data aliases the pump's reusable accumulator/scratch buffer.
	owned := make([]byte, len(data))
	copy(owned, data)

	select {
	case lines <- Line{Stream: label, Data: owned, Truncated: truncated}:
	default:
		*dropped++
	}
}

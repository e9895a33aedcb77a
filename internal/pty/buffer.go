package pty

import (
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	// DefaultHighWater is the buffer length that triggers truncation.
	DefaultHighWater = 100_000
	// DefaultLowWater is how much of the newest output survives truncation.
	DefaultLowWater = 50_000
)

// BufferLimits bounds an OutputBuffer.
type BufferLimits struct {
	HighWater int
	LowWater  int
}

func (l BufferLimits) withDefaults() BufferLimits {
	if l.HighWater <= 0 {
		l.HighWater = DefaultHighWater
	}
	if l.LowWater <= 0 || l.LowWater >= l.HighWater {
		l.LowWater = l.HighWater / 2
	}
	return l
}

// OutputBuffer holds the most recent terminal output of a session. The
// reader pump is its only writer; snapshots are copies.
type OutputBuffer struct {
	limits BufferLimits

	mu  sync.Mutex
	buf strings.Builder
}

// NewOutputBuffer creates an empty buffer bounded by limits.
func NewOutputBuffer(limits BufferLimits) *OutputBuffer {
	return &OutputBuffer{limits: limits.withDefaults()}
}

// Append adds s. Once the length exceeds the high-water mark the oldest
// output is dropped, keeping the newest LowWater bytes rounded forward to
// a rune boundary.
func (b *OutputBuffer) Append(s string) {
	if s == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.WriteString(s)
	if b.buf.Len() <= b.limits.HighWater {
		return
	}

	cur := b.buf.String()
	tail := cur[len(cur)-b.limits.LowWater:]
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}

	b.buf.Reset()
	b.buf.Grow(b.limits.HighWater)
	b.buf.WriteString(tail)
}

// Snapshot returns the buffered output. The builder only ever appends or
// starts over, so the returned string is never mutated afterwards.
func (b *OutputBuffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Len returns the buffered length in bytes.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirpi/sirpi/pkg/workflow"
)

// LogBuffer is a session's append-only ordered log. Entries are never
// truncated while the session lives; consumers track an integer cursor and
// may block waiting for entries past it. Engine step entries and raw
// sandbox lines share the same sequence.
type LogBuffer struct {
	mu      sync.Mutex
	entries []workflow.LogEntry
	waiters []chan struct{}
	now     func() time.Time
}

// NewLogBuffer creates an empty buffer.
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{now: time.Now}
}

// Append adds an entry and wakes blocked consumers.
func (b *LogBuffer) Append(producer string, severity workflow.Severity, message string) {
	b.mu.Lock()
	b.entries = append(b.entries, workflow.LogEntry{
		Timestamp: b.now(),
		Producer:  producer,
		Severity:  severity,
		Message:   message,
	})
	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Len returns the current entry count.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Since returns a copy of the entries at or past cursor and the new cursor.
// A cursor from a reconnecting consumer never yields earlier entries again.
func (b *LogBuffer) Since(cursor int) ([]workflow.LogEntry, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(b.entries) {
		return nil, len(b.entries)
	}
	out := make([]workflow.LogEntry, len(b.entries)-cursor)
	copy(out, b.entries[cursor:])
	return out, len(b.entries)
}

// Wait blocks until entries exist past cursor or ctx ends, then behaves like
// Since.
func (b *LogBuffer) Wait(ctx context.Context, cursor int) ([]workflow.LogEntry, int, error) {
	for {
		b.mu.Lock()
		if cursor < len(b.entries) {
			b.mu.Unlock()
			entries, next := b.Since(cursor)
			return entries, next, nil
		}
		wake := make(chan struct{})
		b.waiters = append(b.waiters, wake)
		b.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		}
	}
}

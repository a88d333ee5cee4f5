// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory implements the per-session stage memory that generation
// stages use to hand results to downstream stages and to the assistant
// endpoint. Every store and retrieve appends to an audit event log; items
// are never silently overwritten.
package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Action recorded in the event log.
type Action string

const (
	ActionStore    Action = "store"
	ActionRetrieve Action = "retrieve"
)

// Item is a stored stage output.
type Item struct {
	Key      string
	Content  json.RawMessage
	Producer string
	StoredAt time.Time
}

// Event is one entry of a session's ordered audit log.
type Event struct {
	Producer  string
	Action    Action
	Key       string
	Timestamp time.Time
}

type session struct {
	items  map[string][]Item // every write appends; last element is current
	events []Event
}

// Memory is a keyed stage-memory store for all live sessions. It is safe for
// concurrent use; within one session stages write sequentially.
type Memory struct {
	id string

	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

// New creates a Memory with a fresh opaque identifier.
func New() *Memory {
	return &Memory{
		id:       "mem_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// ID returns the memory identifier persisted on generation rows so the
// assistant can reconstitute context after the live session is reaped.
func (m *Memory) ID() string { return m.id }

func (m *Memory) session(sessionID string) *session {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{items: make(map[string][]Item)}
		m.sessions[sessionID] = s
	}
	return s
}

// Store records content under key for the session, attributed to producer.
func (m *Memory) Store(sessionID, key string, content any, producer string) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return errors.Wrap(err, "encoding memory item")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	now := m.now()
	s.items[key] = append(s.items[key], Item{Key: key, Content: raw, Producer: producer, StoredAt: now})
	s.events = append(s.events, Event{Producer: producer, Action: ActionStore, Key: key, Timestamp: now})
	return nil
}

// Retrieve returns the current content for key, decoded into out, and
// records the read attributed to reader. Returns false when key is absent.
func (m *Memory) Retrieve(sessionID, key string, out any, reader string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, nil
	}
	versions := s.items[key]
	if len(versions) == 0 {
		return false, nil
	}
	s.events = append(s.events, Event{Producer: reader, Action: ActionRetrieve, Key: key, Timestamp: m.now()})
	if out != nil {
		if err := json.Unmarshal(versions[len(versions)-1].Content, out); err != nil {
			return true, errors.Wrapf(err, "decoding memory item %q", key)
		}
	}
	return true, nil
}

// Events returns a copy of the session's event log in append order.
func (m *Memory) Events(sessionID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Items returns the current value of every key in the session.
func (m *Memory) Items(sessionID string) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	var out []Item
	for _, versions := range s.items {
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt.Before(out[j].StoredAt) })
	return out
}

// Summary renders a human-readable view of the session's memory for the
// assistant endpoint's context block.
func (m *Memory) Summary(sessionID string) string {
	items := m.Items(sessionID)
	events := m.Events(sessionID)
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s: stored by %s\n", it.Key, it.Producer)
	}
	b.WriteString("\nStage sequence:\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "  %s: %s %s\n", ev.Producer, ev.Action, ev.Key)
	}
	return b.String()
}

// Drop discards all state for a session after its retention window.
func (m *Memory) Drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
)

// EventWriter frames server-sent events on a streaming response. Event ids
// carry the log cursor so a reconnecting client resumes where it left off.
type EventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewEventWriter prepares a response for streaming.
func NewEventWriter(w http.ResponseWriter) (*EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &EventWriter{w: w, flusher: flusher}, nil
}

// Send writes one event. id < 0 omits the id field.
func (e *EventWriter) Send(id int, event string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encoding event data")
	}
	if id >= 0 {
		if _, err := fmt.Fprintf(e.w, "id: %d\n", id); err != nil {
			return errors.Wrap(err, "writing event")
		}
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, encoded); err != nil {
		return errors.Wrap(err, "writing event")
	}
	e.flusher.Flush()
	return nil
}

// ResumeCursor reads the client's resume position: the standard
// Last-Event-ID header first, then a cursor query parameter.
func ResumeCursor(r *http.Request) int {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v := r.URL.Query().Get("cursor"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package apiservice

import (
	"log"
	"net/http"
	"strings"

	"github.com/sirpi/sirpi/internal/api"
	"github.com/sirpi/sirpi/pkg/workflow"
)

type connectedEvent struct {
	SessionID string          `json:"session_id"`
	Status    workflow.Status `json:"status"`
	Cursor    int             `json:"cursor"`
}

type statusEvent struct {
	Status workflow.Status `json:"status"`
}

type finalEvent struct {
	Status workflow.Status `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// StreamLogs streams a project's session log as server-sent events. Entries
// carry the log cursor as the event id, so a client reconnecting with
// Last-Event-ID resumes without replay. The stream ends with a complete or
// error event once the session is terminal and the buffer is drained.
func StreamLogs(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// a finished project may no longer have a live session; restoring
		// one from the store still yields the terminal status event
		s, err := sessionFor(r.Context(), deps, r.PathValue("project"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		ew, err := api.NewEventWriter(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		cursor := api.ResumeCursor(r)
		status, _ := s.Status()
		if err := ew.Send(-1, "connected", connectedEvent{SessionID: s.ID, Status: status, Cursor: cursor}); err != nil {
			return
		}
		for {
			entries, next := s.Log.Since(cursor)
			for i, entry := range entries {
				id := cursor + i + 1
				if name, ok := statusEntry(entry); ok {
					err = ew.Send(id, "status", statusEvent{Status: name})
				} else {
					err = ew.Send(id, "log", entry)
				}
				if err != nil {
					return
				}
			}
			cursor = next
			status, errDesc := s.Status()
			if status.Terminal() && s.Log.Len() == cursor {
				event, payload := "complete", finalEvent{Status: status}
				if status == workflow.StatusFailed || status == workflow.StatusDeploymentFailed {
					event, payload = "error", finalEvent{Status: status, Error: errDesc}
				}
				if err := ew.Send(-1, event, payload); err != nil {
					log.Printf("session %s: closing stream: %v", s.ID, err)
				}
				return
			}
			if _, _, err := s.Log.Wait(r.Context(), cursor); err != nil {
				return
			}
		}
	}
}

// statusEntry recognizes engine transition entries so clients get typed
// status events instead of plain log lines.
func statusEntry(entry workflow.LogEntry) (workflow.Status, bool) {
	if entry.Producer != "engine" {
		return "", false
	}
	name, ok := strings.CutPrefix(entry.Message, "status: ")
	if !ok {
		return "", false
	}
	return workflow.Status(name), true
}

// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package apiservice

import (
	"context"
	"net/http"

	"github.com/sirpi/sirpi/internal/api"
)

// Routes registers every service endpoint on mux.
func Routes(mux *http.ServeMux, deps *Deps) {
	initDeps := func(context.Context) (*Deps, error) { return deps, nil }
	mux.HandleFunc("POST /v1/generate", api.Handler(initDeps, Generate))
	mux.HandleFunc("POST /v1/status", api.Handler(initDeps, Status))
	mux.HandleFunc("POST /v1/logs", api.Handler(initDeps, Logs))
	mux.HandleFunc("POST /v1/deploy", api.Handler(initDeps, Deploy))
	mux.HandleFunc("POST /v1/destroy", api.Handler(initDeps, Destroy))
	mux.HandleFunc("POST /v1/connect/init", api.Handler(initDeps, ConnectInit))
	mux.HandleFunc("POST /v1/connect/verify", api.Handler(initDeps, ConnectVerify))
	mux.HandleFunc("POST /v1/webhooks/pr-merged", api.Handler(initDeps, PRMerged))
	mux.HandleFunc("POST /v1/assistant/context", api.Handler(initDeps, AssistantContext))
	mux.HandleFunc("GET /v1/projects/{project}/logs/stream", StreamLogs(deps))
}

// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package api provides the JSON-over-HTTP plumbing shared by the service and
// its clients: generic handler and stub helpers over schema messages, and
// the server-sent-event writer used by the log stream.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/internal/httpx"
	"github.com/sirpi/sirpi/pkg/schema"
)

type InitDeps[D any] func(context.Context) (D, error)
type HandlerFunc[I schema.Message, O any, D any] func(context.Context, I, D) (*O, error)
type StubFunc[I schema.Message, O any] func(context.Context, I) (*O, error)

// Sentinel errors handlers return to select the response status.
var (
	ErrNotOK       = errors.New("non-OK response")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrExhausted   = errors.New("resource exhausted")
	ErrUnavailable = errors.New("service unavailable")
)

func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Handler adapts a typed handler function into an http.HandlerFunc. The
// request body is decoded and validated before the handler runs.
func Handler[I schema.Message, O any, D any](initDeps InitDeps[D], handler HandlerFunc[I, O, D]) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req I
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
				log.Println(errors.Wrap(err, "parsing request"))
				http.Error(rw, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
		}
		if err := req.Validate(); err != nil {
			log.Println(errors.Wrap(err, "validating request"))
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		deps, err := initDeps(r.Context())
		if err != nil {
			log.Println(errors.Wrap(err, "initializing dependencies"))
			http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		o, err := handler(r.Context(), req, deps)
		if status := statusOf(err); status != http.StatusOK {
			log.Println(err)
			http.Error(rw, err.Error(), status)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		if o != nil {
			if err := json.NewEncoder(rw).Encode(o); err != nil {
				log.Println(errors.Wrap(err, "encoding response"))
			}
		}
	}
}

// Stub builds a typed client for one endpoint.
func Stub[I schema.Message, O any](client httpx.BasicClient, u *url.URL) StubFunc[I, O] {
	return func(ctx context.Context, i I) (*O, error) {
		if err := i.Validate(); err != nil {
			return nil, errors.Wrap(err, "validating request")
		}
		body, err := json.Marshal(i)
		if err != nil {
			return nil, errors.Wrap(err, "serializing request")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(err, "building http request")
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, "making http request")
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusTooManyRequests:
			return nil, ErrExhausted
		case http.StatusServiceUnavailable:
			return nil, ErrUnavailable
		default:
			b, _ := io.ReadAll(resp.Body)
			return nil, errors.Wrap(errors.Wrap(ErrNotOK, resp.Status), string(b))
		}
		var o O
		if err := json.NewDecoder(resp.Body).Decode(&o); err != nil {
			return nil, errors.Wrap(err, "decoding response")
		}
		return &o, nil
	}
}

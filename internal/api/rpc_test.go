// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

type echoRequest struct {
	Name string `json:"name"`
}

func (r echoRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type echoResponse struct {
	Greeting string `json:"greeting"`
}

func echoHandler(_ context.Context, req echoRequest, _ struct{}) (*echoResponse, error) {
	if req.Name == "missing" {
		return nil, errors.Wrap(ErrNotFound, "no such name")
	}
	return &echoResponse{Greeting: "hello " + req.Name}, nil
}

func noDeps(context.Context) (struct{}, error) { return struct{}{}, nil }

func TestHandlerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(Handler(noDeps, echoHandler))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	stub := Stub[echoRequest, echoResponse](srv.Client(), u)
	resp, err := stub(context.Background(), echoRequest{Name: "world"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Greeting != "hello world" {
		t.Errorf("greeting = %q", resp.Greeting)
	}
}

func TestHandlerRejectsInvalidRequest(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	Handler(noDeps, echoHandler)(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandlerRejectsMalformedBody(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{not json`))
	Handler(noDeps, echoHandler)(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandlerMapsSentinelErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"missing"}`))
	Handler(noDeps, echoHandler)(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no such name") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestStubSurfacesThrottle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	stub := Stub[echoRequest, echoResponse](srv.Client(), u)
	if _, err := stub(context.Background(), echoRequest{Name: "x"}); !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v", err)
	}
}

func TestStubValidatesBeforeSending(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	stub := Stub[echoRequest, echoResponse](srv.Client(), u)
	if _, err := stub(context.Background(), echoRequest{}); err == nil {
		t.Error("invalid request accepted")
	}
	if called {
		t.Error("invalid request reached the server")
	}
}

func TestEventWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	ew, err := NewEventWriter(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := ew.Send(3, "log", map[string]string{"message": "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := ew.Send(-1, "complete", map[string]string{"status": "completed"}); err != nil {
		t.Fatal(err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "id: 3\nevent: log\ndata: {\"message\":\"hi\"}\n\n") {
		t.Errorf("log event framing:\n%s", body)
	}
	if strings.Contains(strings.Split(body, "event: complete")[1], "id:") {
		t.Errorf("complete event carries an id:\n%s", body)
	}
}

func TestResumeCursor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream?cursor=4", nil)
	if got := ResumeCursor(req); got != 4 {
		t.Errorf("query cursor = %d", got)
	}
	req.Header.Set("Last-Event-ID", "9")
	if got := ResumeCursor(req); got != 9 {
		t.Errorf("header cursor = %d", got)
	}
	if got := ResumeCursor(httptest.NewRequest(http.MethodGet, "/stream", nil)); got != 0 {
		t.Errorf("default cursor = %d", got)
	}
}

// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testProvider(t *testing.T, mux *http.ServeMux) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &HTTPProvider{Client: http.DefaultClient, BaseURL: srv.URL, APIKey: "key-1"}
}

func TestCreateAndKill(t *testing.T) {
	var killed bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Error("missing auth header")
		}
		fmt.Fprint(w, `{"id":"sb-42"}`)
	})
	mux.HandleFunc("DELETE /v1/sandboxes/sb-42", func(w http.ResponseWriter, r *http.Request) {
		killed = true
		w.WriteHeader(http.StatusNoContent)
	})
	p := testProvider(t, mux)

	sb, err := p.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sb.ID() != "sb-42" {
		t.Errorf("id = %q", sb.ID())
	}
	if err := sb.Kill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !killed {
		t.Error("kill not delivered")
	}
}

func TestRunStreamsLines(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"sb-1"}`)
	})
	mux.HandleFunc("POST /v1/sandboxes/sb-1/exec", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Command        string `json:"command"`
			TimeoutSeconds int    `json:"timeout_seconds"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.TimeoutSeconds != int(DefaultTimeout.Seconds()) {
			t.Errorf("timeout_seconds = %d", req.TimeoutSeconds)
		}
		fmt.Fprintln(w, `{"stream":"stdout","line":"Step 1/4 : FROM python:3.12"}`)
		fmt.Fprintln(w, `{"stream":"stderr","line":"warning: cache miss"}`)
		fmt.Fprintln(w, `{"stream":"stdout","line":"Successfully built abc123"}`)
		fmt.Fprintln(w, `{"done":true,"exit_code":0}`)
	})
	p := testProvider(t, mux)
	sb, err := p.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var lines []string
	res, err := sb.Run(context.Background(), "docker build .", 0, func(stream Stream, line string) {
		lines = append(lines, string(stream)+": "+line)
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ok() {
		t.Errorf("exit = %d", res.ExitCode)
	}
	want := []string{
		"stdout: Step 1/4 : FROM python:3.12",
		"stderr: warning: cache miss",
		"stdout: Successfully built abc123",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("observed lines (-want +got):\n%s", diff)
	}
	if res.Stdout != "Step 1/4 : FROM python:3.12\nSuccessfully built abc123\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"sb-1"}`)
	})
	mux.HandleFunc("POST /v1/sandboxes/sb-1/exec", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"stream":"stderr","line":"Error: apply failed"}`)
		fmt.Fprintln(w, `{"done":true,"exit_code":1}`)
	})
	p := testProvider(t, mux)
	sb, _ := p.Create(context.Background())

	res, err := sb.Run(context.Background(), "terraform apply", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ok() || res.ExitCode != 1 {
		t.Errorf("exit = %d", res.ExitCode)
	}
}

func TestRunTruncatedStreamFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"sb-1"}`)
	})
	mux.HandleFunc("POST /v1/sandboxes/sb-1/exec", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"stream":"stdout","line":"partial"}`)
	})
	p := testProvider(t, mux)
	sb, _ := p.Create(context.Background())

	if _, err := sb.Run(context.Background(), "x", 0, nil); err == nil {
		t.Error("stream without exit event must error")
	}
}

func TestClampTimeout(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{0, DefaultTimeout},
		{time.Minute, time.Minute},
		{2 * time.Hour, MaxTimeout},
	}
	for _, tc := range cases {
		if got := ClampTimeout(tc.in); got != tc.want {
			t.Errorf("ClampTimeout(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// scriptedSandbox returns canned results per command prefix.
type scriptedSandbox struct {
	results map[string]ExecResult
	ran     []string
	files   map[string]string
}

func (s *scriptedSandbox) ID() string { return "sb-test" }

func (s *scriptedSandbox) WriteFile(_ context.Context, path, content string) error {
	if s.files == nil {
		s.files = make(map[string]string)
	}
	s.files[path] = content
	return nil
}

func (s *scriptedSandbox) Run(_ context.Context, command string, _ time.Duration, _ LineObserver) (ExecResult, error) {
	s.ran = append(s.ran, command)
	for prefix, res := range s.results {
		if len(command) >= len(prefix) && command[:len(prefix)] == prefix {
			return res, nil
		}
	}
	return ExecResult{ExitCode: 0}, nil
}

func (s *scriptedSandbox) Kill(context.Context) error { return nil }

func TestInstallToolsSkipsWhenPresent(t *testing.T) {
	sb := &scriptedSandbox{results: map[string]ExecResult{"command -v": {ExitCode: 0}}}
	if err := InstallTools(context.Background(), sb, nil); err != nil {
		t.Fatal(err)
	}
	if len(sb.ran) != 1 {
		t.Errorf("commands run = %v, want probe only", sb.ran)
	}
}

func TestInstallToolsInstallsWhenMissing(t *testing.T) {
	sb := &scriptedSandbox{results: map[string]ExecResult{"command -v": {ExitCode: 1}}}
	if err := InstallTools(context.Background(), sb, nil); err != nil {
		t.Fatal(err)
	}
	if len(sb.ran) != 2 {
		t.Fatalf("commands run = %v", sb.ran)
	}
}

func TestWriteCredentials(t *testing.T) {
	sb := &scriptedSandbox{}
	if err := WriteCredentials(context.Background(), sb, "export AWS_ACCESS_KEY_ID=x\n"); err != nil {
		t.Fatal(err)
	}
	if _, ok := sb.files[CredsPath]; !ok {
		t.Errorf("credentials not written to %s, files=%v", CredsPath, sb.files)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	var running, peak int32
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		err := p.Submit(context.Background(), func(context.Context) {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p := NewPool(1)
	p.Close()
	if err := p.Submit(context.Background(), func(context.Context) {}); err == nil {
		t.Error("expected error after close")
	}
}

func TestPoolSkipsCancelledJobs(t *testing.T) {
	p := NewPool(1)
	defer p.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := make(chan struct{}, 1)
	// The job may be accepted before the worker checks ctx, but it must not run.
	_ = p.Submit(context.Background(), func(context.Context) {})
	_ = p.Submit(ctx, func(context.Context) { ran <- struct{}{} })
	time.Sleep(50 * time.Millisecond)
	select {
	case <-ran:
		t.Error("cancelled job must not run")
	default:
	}
}

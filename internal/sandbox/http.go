// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/internal/httpx"
)

// HTTPProvider talks to the sandbox service's HTTP API. Exec responses are
// newline-delimited JSON events streamed as the command runs.
type HTTPProvider struct {
	Client  httpx.BasicClient
	BaseURL string
	APIKey  string
}

// readGrace is added to the HTTP deadline beyond the command timeout so the
// service's own timeout result reaches us first.
const readGrace = 30 * time.Second

func (p *HTTPProvider) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(p.BaseURL, "/")+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "calling %s %s", method, path)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Create provisions a new VM.
func (p *HTTPProvider) Create(ctx context.Context) (Sandbox, error) {
	resp, err := p.do(ctx, http.MethodPost, "/v1/sandboxes", map[string]any{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, errors.Wrap(err, "decoding create response")
	}
	if created.ID == "" {
		return nil, errors.New("sandbox service returned no id")
	}
	return &httpSandbox{provider: p, id: created.ID}, nil
}

type httpSandbox struct {
	provider *HTTPProvider
	id       string
}

func (s *httpSandbox) ID() string { return s.id }

func (s *httpSandbox) WriteFile(ctx context.Context, path, content string) error {
	resp, err := s.provider.do(ctx, http.MethodPost, "/v1/sandboxes/"+s.id+"/files", map[string]string{
		"path":    path,
		"content": content,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// execEvent is one streamed line or the terminal exit event.
type execEvent struct {
	Stream   string `json:"stream,omitempty"`
	Line     string `json:"line,omitempty"`
	Done     bool   `json:"done,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

func (s *httpSandbox) Run(ctx context.Context, command string, timeout time.Duration, observer LineObserver) (ExecResult, error) {
	timeout = ClampTimeout(timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout+readGrace)
	defer cancel()
	resp, err := s.provider.do(ctx, http.MethodPost, "/v1/sandboxes/"+s.id+"/exec", map[string]any{
		"command":         command,
		"timeout_seconds": int(timeout.Seconds()),
	})
	if err != nil {
		return ExecResult{}, err
	}
	defer resp.Body.Close()

	var result ExecResult
	var stdout, stderr strings.Builder
	dec := json.NewDecoder(resp.Body)
	sawExit := false
	for {
		var ev execEvent
		if err := dec.Decode(&ev); err == io.EOF {
			break
		} else if err != nil {
			return ExecResult{}, errors.Wrapf(err, "reading exec stream for %q", command)
		}
		if ev.Done {
			if ev.ExitCode != nil {
				result.ExitCode = *ev.ExitCode
			}
			sawExit = true
			continue
		}
		switch Stream(ev.Stream) {
		case Stdout:
			stdout.WriteString(ev.Line + "\n")
		case Stderr:
			stderr.WriteString(ev.Line + "\n")
		default:
			continue
		}
		if observer != nil {
			observer(Stream(ev.Stream), ev.Line)
		}
	}
	if !sawExit {
		return ExecResult{}, errors.Errorf("exec stream for %q ended without an exit event", command)
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

func (s *httpSandbox) Kill(ctx context.Context) error {
	resp, err := s.provider.do(ctx, http.MethodDelete, "/v1/sandboxes/"+s.id, nil)
	if err != nil {
		return errors.Wrapf(err, "killing sandbox %s", s.id)
	}
	resp.Body.Close()
	return nil
}

var _ Provider = (*HTTPProvider)(nil)

// String implements a compact description for logs.
func (s *httpSandbox) String() string {
	return fmt.Sprintf("sandbox %s", s.id)
}

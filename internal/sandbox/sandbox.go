// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs opaque external tooling (container builds, terraform)
// inside ephemeral isolated VMs, streaming command output line by line.
package sandbox

import (
	"context"
	"time"
)

// CredsPath is where deployment credentials are written inside a sandbox.
// Commands source this file; the content never leaves the VM.
const CredsPath = "/tmp/aws_creds.sh"

const (
	// DefaultTimeout bounds ordinary commands.
	DefaultTimeout = 5 * time.Minute
	// MaxTimeout bounds terraform applies on slow accounts.
	MaxTimeout = 50 * time.Minute
)

// Stream identifies which output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineObserver receives each output line as it is produced. It is called
// from the stream-reading goroutine and must return promptly.
type LineObserver func(stream Stream, line string)

// ExecResult is the outcome of one command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Ok reports a zero exit.
func (r ExecResult) Ok() bool { return r.ExitCode == 0 }

// Sandbox is one ephemeral VM.
type Sandbox interface {
	ID() string
	WriteFile(ctx context.Context, path, content string) error
	Run(ctx context.Context, command string, timeout time.Duration, observer LineObserver) (ExecResult, error)
	Kill(ctx context.Context) error
}

// Provider creates sandboxes.
type Provider interface {
	Create(ctx context.Context) (Sandbox, error)
}

// ClampTimeout applies the default and maximum bounds.
func ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package recipe

import (
	"strings"
	"testing"

	"github.com/sirpi/sirpi/internal/validate"
	"github.com/sirpi/sirpi/pkg/workflow"
)

func TestIsComplete(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    bool
	}{
		{"empty", "", false},
		{"stub", "FROM python:3.12\nCMD [\"app\"]\n", false},
		{"no from", "WORKDIR /app\nCOPY . .\nRUN build\nEXPOSE 80\nCMD x\nRUN y\n", false},
		{"complete", "FROM python:3.12\nWORKDIR /app\nCOPY . .\nRUN pip install .\nEXPOSE 8000\nCMD [\"app\"]\n", true},
		{"blank lines ignored", "FROM a\n\n\nRUN b\nRUN c\nRUN d\nRUN e\n", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsComplete(tc.content); got != tc.want {
				t.Errorf("IsComplete() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCleanStripsEnvelopeAndFence(t *testing.T) {
	raw := "<thinking>ports look like 8000</thinking>\nHere is the recipe:\n```dockerfile\nFROM python:3.12-slim\nWORKDIR /app\nCMD [\"app\"]\n```\nLet me know if you need changes."
	got := Clean(raw)
	want := "FROM python:3.12-slim\nWORKDIR /app\nCMD [\"app\"]\n"
	if got != want {
		t.Errorf("Clean() = %q, want %q", got, want)
	}
}

func TestCleanAdvancesToFrom(t *testing.T) {
	raw := "Sure! This multi-stage build should work well:\n\nFROM node:20-slim\nWORKDIR /app\n"
	got := Clean(raw)
	if !strings.HasPrefix(got, "FROM node:20-slim") {
		t.Errorf("Clean() = %q, want FROM first", got)
	}
}

func TestCleanKeepsArgPrefix(t *testing.T) {
	raw := "notes\nARG VERSION=1\nFROM python:${VERSION}\n"
	got := Clean(raw)
	if !strings.HasPrefix(got, "ARG VERSION=1") {
		t.Errorf("Clean() = %q, want ARG first", got)
	}
}

func TestUsesAlpineNode(t *testing.T) {
	if !UsesAlpineNode("FROM node:20-alpine AS deps\nWORKDIR /app\n") {
		t.Error("alpine node base not detected")
	}
	if UsesAlpineNode("FROM python:3.12-alpine\n") {
		t.Error("non-node alpine must not match")
	}
	if UsesAlpineNode("FROM node:20-slim\nRUN echo alpine\n") {
		t.Error("alpine outside FROM must not match")
	}
}

func TestDefaultNextJS(t *testing.T) {
	got := Default(workflow.RepoContext{Language: "javascript", Framework: "nextjs"})
	if !strings.Contains(got, "node:20-slim") {
		t.Errorf("nextjs default must use node:20-slim, got:\n%s", got)
	}
	if UsesAlpineNode(got) {
		t.Error("nextjs default must not be alpine")
	}
	if res := validate.Dockerfile(got); !res.Valid {
		t.Errorf("nextjs default fails validation: %s", res.FormatErrors())
	}
}

func TestDefaultsPassValidation(t *testing.T) {
	for _, lang := range []string{"python", "javascript", "go"} {
		ctx := workflow.RepoContext{Language: lang, Ports: []int{9090}}
		got := Default(ctx)
		if got == "" {
			t.Fatalf("no default for %s", lang)
		}
		if !strings.Contains(got, "9090") {
			t.Errorf("%s default ignores detected port:\n%s", lang, got)
		}
		if res := validate.Dockerfile(got); !res.Valid {
			t.Errorf("%s default fails validation: %s", lang, res.FormatErrors())
		}
	}
}

func TestDefaultUnknownLanguage(t *testing.T) {
	if got := Default(workflow.RepoContext{Language: "cobol"}); got != "" {
		t.Errorf("Default() = %q, want empty", got)
	}
}

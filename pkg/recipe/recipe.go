// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package recipe handles container recipe reuse, cleanup of agent output,
// and framework fallback recipes used when generation cannot improve on a
// known-good default.
package recipe

import (
	"fmt"
	"strings"

	"github.com/sirpi/sirpi/internal/textwrap"
	"github.com/sirpi/sirpi/pkg/workflow"
)

// IsComplete reports whether an existing recipe should be reused as-is
// instead of regenerated. A recipe qualifies when it has a FROM instruction
// and more than five non-blank lines.
func IsComplete(content string) bool {
	if content == "" {
		return false
	}
	nonBlank := 0
	hasFrom := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		nonBlank++
		if strings.HasPrefix(strings.ToUpper(trimmed), "FROM ") {
			hasFrom = true
		}
	}
	return hasFrom && nonBlank > 5
}

// Clean normalizes raw agent output into recipe text. It strips reasoning
// envelopes and code fences, then advances to the first FROM or ARG line so
// any prose preamble is dropped.
func Clean(raw string) string {
	s := raw
	for _, tag := range []string{"thinking", "answer"} {
		if i := strings.Index(s, "</"+tag+">"); i >= 0 {
			s = s[i+len(tag)+3:]
		}
		s = strings.ReplaceAll(s, "<"+tag+">", "")
	}
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		// drop the fence's language hint
		if nl := strings.Index(s, "\n"); nl >= 0 {
			first := strings.TrimSpace(s[:nl])
			if len(first) > 0 && len(first) < 20 && !strings.Contains(first, " ") {
				s = s[nl+1:]
			}
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		upper := strings.ToUpper(strings.TrimSpace(line))
		if strings.HasPrefix(upper, "FROM ") || strings.HasPrefix(upper, "ARG ") {
			lines = lines[i:]
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
}

// UsesAlpineNode reports whether the recipe builds a Node application on an
// alpine base image. Native addons in Next.js builds fail against musl, so
// callers swap in the debian-slim default before building.
func UsesAlpineNode(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		upper := strings.ToUpper(strings.TrimSpace(line))
		if strings.HasPrefix(upper, "FROM ") && strings.Contains(strings.ToLower(line), "alpine") && strings.Contains(strings.ToLower(line), "node") {
			return true
		}
	}
	return false
}

// Default returns a known-good recipe for the detected framework, or the
// generic fallback for the language when no framework default exists.
func Default(ctx workflow.RepoContext) string {
	switch strings.ToLower(ctx.Framework) {
	case "nextjs", "next.js", "next":
		return nextJSRecipe
	}
	switch strings.ToLower(ctx.Language) {
	case "python":
		return fmt.Sprintf(pythonRecipe, ctx.PrimaryPort())
	case "javascript", "typescript", "node":
		return fmt.Sprintf(nodeRecipe, ctx.PrimaryPort())
	case "go":
		return fmt.Sprintf(goRecipe, ctx.PrimaryPort())
	}
	return ""
}

func dedent(s string) string {
	return strings.TrimSpace(textwrap.Dedent(s)) + "\n"
}

// nextJSRecipe builds standalone output on debian-slim. Alpine is avoided
// because sharp and swc ship glibc binaries.
var nextJSRecipe = dedent(`
	FROM node:20-slim AS deps
	WORKDIR /app
	COPY package.json package-lock.json* ./
	RUN npm ci

	FROM node:20-slim AS builder
	WORKDIR /app
	COPY --from=deps /app/node_modules ./node_modules
	COPY . .
	ENV NEXT_TELEMETRY_DISABLED=1
	RUN npm run build

	FROM node:20-slim AS runner
	WORKDIR /app
	ENV NODE_ENV=production
	RUN groupadd --system nodejs && useradd --system --gid nodejs nextjs
	COPY --from=builder /app/public ./public
	COPY --from=builder --chown=nextjs:nodejs /app/.next/standalone ./
	COPY --from=builder --chown=nextjs:nodejs /app/.next/static ./.next/static
	USER nextjs
	EXPOSE 3000
	ENV PORT=3000
	CMD ["node", "server.js"]
`)

var pythonRecipe = dedent(`
	FROM python:3.12-slim AS builder
	WORKDIR /app
	COPY requirements.txt .
	RUN pip install --no-cache-dir --prefix=/install -r requirements.txt

	FROM python:3.12-slim
	WORKDIR /app
	COPY --from=builder /install /usr/local
	COPY . .
	RUN useradd --system app
	USER app
	EXPOSE %[1]d
	CMD ["python", "main.py"]
`)

var nodeRecipe = dedent(`
	FROM node:20-slim AS deps
	WORKDIR /app
	COPY package.json package-lock.json* ./
	RUN npm ci --omit=dev

	FROM node:20-slim
	WORKDIR /app
	COPY --from=deps /app/node_modules ./node_modules
	COPY . .
	RUN useradd --system app
	USER app
	EXPOSE %[1]d
	CMD ["node", "index.js"]
`)

var goRecipe = dedent(`
	FROM golang:1.24 AS builder
	WORKDIR /src
	COPY go.mod go.sum ./
	RUN go mod download
	COPY . .
	RUN CGO_ENABLED=0 go build -o /bin/app .

	FROM gcr.io/distroless/static-debian12 AS runner
	COPY --from=builder /bin/app /app
	EXPOSE %[1]d
	ENTRYPOINT ["/app"]
`)

// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package validate checks generated artifacts against fixed rule sets before
// they are persisted or submitted for review. Errors fail the pipeline;
// warnings are surfaced in the session log and the change-request body.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// Result carries the outcome of a validation pass.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// FormatErrors renders the error list one per line.
func (r Result) FormatErrors() string {
	if len(r.Errors) == 0 {
		return "no errors"
	}
	return strings.Join(r.Errors, "\n")
}

// FormatWarnings renders the warning list one per line.
func (r Result) FormatWarnings() string {
	if len(r.Warnings) == 0 {
		return "no warnings"
	}
	return strings.Join(r.Warnings, "\n")
}

var forbiddenTerms = []string{"PLACEHOLDER", "TODO", "FIXME", "XXX", "CHANGEME", "REPLACE_ME"}

// secretPatterns match credential assignments and well-known cloud key shapes.
// Any match in a generated artifact is a hard error.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|access[_-]?key|auth[_-]?token)\s*[:=]\s*["'][^"'\s]{8,}["']`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]\s*["']?[A-Za-z0-9/+=]{40}["']?`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`),
}

func scanSecrets(name, content string) []string {
	var errs []string
	for _, pat := range secretPatterns {
		if loc := pat.FindStringIndex(content); loc != nil {
			line := 1 + strings.Count(content[:loc[0]], "\n")
			errs = append(errs, fmt.Sprintf("Possible secret in %s:%d (matched %s)", name, line, pat.String()))
		}
	}
	return errs
}

func scanForbidden(name, content string) []string {
	var errs []string
	upperLines := strings.Split(strings.ToUpper(content), "\n")
	for _, term := range forbiddenTerms {
		for i, line := range upperLines {
			if strings.Contains(line, term) {
				errs = append(errs, fmt.Sprintf("Found forbidden term '%s' in %s:%d", term, name, i+1))
				break
			}
		}
	}
	return errs
}

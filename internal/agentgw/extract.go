// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package agentgw

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/pkg/workflow"
)

var (
	thinkingRe   = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)
	answerOpenRe = regexp.MustCompile(`</?answer>`)
	jsonFenceRe  = regexp.MustCompile("(?s)```(?:json|JSON)\\s*\\n(.*?)```")
	anyFenceRe   = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n(.*?)```")
)

// StripEnvelopes removes reasoning envelopes from agent output.
func StripEnvelopes(s string) string {
	s = thinkingRe.ReplaceAllString(s, "")
	s = answerOpenRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// ExtractJSON finds the structured payload in loosely formatted agent
// output. Strategies in order, first valid JSON object wins: tagged fence,
// any fence, largest brace-delimited substring, the whole stripped response.
func ExtractJSON(raw string) (string, bool) {
	s := StripEnvelopes(raw)
	if m := jsonFenceRe.FindStringSubmatch(s); m != nil {
		if c := strings.TrimSpace(m[1]); json.Valid([]byte(c)) {
			return c, true
		}
	}
	if m := anyFenceRe.FindStringSubmatch(s); m != nil {
		if c := strings.TrimSpace(m[1]); json.Valid([]byte(c)) {
			return c, true
		}
	}
	if c := largestBraceSubstring(s); c != "" && json.Valid([]byte(c)) {
		return c, true
	}
	if json.Valid([]byte(s)) {
		return s, true
	}
	return "", false
}

// largestBraceSubstring returns the longest balanced {...} span.
func largestBraceSubstring(s string) string {
	best := ""
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					if cand := s[start : i+1]; len(cand) > len(best) {
						best = cand
					}
					i = len(s)
				}
			}
		}
	}
	return best
}

// DecodeContext turns raw analyzer output into a repository context. JSON
// extraction is attempted first; the markdown fallback is a last resort
// because downstream stages assume the structured shape.
func DecodeContext(raw string) (workflow.RepoContext, error) {
	if payload, ok := ExtractJSON(raw); ok {
		var m map[string]any
		if err := json.Unmarshal([]byte(payload), &m); err == nil {
			return contextFromMap(m), nil
		}
	}
	if rc, ok := contextFromMarkdown(raw); ok {
		return rc, nil
	}
	return workflow.RepoContext{}, errors.New("no structured payload in agent response")
}

// contextFromMap coerces a decoded JSON object field by field. Nullable
// containers become empty containers; out-of-type values fall back to zero
// values rather than failing the whole decode.
func contextFromMap(m map[string]any) workflow.RepoContext {
	rc := workflow.RepoContext{
		Language:        str(m["language"]),
		Framework:       str(m["framework"]),
		Runtime:         str(m["runtime"]),
		PackageManager:  str(m["package_manager"]),
		Dependencies:    strMap(m["dependencies"]),
		DeploymentShape: workflow.Shape(str(m["deployment_target"])),
		Ports:           intSlice(m["ports"]),
		EnvironmentVars: strSlice(m["environment_vars"]),
		HealthCheckPath: str(m["health_check_path"]),
		StartCommand:    str(m["start_command"]),
		BuildCommand:    str(m["build_command"]),
	}
	rc.HasExistingDockerfile = boolean(m["has_existing_dockerfile"])
	rc.ExistingDockerfileContent = str(m["existing_dockerfile_content"])
	rc.HasExistingTerraform = boolean(m["has_existing_terraform"])
	rc.ExistingTerraformFiles = strMap(m["existing_terraform_files"])
	rc.TerraformLocation = str(m["terraform_location"])
	if !workflow.KnownShape(rc.DeploymentShape) {
		rc.DeploymentShape = workflow.ContainerService
	}
	return rc
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func strSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s := str(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intSlice(v any) []int {
	items, ok := v.([]any)
	if !ok {
		return []int{}
	}
	out := make([]int, 0, len(items))
	for _, it := range items {
		switch n := it.(type) {
		case float64:
			out = append(out, int(n))
		case string:
			if p, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				out = append(out, p)
			}
		}
	}
	return out
}

func strMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch s := val.(type) {
		case string:
			out[k] = s
		case float64:
			out[k] = strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return out
}

// markdownFields match prose answers like "**Language**: python".
var markdownFields = map[string]*regexp.Regexp{
	"language":        regexp.MustCompile(`(?im)^\**\s*language\s*\**\s*[:=]\s*(.+)$`),
	"framework":       regexp.MustCompile(`(?im)^\**\s*framework\s*\**\s*[:=]\s*(.+)$`),
	"runtime":         regexp.MustCompile(`(?im)^\**\s*runtime(?:\s+version)?\s*\**\s*[:=]\s*(.+)$`),
	"package_manager": regexp.MustCompile(`(?im)^\**\s*package\s*manager\s*\**\s*[:=]\s*(.+)$`),
	"port":            regexp.MustCompile(`(?im)^\**\s*ports?\s*\**\s*[:=]\s*(\d+)`),
}

// contextFromMarkdown pulls known fields out of a prose answer, filling the
// rest with conservative defaults. ok is false when nothing matched.
func contextFromMarkdown(raw string) (workflow.RepoContext, bool) {
	s := StripEnvelopes(raw)
	rc := workflow.RepoContext{
		Dependencies:    map[string]string{},
		Ports:           []int{},
		EnvironmentVars: []string{},
		DeploymentShape: workflow.ContainerService,
	}
	matched := false
	grab := func(key string) string {
		if m := markdownFields[key].FindStringSubmatch(s); m != nil {
			matched = true
			return strings.TrimSpace(strings.Trim(strings.TrimSpace(m[1]), "*`"))
		}
		return ""
	}
	rc.Language = grab("language")
	rc.Framework = grab("framework")
	rc.Runtime = grab("runtime")
	rc.PackageManager = grab("package_manager")
	if m := markdownFields["port"].FindStringSubmatch(s); m != nil {
		matched = true
		if p, err := strconv.Atoi(m[1]); err == nil {
			rc.Ports = append(rc.Ports, p)
		}
	}
	return rc, matched
}

// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package inspector

import (
	"fmt"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// digest produces a compact one-line summary for manifests we know how to
// parse. Prompts carry the digest next to the raw truncated content so the
// analyzer sees dependency and port facts even when truncation ate them.
func digest(name, content string) (string, bool) {
	switch {
	case name == "pyproject.toml":
		return pyprojectDigest(content)
	case strings.HasPrefix(name, "docker-compose."):
		return composeDigest(content)
	}
	return "", false
}

type pyproject struct {
	Project struct {
		Name         string   `toml:"name"`
		RequiresPy   string   `toml:"requires-python"`
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

func pyprojectDigest(content string) (string, bool) {
	var p pyproject
	if err := toml.Unmarshal([]byte(content), &p); err != nil || p.Project.Name == "" {
		return "", false
	}
	deps := make([]string, 0, len(p.Project.Dependencies))
	for _, d := range p.Project.Dependencies {
		// keep the distribution name, drop version constraints
		fields := strings.FieldsFunc(d, func(r rune) bool {
			return r == '>' || r == '<' || r == '=' || r == '~' || r == '!' || r == ' ' || r == '['
		})
		if len(fields) > 0 {
			deps = append(deps, fields[0])
		}
	}
	s := fmt.Sprintf("project %s", p.Project.Name)
	if p.Project.RequiresPy != "" {
		s += fmt.Sprintf(", python %s", p.Project.RequiresPy)
	}
	if len(deps) > 0 {
		s += fmt.Sprintf("; %d dependencies: %s", len(deps), strings.Join(deps, ", "))
	}
	return s, true
}

type composeFile struct {
	Services map[string]struct {
		Image string   `yaml:"image"`
		Build any      `yaml:"build"`
		Ports []string `yaml:"ports"`
	} `yaml:"services"`
}

func composeDigest(content string) (string, bool) {
	var c composeFile
	if err := yaml.Unmarshal([]byte(content), &c); err != nil || len(c.Services) == 0 {
		return "", false
	}
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	var parts []string
	for _, name := range names {
		svc := c.Services[name]
		desc := name
		if svc.Image != "" {
			desc += " (image " + svc.Image + ")"
		} else if svc.Build != nil {
			desc += " (built locally)"
		}
		if len(svc.Ports) > 0 {
			desc += " ports " + strings.Join(svc.Ports, ",")
		}
		parts = append(parts, desc)
	}
	return fmt.Sprintf("%d services: %s", len(names), strings.Join(parts, "; ")), true
}

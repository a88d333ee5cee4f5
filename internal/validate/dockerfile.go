// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"fmt"
	"strings"
)

// Dockerfile validates a generated container recipe.
//
// Required instructions are hard errors when absent: FROM, WORKDIR, COPY and
// an entrypoint (CMD or ENTRYPOINT). Placeholder tokens and secret-pattern
// matches are hard errors. Mutable tags, missing HEALTHCHECK, missing USER
// and single-stage builds only warn.
func Dockerfile(content string) Result {
	var errs, warns []string

	for _, inst := range []string{"FROM", "WORKDIR", "COPY"} {
		if !hasInstruction(content, inst) {
			errs = append(errs, fmt.Sprintf("Dockerfile missing required instruction: %s", inst))
		}
	}
	if !hasInstruction(content, "CMD") && !hasInstruction(content, "ENTRYPOINT") {
		errs = append(errs, "Dockerfile missing required instruction: CMD or ENTRYPOINT")
	}

	errs = append(errs, scanForbidden("Dockerfile", content)...)
	errs = append(errs, scanSecrets("Dockerfile", content)...)

	if strings.Contains(content, ":latest") {
		warns = append(warns, "image tag is mutable (:latest) - pin a version")
	}
	if !hasInstruction(content, "HEALTHCHECK") {
		warns = append(warns, "no HEALTHCHECK instruction")
	}
	if !hasInstruction(content, "USER") {
		warns = append(warns, "no USER instruction - container runs as root")
	}
	if !strings.Contains(strings.ToLower(content), " as ") {
		warns = append(warns, "not a multi-stage build")
	}

	return Result{Valid: len(errs) == 0, Errors: errs, Warnings: warns}
}

func hasInstruction(content, inst string) bool {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && strings.EqualFold(fields[0], inst) {
			return true
		}
	}
	return false
}

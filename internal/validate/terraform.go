// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// requiredTerraformFiles must all be present in a generated bundle.
var requiredTerraformFiles = []string{"main.tf", "variables.tf", "outputs.tf", "iam.tf"}

var (
	varDeclPattern  = regexp.MustCompile(`variable\s+"(\w+)"`)
	varRefPattern   = regexp.MustCompile(`\$\{var\.(\w+)\}`)
	regionLiteralRe = regexp.MustCompile(`"(us|eu|ap|sa|ca|me|af)-(east|west|central|north|south|northeast|northwest|southeast|southwest)-\d"`)
)

// Terraform validates a generated infra-code bundle keyed by filename.
func Terraform(files map[string]string) Result {
	var errs, warns []string

	var missing []string
	for _, name := range requiredTerraformFiles {
		if _, ok := files[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Sprintf("Missing required files: %s", strings.Join(missing, ", ")))
	}

	for _, name := range sortedKeys(files) {
		errs = append(errs, scanForbidden(name, files[name])...)
		errs = append(errs, scanSecrets(name, files[name])...)
	}

	errs = append(errs, undefinedVariableRefs(files)...)

	for _, name := range sortedKeys(files) {
		if name == "variables.tf" || name == "backend.tf" {
			continue
		}
		if regionLiteralRe.MatchString(files[name]) {
			warns = append(warns, fmt.Sprintf("%s hardcodes a region string - use var.region", name))
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs, Warnings: warns}
}

// undefinedVariableRefs parses declarations from variables.tf and reports
// ${var.x} references in every other file that have no declaration.
func undefinedVariableRefs(files map[string]string) []string {
	declared := make(map[string]bool)
	for _, m := range varDeclPattern.FindAllStringSubmatch(files["variables.tf"], -1) {
		declared[m[1]] = true
	}
	var errs []string
	for _, name := range sortedKeys(files) {
		if name == "variables.tf" {
			continue
		}
		var undefined []string
		seen := make(map[string]bool)
		for _, m := range varRefPattern.FindAllStringSubmatch(files[name], -1) {
			if !declared[m[1]] && !seen[m[1]] {
				undefined = append(undefined, m[1])
				seen[m[1]] = true
			}
		}
		if len(undefined) > 0 {
			sort.Strings(undefined)
			errs = append(errs, fmt.Sprintf("%s references undefined variables: %s", name, strings.Join(undefined, ", ")))
		}
	}
	return errs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package textwrap

import (
	"strings"
)

// Dedent removes common leading whitespace from each line.
//
// Note: Only tabs and spaces are considered whitespace.
// Note: Blank lines are normalized to a newline character.
func Dedent(text string) string {
	isSpaceOrTab := func(r rune) bool { return r == ' ' || r == '\t' }
	lines := strings.Split(text, "\n")

	var commonIndent string
	var foundIndent bool
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		content := strings.TrimLeftFunc(line, isSpaceOrTab)
		indent := line[:len(line)-len(content)]
		if !foundIndent {
			commonIndent = indent
		} else if strings.HasPrefix(indent, commonIndent) {
			continue
		} else if strings.HasPrefix(commonIndent, indent) {
			commonIndent = indent
		} else {
			for i := range min(len(commonIndent), len(indent)) {
				if commonIndent[i] != indent[i] {
					commonIndent = commonIndent[:i]
					break
				}
			}
		}
		foundIndent = true
	}

	var result []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			result = append(result, "")
		} else {
			result = append(result, strings.TrimPrefix(line, commonIndent))
		}
	}
	return strings.Join(result, "\n")
}

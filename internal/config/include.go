package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// includePattern matches both {{include from <path>}} and
// {{include:<section-key> from <path>}}.
var includePattern = regexp.MustCompile(`\{\{\s*include(?::([a-zA-Z_][a-zA-Z0-9_-]*))?\s+from\s+([^\s}]+)\s*\}\}`)

// sectionKeyPattern extracts one top-level mapping entry "key: ..." (and
// its block) from a YAML fragment, used by {{include:<key> from <path>}}.
var sectionKeyPattern = regexp.MustCompile(`(?m)^([a-zA-Z_][a-zA-Z0-9_-]*):(.*)$`)

type visitedSet map[string]bool

func newVisitedSet() visitedSet { return make(visitedSet) }

// preprocessFile reads path and expands include directives recursively,
// with cycle detection keyed by absolute path (spec.md §9 design notes).
func preprocessFile(path string, visited visitedSet) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if visited[abs] {
		return "", fmt.Errorf("include cycle detected at %s", abs)
	}
	visited[abs] = true
	defer delete(visited, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", abs, err)
	}

	return expandIncludes(string(data), filepath.Dir(abs), visited)
}

// expandIncludes inlines every {{include from <path>}} /
// {{include:<key> from <path>}} directive found in content. Includes are
// resolved relative to baseDir (the directory of the including file) and
// run before YAML parsing, so included fragments may introduce top-level
// keys.
func expandIncludes(content string, baseDir string, visited visitedSet) (string, error) {
	var outerErr error

	result := includePattern.ReplaceAllStringFunc(content, func(match string) string {
		if outerErr != nil {
			return match
		}
		groups := includePattern.FindStringSubmatch(match)
		sectionKey := groups[1]
		relPath := groups[2]

		includePath := relPath
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}

		rendered, err := preprocessFile(includePath, visited)
		if err != nil {
			outerErr = fmt.Errorf("include %q: %w", relPath, err)
			return match
		}

		if sectionKey == "" {
			return rendered
		}

		section, err := extractSection(rendered, sectionKey)
		if err != nil {
			outerErr = fmt.Errorf("include:%s %q: %w", sectionKey, relPath, err)
			return match
		}
		return section
	})

	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

// extractSection pulls the block belonging to a single top-level mapping
// key out of a YAML fragment: the key's own line (value after the colon,
// if inline) plus every subsequent more-indented line, until the next
// top-level key or EOF.
func extractSection(content, key string) (string, error) {
	lines := splitLines(content)
	start := -1
	for i, line := range lines {
		m := sectionKeyPattern.FindStringSubmatch(line)
		if m != nil && m[1] == key {
			start = i
			break
		}
	}
	if start == -1 {
		return "", fmt.Errorf("section %q not found", key)
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if sectionKeyPattern.MatchString(lines[i]) {
			end = i
			break
		}
	}

	// Re-key so the extracted block can be included as a standalone
	// mapping fragment with the same key preserved.
	section := lines[start:end]
	return joinLines(section), nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

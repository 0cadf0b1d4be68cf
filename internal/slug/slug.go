// Package slug implements the path<->slug identity scheme that gives every
// REST endpoint and MCP entity a single canonical, URL-safe name.
package slug

import "strings"

// unsafe reports whether r falls outside [A-Za-z0-9-].
func unsafe(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return false
	case r >= 'a' && r <= 'z':
		return false
	case r >= '0' && r <= '9':
		return false
	case r == '-':
		return false
	default:
		return true
	}
}

// FromPath converts an HTTP path into its canonical slug form.
//
//  1. Empty input -> "empty".
//  2. Strip a leading "/".
//  3. Note and strip a trailing "/".
//  4. Replace internal "/" with "-".
//  5. Replace any character outside [A-Za-z0-9-] with "-".
//  6. Collapse consecutive "-".
//  7. Trim leading/trailing "-".
//  8. If a trailing slash was stripped in step 3, append "-slash".
func FromPath(path string) string {
	if path == "" {
		return "empty"
	}

	s := path
	s = strings.TrimPrefix(s, "/")

	hadTrailingSlash := strings.HasSuffix(s, "/")
	s = strings.TrimSuffix(s, "/")

	s = strings.ReplaceAll(s, "/", "-")
	s = strings.Map(func(r rune) rune {
		if unsafe(r) {
			return '-'
		}
		return r
	}, s)

	s = collapseDashes(s)
	s = strings.Trim(s, "-")

	if s == "" {
		if hadTrailingSlash {
			return "slash"
		}
		return "empty"
	}

	if hadTrailingSlash {
		s += "-slash"
	}
	return s
}

// FromMCPName returns the slug for an MCP-only entity: its mcp_name is
// already URL-safe and is used verbatim.
func FromMCPName(name string) string {
	return name
}

func collapseDashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevDash := false
	for _, r := range s {
		if r == '-' {
			if prevDash {
				continue
			}
			prevDash = true
		} else {
			prevDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

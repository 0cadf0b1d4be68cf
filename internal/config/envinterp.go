package config

import (
	"fmt"
	"os"
	"regexp"
)

// envPattern matches ${VAR} tokens anywhere in the raw YAML text.
var envPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// interpolateEnv replaces every ${VAR} token with the process environment
// value, rejecting any VAR not present in whitelist (spec.md §4.1 invariant
// 5). An undefined but whitelisted variable resolves to empty string.
func interpolateEnv(content string, whitelist map[string]bool) (string, error) {
	var missing string

	result := envPattern.ReplaceAllStringFunc(content, func(match string) string {
		if missing != "" {
			return match
		}
		name := envPattern.FindStringSubmatch(match)[1]
		if !whitelist[name] {
			missing = name
			return match
		}
		return os.Getenv(name)
	})

	if missing != "" {
		return "", fmt.Errorf("environment variable %q is not in environment-whitelist", missing)
	}
	return result, nil
}

// Package env handles the environment variables sent to remote commands.
package env

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var envKeyRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseSpecs parses KEY=VALUE specs, a bare KEY takes its value from the local environment.
func ParseSpecs(specs []string) (map[string]string, error) {
	env := make(map[string]string, len(specs))

	for _, spec := range specs {
		key, value, err := parseSpec(spec)
		if err != nil {
			return nil, err
		}
		env[key] = value
	}

	return env, nil
}

// ValidateSpecs checks the spec syntax without resolving the local environment.
func ValidateSpecs(specs []string) error {
	for _, spec := range specs {
		if spec == "" {
			return fmt.Errorf("environment variable spec cannot be empty")
		}
		key, _, _ := strings.Cut(spec, "=")
		if !envKeyRegexp.MatchString(key) {
			return fmt.Errorf("invalid environment variable key %q", key)
		}
	}
	return nil
}

func parseSpec(spec string) (string, string, error) {
	if err := ValidateSpecs([]string{spec}); err != nil {
		return "", "", err
	}

	if key, value, ok := strings.Cut(spec, "="); ok {
		return key, value, nil
	}

	value, ok := os.LookupEnv(spec)
	if !ok {
		return "", "", fmt.Errorf("environment variable %q is not set", spec)
	}

	return spec, value, nil
}

// WrapCommand prefixes a shell command with the exports of env, keys are sorted
// so the resulting command is stable.
func WrapCommand(command string, env map[string]string) string {
	if len(env) == 0 {
		return command
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("export %s=%s", k, ShellSingleQuote(env[k])))
	}

	return strings.Join(parts, "; ") + "; " + command
}

// ShellSingleQuote quotes s for POSIX shells.
func ShellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		values[key] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseMap reads KEY=VALUE pairs separated by commas.
func parseMap(input string) map[string]string {
	result := make(map[string]string)
	for _, entry := range parseCSV(input) {
		key, val, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		result[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// parseRoutes reads model routing rules separated by commas or newlines,
// using either '=' or '=>':
//
//	gpt-* = openai, claude* = anthropic
//	gpt-*=>openai\nclaude-3-5-sonnet=>anthropic
func parseRoutes(input string) map[string]string {
	routes := make(map[string]string)
	for _, line := range strings.Split(input, "\n") {
		for _, entry := range parseCSV(line) {
			sep := "="
			if strings.Contains(entry, "=>") {
				sep = "=>"
			}
			pattern, target, ok := strings.Cut(entry, sep)
			pattern, target = strings.TrimSpace(pattern), strings.TrimSpace(target)
			if ok && pattern != "" && target != "" {
				routes[pattern] = target
			}
		}
	}
	if len(routes) == 0 {
		return nil
	}
	return routes
}

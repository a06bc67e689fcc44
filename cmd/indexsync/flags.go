package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jamesainslie/indexsync/pkg/daemon/info"
)

// parseGeneration parses a non-negative generation argument.
func parseGeneration(s string) (int64, error) {
	g, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || g < 0 {
		return 0, fmt.Errorf("invalid generation %q", s)
	}
	return g, nil
}

// parseKinds splits a comma-separated list of event kinds and validates each.
func parseKinds(s string) ([]string, error) {
	kinds := parseCommaSeparated(s)
	for _, k := range kinds {
		if _, ok := info.ParseKind(k); !ok {
			return nil, fmt.Errorf("unknown event kind %q", k)
		}
	}
	return kinds, nil
}

// parseCommaSeparated splits a comma-separated string and trims whitespace.
func parseCommaSeparated(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func validatePlanPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("plan file is required")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve plan path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("plan file does not exist: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("plan path %s is a directory", abs)
	}

	return abs, nil
}

// parseSetOverrides turns key=value pairs into a map.
func parseSetOverrides(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q, expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

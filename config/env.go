package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type lookupFunc func(string) (string, bool)

type environ lookupFunc

func (e environ) get(key string) (string, bool) {
	value, ok := e(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (e environ) str(key, defaultValue string) string {
	if value, ok := e.get(key); ok {
		return value
	}
	return defaultValue
}

func (e environ) list(key string, defaultValue []string) []string {
	value, ok := e.get(key)
	if !ok {
		return defaultValue
	}
	return splitCommaSeparated(value)
}

func (e environ) integer(key string, defaultValue int) (int, error) {
	value, ok := e.get(key)
	if !ok {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func (e environ) duration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, ok := e.get(key)
	if !ok {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

func splitCommaSeparated(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadFile overlays the YAML document at path onto cfg. Fields absent from
// the file keep their current values.
func loadFile(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

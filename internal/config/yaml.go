package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLSource is a two-level section/key configuration file. Every getter
// falls back to its default when the section, the key or the file itself is
// missing, so a nil *YAMLSource is valid and always yields defaults.
type YAMLSource struct {
	sections map[string]map[string]any
}

// LoadYAMLSource reads and parses the file at path.
func LoadYAMLSource(path string) (*YAMLSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	src, err := ParseYAMLSource(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return src, nil
}

func ParseYAMLSource(data []byte) (*YAMLSource, error) {
	sections := make(map[string]map[string]any)
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, err
	}
	return &YAMLSource{sections: sections}, nil
}

func (s *YAMLSource) lookup(section, key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	sec, ok := s.sections[section]
	if !ok {
		return nil, false
	}
	v, ok := sec[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (s *YAMLSource) String(section, key, def string) string {
	v, ok := s.lookup(section, key)
	if !ok {
		return def
	}
	return fmt.Sprint(v)
}

func (s *YAMLSource) Int(section, key string, def int) int {
	v, ok := s.lookup(section, key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}

func (s *YAMLSource) Float(section, key string, def float64) float64 {
	v, ok := s.lookup(section, key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	case string:
		if parsed, err := strconv.ParseFloat(n, 64); err == nil {
			return parsed
		}
	}
	return def
}

func (s *YAMLSource) Bool(section, key string, def bool) bool {
	v, ok := s.lookup(section, key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// Duration accepts Go duration strings ("90s") or plain integers as seconds.
func (s *YAMLSource) Duration(section, key string, def time.Duration) time.Duration {
	v, ok := s.lookup(section, key)
	if !ok {
		return def
	}
	switch d := v.(type) {
	case int:
		return time.Duration(d) * time.Second
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed
		}
	}
	return def
}

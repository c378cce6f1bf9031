package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Source is a flat key=value lookup with typed getters.
// Getters for required keys record an error instead of defaulting; call Err after reading.
type Source struct {
	values map[string]string
	errs   []string
}

// ReadFile parses a key=value file. Environment variables override file values.
func ReadFile(path string) (*Source, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return NewSource(values), nil
}

// NewSource wraps an existing key/value map.
func NewSource(values map[string]string) *Source {
	merged := make(map[string]string, len(values))
	for k, v := range values {
		merged[k] = v
	}
	return &Source{values: merged}
}

func (s *Source) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v), true
	}
	v, ok := s.values[key]
	return strings.TrimSpace(v), ok
}

func (s *Source) fail(format string, args ...any) {
	s.errs = append(s.errs, fmt.Sprintf(format, args...))
}

// String returns a required non-empty value.
func (s *Source) String(key string) string {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		s.fail("%s is required", key)
		return ""
	}
	return v
}

// Int returns a required integer value.
func (s *Source) Int(key string) int {
	v := s.String(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.fail("%s must be an integer, got %q", key, v)
		return 0
	}
	return n
}

// Float returns a required float value.
func (s *Source) Float(key string) float64 {
	v := s.String(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.fail("%s must be a number, got %q", key, v)
		return 0
	}
	return f
}

// Bool returns a required boolean value.
func (s *Source) Bool(key string) bool {
	v := s.String(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.fail("%s must be a boolean, got %q", key, v)
		return false
	}
	return b
}

// Duration returns a required duration. Bare integers are seconds.
func (s *Source) Duration(key string) time.Duration {
	v := s.String(key)
	if v == "" {
		return 0
	}
	return s.parseDuration(key, v)
}

// OptionalString returns the value or def when the key is absent or empty.
func (s *Source) OptionalString(key, def string) string {
	if v, ok := s.lookup(key); ok && v != "" {
		return v
	}
	return def
}

// OptionalInt returns the value or def when the key is absent.
func (s *Source) OptionalInt(key string, def int) int {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.fail("%s must be an integer, got %q", key, v)
		return def
	}
	return n
}

// OptionalDuration returns the value or def when the key is absent.
func (s *Source) OptionalDuration(key string, def time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return def
	}
	return s.parseDuration(key, v)
}

func (s *Source) parseDuration(key, v string) time.Duration {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		s.fail("%s must be a positive duration, got %q", key, v)
		return 0
	}
	return d
}

// Err returns every problem recorded by the getters, or nil.
func (s *Source) Err() error {
	if len(s.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation error:\n  - %s", strings.Join(s.errs, "\n  - "))
}

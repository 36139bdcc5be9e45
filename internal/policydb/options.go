package policydb

import (
	"strconv"
	"strings"
)

// Options is the string-keyed option map attached to firewalls and rules at
// the store boundary. The compiler converts it into typed per-kind records;
// nothing past that boundary reads the raw map.
type Options map[string]string

// Bool coerces an option value to a boolean. Absent keys and unrecognized
// values are false. Values written by older frontends ("True"/"False") must
// coerce correctly, so matching is case-insensitive.
func (o Options) Bool(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// String returns the option value or def when the key is absent or empty.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the option value parsed as an integer, or def when the key is
// absent or unparseable.
func (o Options) Int(key string, def int) int {
	v, ok := o[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

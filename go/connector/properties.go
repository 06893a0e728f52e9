package connector

import (
	"fmt"
	"strconv"
	"time"
)

// Properties is the untyped configuration bag of one connector
// descriptor, as deserialized from a channel document. Typed getters
// tolerate JSON's number / string looseness.
type Properties map[string]interface{}

func (p Properties) String(key, fallback string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return fallback
}

func (p Properties) Int(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func (p Properties) Bool(key string, fallback bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func (p Properties) Duration(key string, fallback time.Duration) time.Duration {
	switch v := p[key].(type) {
	case float64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func (p Properties) StringSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []interface{}:
		var out = make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

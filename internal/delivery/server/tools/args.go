package tools

import (
	"strings"

	"foreman/internal/errors"
)

// Args is one decoded invocation payload. Helpers validate shape; value
// rules stay with the core operations.
type Args map[string]any

// String returns a required non-empty string argument.
func (a Args) String(key string) (string, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		return "", errors.Validationf("%s is required", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", errors.Validationf("%s must be a string", key)
	}
	if strings.TrimSpace(s) == "" {
		return "", errors.Validationf("%s must not be empty", key)
	}
	return s, nil
}

// StringOr returns an optional string argument, falling back when the key
// is absent or blank.
func (a Args) StringOr(key, fallback string) (string, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", errors.Validationf("%s must be a string", key)
	}
	if strings.TrimSpace(s) == "" {
		return fallback, nil
	}
	return s, nil
}

// StringMap returns an optional string-to-string object argument.
func (a Args) StringMap(key string) (map[string]string, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch m := raw.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return nil, errors.Validationf("%s.%s must be a string", key, k)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, errors.Validationf("%s must be an object of strings", key)
	}
}

// Map returns an optional free-form object argument.
func (a Args) Map(key string) (map[string]any, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.Validationf("%s must be an object", key)
	}
	return m, nil
}

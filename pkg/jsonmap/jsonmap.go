package jsonmap

import (
	"fmt"

	"gorm.io/datatypes"
)

// FromStringMap converts a string map into a GORM JSON map value.
func FromStringMap(values map[string]string) datatypes.JSONMap {
	if len(values) == 0 {
		return datatypes.JSONMap{}
	}

	out := datatypes.JSONMap{}
	for key, value := range values {
		out[key] = value
	}
	return out
}

// ToStringMap converts a JSON map into a string map.
func ToStringMap(values map[string]any) map[string]string {
	if len(values) == 0 {
		return map[string]string{}
	}

	out := make(map[string]string, len(values))
	for key, value := range values {
		if str, ok := value.(string); ok {
			out[key] = str
			continue
		}
		out[key] = fmt.Sprint(value)
	}
	return out
}

// Merge deep-merges src into a copy of dst. Nested objects are merged key by
// key; any other value in src replaces the value in dst.
func Merge(dst, src map[string]any) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(dst)+len(src))
	for key, value := range dst {
		out[key] = value
	}

	for key, value := range src {
		incoming, ok := asMap(value)
		if !ok {
			out[key] = value
			continue
		}
		existing, ok := asMap(out[key])
		if !ok {
			existing = map[string]any{}
		}
		out[key] = map[string]any(Merge(existing, incoming))
	}

	return out
}

// Object returns the nested object stored under key, or nil.
func Object(values map[string]any, key string) map[string]any {
	if values == nil {
		return nil
	}
	m, _ := asMap(values[key])
	return m
}

func asMap(value any) (map[string]any, bool) {
	switch m := value.(type) {
	case map[string]any:
		return m, true
	case datatypes.JSONMap:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

package room

import (
	"fmt"
	"strconv"
)

// Recognized session configuration keys.
const (
	keyCastMembers   = "cast_members"
	keyUserObjects   = "user_objects"
	keyUserAreas     = "user_areas"
	keySessionLength = "session_length"
)

// defaultFormData returns the configuration a session starts from when
// participants supply nothing.
func defaultFormData() map[string]any {
	return map[string]any{
		keyCastMembers:   []string{"josh", "teb"},
		keyUserObjects:   []string{"table"},
		keyUserAreas:     []string{"studio"},
		keySessionLength: float64(5),
	}
}

// mergeFormData validates src and merges it into dst. Recognized keys
// must carry the right shape; a malformed value rejects the whole merge
// and leaves dst untouched.
func mergeFormData(dst, src map[string]any) error {
	staged := make(map[string]any, len(src))

	for key, value := range src {
		switch key {
		case keyCastMembers, keyUserObjects, keyUserAreas:
			list, ok := normalizeStringList(value)
			if !ok {
				return fmt.Errorf("form field %s must be a list of strings", key)
			}
			staged[key] = list
		case keySessionLength:
			n, ok := normalizeNumber(value)
			if !ok || n <= 0 {
				return fmt.Errorf("form field %s must be a positive number", key)
			}
			staged[key] = n
		default:
			// Unrecognized keys pass through untouched.
			staged[key] = value
		}
	}

	for key, value := range staged {
		dst[key] = value
	}
	return nil
}

// normalizeStringList accepts []string or a JSON-decoded []any of strings.
func normalizeStringList(v any) ([]string, bool) {
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...), true
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// normalizeNumber accepts numeric types and numeric strings.
func normalizeNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// stringList reads a list-valued form field, empty when absent.
func stringList(formData map[string]any, key string) []string {
	if list, ok := formData[key].([]string); ok {
		return list
	}
	return nil
}

// numberField reads a numeric form field, zero when absent.
func numberField(formData map[string]any, key string) float64 {
	if n, ok := formData[key].(float64); ok {
		return n
	}
	return 0
}

// formatNumber renders a number the way rules expect, without a trailing
// decimal point for whole values.
func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

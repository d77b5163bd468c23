package validation

import (
	"fmt"
	"strings"
	"time"
)

// Coercion helpers isolate the rest of the package from the untyped record
// maps the decoders produce. CSV rows carry strings only; JSON rows may carry
// bools, numbers, strings, lists.

// stringValue returns the value as a trimmed string.
// ok is false when the key is absent, nil, or not a scalar.
func stringValue(fields map[string]any, key string) (string, bool) {
	v, present := fields[key]
	if !present || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s), true
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%v", s)), true
	case bool:
		return fmt.Sprintf("%t", s), true
	}
	return "", false
}

// rawString renders any value for inclusion in an error report.
func rawString(fields map[string]any, key string) string {
	v, present := fields[key]
	if !present || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// boolValue coerces the accepted boolean spellings:
// true, false, "true", "false", "1", "0", "yes", "no", 1, 0.
func boolValue(fields map[string]any, key string) (val bool, present bool, ok bool) {
	v, found := fields[key]
	if !found || v == nil {
		return false, false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true, true
	case float64:
		if b == 1 {
			return true, true, true
		}
		if b == 0 {
			return false, true, true
		}
		return false, true, false
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes":
			return true, true, true
		case "false", "0", "no":
			return false, true, true
		}
		return false, true, false
	}
	return false, true, false
}

// stringSliceValue coerces a JSON list of strings. CSV inputs may carry a
// comma-separated cell.
func stringSliceValue(fields map[string]any, key string) (out []string, present bool, ok bool) {
	v, found := fields[key]
	if !found || v == nil {
		return nil, false, false
	}
	switch list := v.(type) {
	case []any:
		out = make([]string, 0, len(list))
		for _, item := range list {
			s, isStr := item.(string)
			if !isStr {
				return nil, true, false
			}
			out = append(out, s)
		}
		return out, true, true
	case []string:
		return list, true, true
	case string:
		if strings.TrimSpace(list) == "" {
			return nil, true, true
		}
		return strings.Split(list, ","), true, true
	}
	return nil, true, false
}

// timeValue parses an optional ISO-8601 timestamp field.
func timeValue(fields map[string]any, key string) (t time.Time, present bool, ok bool) {
	s, found := stringValue(fields, key)
	if !found || s == "" {
		return time.Time{}, false, false
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, true, false
	}
	return parsed, true, true
}

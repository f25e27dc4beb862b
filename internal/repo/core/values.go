package core

import (
	"strconv"
	"time"
)

// Values expands a property value into its individual values.
// A nil value expands to nothing, a single value to a one element slice.
func Values(v any) []any {
	switch vv := v.(type) {
	case nil:
		return nil
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// IsMultiValued reports whether v holds more than a single value slot
func IsMultiValued(v any) bool {
	switch v.(type) {
	case []any, []string:
		return true
	}
	return false
}

// ValueString renders a single property value as text
func ValueString(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case bool:
		return strconv.FormatBool(vv)
	case int:
		return strconv.Itoa(vv)
	case int32:
		return strconv.FormatInt(int64(vv), 10)
	case int64:
		return strconv.FormatInt(vv, 10)
	case float32:
		return strconv.FormatFloat(float64(vv), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(vv, 'g', -1, 64)
	case time.Time:
		return vv.UTC().Format(time.RFC3339Nano)
	case NodeRef:
		return vv.String()
	case QName:
		return vv.String()
	case ContentData:
		return vv.String()
	case interface{ String() string }:
		return vv.String()
	default:
		return ""
	}
}

// CloneProperties returns a shallow copy of a property map with
// multi-valued slices copied
func CloneProperties(props map[QName]any) map[QName]any {
	out := make(map[QName]any, len(props))
	for k, v := range props {
		if vs, ok := v.([]any); ok {
			cp := make([]any, len(vs))
			copy(cp, vs)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

// typedValue is the persisted form of a property value. The tag keeps the
// Go type so values read back from SQLite or Neo4j match what was written.
type typedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

func encodeValue(v any) (string, error) {
	tv, err := toTyped(normalizeValue(v))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(tv)
	if err != nil {
		return "", fmt.Errorf("encoding property value: %w", err)
	}
	return string(b), nil
}

func decodeValue(s string) (any, error) {
	var tv typedValue
	if err := json.Unmarshal([]byte(s), &tv); err != nil {
		return nil, fmt.Errorf("decoding property value: %w", err)
	}
	return fromTyped(tv)
}

func toTyped(v any) (typedValue, error) {
	var tag string
	var payload any = v
	switch vv := v.(type) {
	case nil:
		return typedValue{T: "nil"}, nil
	case string:
		tag = "s"
	case bool:
		tag = "b"
	case int32:
		tag = "i32"
	case int64:
		tag = "i64"
	case float32:
		tag = "f32"
	case float64:
		tag = "f64"
	case time.Time:
		tag, payload = "t", vv.UTC().Format(time.RFC3339Nano)
	case core.NodeRef:
		tag, payload = "ref", vv.String()
	case core.QName:
		tag, payload = "qn", vv.String()
	case core.ContentData:
		tag = "cd"
	case []any:
		list := make([]typedValue, len(vv))
		for i, e := range vv {
			tv, err := toTyped(e)
			if err != nil {
				return typedValue{}, err
			}
			list[i] = tv
		}
		tag, payload = "l", list
	default:
		tag, payload = "s", core.ValueString(v)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return typedValue{}, fmt.Errorf("encoding property value: %w", err)
	}
	return typedValue{T: tag, V: raw}, nil
}

func fromTyped(tv typedValue) (any, error) {
	switch tv.T {
	case "nil":
		return nil, nil
	case "s":
		return decodeAs[string](tv.V)
	case "b":
		return decodeAs[bool](tv.V)
	case "i32":
		return decodeAs[int32](tv.V)
	case "i64":
		return decodeAs[int64](tv.V)
	case "f32":
		return decodeAs[float32](tv.V)
	case "f64":
		return decodeAs[float64](tv.V)
	case "t":
		s, err := decodeAs[string](tv.V)
		if err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case "ref":
		s, err := decodeAs[string](tv.V)
		if err != nil {
			return nil, err
		}
		return core.ParseNodeRef(s)
	case "qn":
		s, err := decodeAs[string](tv.V)
		if err != nil {
			return nil, err
		}
		return core.ParseQName(s)
	case "cd":
		return decodeAs[core.ContentData](tv.V)
	case "l":
		list, err := decodeAs[[]typedValue](tv.V)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(list))
		for i, e := range list {
			if out[i], err = fromTyped(e); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("decoding property value: unknown tag %q", tv.T)
}

func decodeAs[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding property value: %w", err)
	}
	return v, nil
}

// encodeProperties encodes a property map keyed by {uri}local names
func encodeProperties(props map[core.QName]any) (string, error) {
	out := make(map[string]json.RawMessage, len(props))
	for k, v := range props {
		enc, err := encodeValue(v)
		if err != nil {
			return "", err
		}
		out[k.String()] = json.RawMessage(enc)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encoding properties: %w", err)
	}
	return string(b), nil
}

func decodeProperties(s string) (map[core.QName]any, error) {
	props := make(map[core.QName]any)
	if s == "" {
		return props, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decoding properties: %w", err)
	}
	for k, v := range raw {
		name, err := core.ParseQName(k)
		if err != nil {
			return nil, err
		}
		if props[name], err = decodeValue(string(v)); err != nil {
			return nil, err
		}
	}
	return props, nil
}

// indexTexts is the text a property value contributes to the full-text
// index, one entry per value
func indexTexts(v any) []string {
	var texts []string
	for _, e := range core.Values(v) {
		if text := core.ValueString(e); text != "" {
			texts = append(texts, text)
		}
	}
	return texts
}

package dictionary

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Convert parses text into the native value of dataType
func (d *Dictionary) Convert(dataType core.QName, text string) (any, error) {
	t, ok := d.DataType(dataType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataType, dataType)
	}
	v, err := convertKind(t.Kind, text, d.resolver)
	if err != nil {
		return nil, fmt.Errorf("%w: %q as %s: %v", ErrConversion, text, dataType, err)
	}
	return v, nil
}

// ConvertProperty converts v to the data type declared for the property
// name. Lists are converted item by item. Values of undeclared properties
// are returned unchanged.
func ConvertProperty(svc Service, name core.QName, v any) (any, error) {
	def, ok := svc.Property(name)
	if !ok || v == nil {
		return v, nil
	}
	switch vv := v.(type) {
	case []any:
		out := make([]any, 0, len(vv))
		for _, item := range vv {
			c, err := ConvertProperty(svc, name, item)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	case []string:
		out := make([]any, 0, len(vv))
		for _, item := range vv {
			c, err := svc.Convert(def.DataType, item)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	case time.Time:
		return svc.Convert(def.DataType, vv.Format(time.RFC3339Nano))
	case float64:
		return svc.Convert(def.DataType, strconv.FormatFloat(vv, 'f', -1, 64))
	}
	return svc.Convert(def.DataType, fmt.Sprint(v))
}

func convertKind(kind, text string, resolver namespace.Resolver) (any, error) {
	switch kind {
	case "any", "string":
		return text, nil
	case "int32":
		v, err := strconv.ParseInt(strings.TrimSpace(text), 10, 32)
		return int32(v), err
	case "int64":
		return strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	case "float32":
		v, err := strconv.ParseFloat(strings.TrimSpace(text), 32)
		return float32(v), err
	case "float64":
		return strconv.ParseFloat(strings.TrimSpace(text), 64)
	case "bool":
		switch strings.ToLower(strings.TrimSpace(text)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("not a boolean")
	case "time":
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, strings.TrimSpace(text)); err == nil {
				return ts, nil
			}
		}
		return nil, fmt.Errorf("not a date")
	case "qname":
		return namespace.ParseQName(strings.TrimSpace(text), resolver)
	case "noderef":
		return core.ParseNodeRef(strings.TrimSpace(text))
	case "content":
		return parseContentData(text), nil
	}
	return nil, fmt.Errorf("unsupported kind %s", kind)
}

// parseContentData reads the contentUrl=..|mimetype=.. form; anything else
// is taken as a content URL
func parseContentData(text string) core.ContentData {
	if !strings.Contains(text, "=") {
		return core.ContentData{URL: text}
	}
	var cd core.ContentData
	for _, part := range strings.Split(text, "|") {
		k, v, _ := strings.Cut(part, "=")
		switch k {
		case "contentUrl":
			cd.URL = v
		case "mimetype":
			cd.MimeType = v
		case "size":
			cd.Size, _ = strconv.ParseInt(v, 10, 64)
		case "encoding":
			cd.Encoding = v
		}
	}
	return cd
}

package models

import (
	"database/sql/driver"
	"encoding/json"
)

// StringList is an ordered list of strings stored as a JSON array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal([]string(l))
	return string(b), err
}

func (l *StringList) Scan(src any) error {
	b, err := columnBytes(src)
	if err != nil || b == nil {
		*l = nil
		return err
	}
	return json.Unmarshal(b, (*[]string)(l))
}

// Fields is a key/value mapping stored as a JSON object. Keys are
// serialized in sorted order.
type Fields map[string]any

func (f Fields) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(f))
	return string(b), err
}

func (f *Fields) Scan(src any) error {
	b, err := columnBytes(src)
	if err != nil || b == nil {
		*f = nil
		return err
	}
	return json.Unmarshal(b, (*map[string]any)(f))
}

// Clone returns a copy that shares no backing array with l.
func (l StringList) Clone() StringList {
	if l == nil {
		return nil
	}
	return append(StringList(nil), l...)
}

// Clone returns a deep copy of f. Nested maps and slices are copied too.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case Fields:
		return v.Clone()
	case map[string]any:
		return map[string]any(Fields(v).Clone())
	case StringList:
		return v.Clone()
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

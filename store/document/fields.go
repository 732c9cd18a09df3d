package document

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Fields holds document data in its canonical JSON shape: maps, slices of
// any, strings, float64 numbers, bools and nil.
type Fields map[string]any

// Encode converts a tagged struct (or map) into canonical Fields.
func Encode(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	var fields Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	if fields == nil {
		fields = Fields{}
	}
	return fields, nil
}

// Decode unmarshals the fields into v.
func (f Fields) Decode(v any) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("decode fields: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode fields: %w", err)
	}
	return nil
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// String returns a string field or "" when missing.
func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

// Bool returns a bool field or false when missing.
func (f Fields) Bool(name string) bool {
	b, _ := f[name].(bool)
	return b
}

// Int64 returns a numeric field truncated to int64.
func (f Fields) Int64(name string) int64 {
	switch n := f[name].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// Strings returns the string members of an array field.
func (f Fields) Strings(name string) []string {
	items, _ := f[name].([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// FieldOp is a merge operator applied to the current value of a field.
type FieldOp interface {
	Apply(current any) any
}

type arrayUnion struct{ values []any }

// ArrayUnion adds each value to an array field unless already present.
func ArrayUnion(values ...any) FieldOp {
	return arrayUnion{values: canonicalSlice(values)}
}

func (op arrayUnion) Apply(current any) any {
	items := asArray(current)
	for _, v := range op.values {
		if indexOf(items, v) < 0 {
			items = append(items, v)
		}
	}
	return items
}

type arrayRemove struct{ values []any }

// ArrayRemove removes every occurrence of each value from an array field.
func ArrayRemove(values ...any) FieldOp {
	return arrayRemove{values: canonicalSlice(values)}
}

func (op arrayRemove) Apply(current any) any {
	items := asArray(current)
	out := items[:0]
	for _, item := range items {
		if indexOf(op.values, item) < 0 {
			out = append(out, item)
		}
	}
	return out
}

// ApplyPatch merges patch into a copy of current and returns the result.
// Plain values replace the field, FieldOps transform it.
func ApplyPatch(current, patch Fields) (Fields, error) {
	out := current.Clone()
	for name, value := range patch {
		if op, ok := value.(FieldOp); ok {
			out[name] = op.Apply(out[name])
			continue
		}
		canonical, err := canonicalValue(value)
		if err != nil {
			return nil, fmt.Errorf("patch field %q: %w", name, err)
		}
		out[name] = canonical
	}
	return out, nil
}

// Canonical converts arbitrary Go values to their canonical JSON shape.
func Canonical(fields Fields) (Fields, error) {
	return ApplyPatch(Fields{}, fields)
}

func canonicalValue(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func canonicalSlice(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		c, err := canonicalValue(v)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func asArray(v any) []any {
	items, ok := v.([]any)
	if !ok {
		return []any{}
	}
	out := make([]any, len(items))
	copy(out, items)
	return out
}

func indexOf(items []any, v any) int {
	for i, item := range items {
		if reflect.DeepEqual(item, v) {
			return i
		}
	}
	return -1
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	case Fields:
		return t.Clone()
	}
	return v
}

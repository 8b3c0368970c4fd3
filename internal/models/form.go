package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrFieldMissing = errors.New("form field is missing")
	ErrFieldType    = errors.New("form field has unexpected type")
)

// StatesForm is the ordered per-conversation data bag filled in across the
// steps of a flow. Values are string, int64, float64 or bool.
type StatesForm struct {
	keys   []string
	values map[string]any
}

func NewStatesForm() *StatesForm {
	return &StatesForm{values: make(map[string]any)}
}

// normalize maps accepted Go scalars onto the four stored kinds.
func normalize(value any) (any, error) {
	switch v := value.(type) {
	case string, int64, bool:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		return finite(v)
	case float32:
		return finite(float64(v))
	default:
		return nil, fmt.Errorf("%w: %T", ErrFieldType, value)
	}
}

func finite(v float64) (any, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: %v is not a finite number", ErrFieldType, v)
	}
	return v, nil
}

func (f *StatesForm) Get(field string) (any, bool) {
	if f == nil {
		return nil, false
	}
	v, ok := f.values[field]
	return v, ok
}

func (f *StatesForm) Has(field string) bool {
	_, ok := f.Get(field)
	return ok
}

// Set stores value under field, keeping the original position of an existing field.
func (f *StatesForm) Set(field string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("set %q: %w", field, err)
	}
	if f.values == nil {
		f.values = make(map[string]any)
	}
	if _, exists := f.values[field]; !exists {
		f.keys = append(f.keys, field)
	}
	f.values[field] = v
	return nil
}

func (f *StatesForm) Delete(field string) {
	if f == nil {
		return
	}
	if _, ok := f.values[field]; !ok {
		return
	}
	delete(f.values, field)
	for i, k := range f.keys {
		if k == field {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			break
		}
	}
}

func (f *StatesForm) Len() int {
	if f == nil {
		return 0
	}
	return len(f.keys)
}

// Fields returns field names in insertion order.
func (f *StatesForm) Fields() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.keys...)
}

func (f *StatesForm) Clear() {
	f.keys = nil
	f.values = make(map[string]any)
}

func (f *StatesForm) Clone() *StatesForm {
	out := NewStatesForm()
	if f == nil {
		return out
	}
	out.keys = append(out.keys, f.keys...)
	for k, v := range f.values {
		out.values[k] = v
	}
	return out
}

// Merge returns a new form holding the receiver's fields followed by the
// fields only present in other. Values from other win on conflicts.
func (f *StatesForm) Merge(other *StatesForm) *StatesForm {
	out := f.Clone()
	if other == nil {
		return out
	}
	for _, k := range other.keys {
		if _, exists := out.values[k]; !exists {
			out.keys = append(out.keys, k)
		}
		out.values[k] = other.values[k]
	}
	return out
}

// Map returns a copy of the form as a plain map.
func (f *StatesForm) Map() map[string]any {
	out := make(map[string]any, f.Len())
	if f == nil {
		return out
	}
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

func (f *StatesForm) String(field string) (string, error) {
	v, ok := f.Get(field)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrFieldMissing, field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q is %T, want string", ErrFieldType, field, v)
	}
	return s, nil
}

func (f *StatesForm) Int64(field string) (int64, error) {
	v, ok := f.Get(field)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrFieldMissing, field)
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: %q is %T, want int64", ErrFieldType, field, v)
	}
	return n, nil
}

func (f *StatesForm) Float64(field string) (float64, error) {
	v, ok := f.Get(field)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrFieldMissing, field)
	}
	n, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %q is %T, want float64", ErrFieldType, field, v)
	}
	return n, nil
}

func (f *StatesForm) Bool(field string) (bool, error) {
	v, ok := f.Get(field)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrFieldMissing, field)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q is %T, want bool", ErrFieldType, field, v)
	}
	return b, nil
}

// MarshalJSON writes the form as a JSON object in field order.
func (f *StatesForm) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if f != nil {
		for i, k := range f.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := marshalValue(f.values[k])
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalValue writes float64 values with a fraction or exponent so they
// decode back as float64, not int64.
func marshalValue(v any) ([]byte, error) {
	x, ok := v.(float64)
	if !ok {
		return json.Marshal(v)
	}
	s := strconv.FormatFloat(x, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s), nil
}

// UnmarshalJSON reads a flat JSON object, keeping field order. Numbers written
// with a fraction or exponent decode as float64, all others as int64.
func (f *StatesForm) UnmarshalJSON(data []byte) error {
	f.Clear()
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode form: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode form: expected object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode form: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode form: unexpected key %v", keyTok)
		}

		valTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode form field %q: %w", key, err)
		}

		var value any
		switch v := valTok.(type) {
		case string, bool:
			value = v
		case json.Number:
			n, err := decodeNumber(v)
			if err != nil {
				return fmt.Errorf("decode form field %q: %w", key, err)
			}
			value = n
		default:
			return fmt.Errorf("decode form field %q: %w: %v", key, ErrFieldType, valTok)
		}

		if err := f.Set(key, value); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode form: %w", err)
	}
	return nil
}

func decodeNumber(n json.Number) (any, error) {
	if strings.ContainsAny(n.String(), ".eE") {
		return n.Float64()
	}
	return n.Int64()
}

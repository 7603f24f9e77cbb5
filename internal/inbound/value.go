// Package inbound turns raw inbound message payloads into self-contained
// events: media discovery and caching, quote unwrapping, mention extraction
// and a readable fallback text.
package inbound

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind tags a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// maxParseDepth bounds container nesting accepted by Parse.
const maxParseDepth = 64

var errTooDeep = errors.New("json nesting too deep")

// Member is one key of an object, in document order.
type Member struct {
	Key   string
	Value Value
}

// Value is a parsed JSON value. The zero Value is null.
type Value struct {
	kind    Kind
	b       bool
	num     json.Number
	str     string
	items   []Value
	members []Member
}

// String and Number build scalar values, mostly for tests.
func String(s string) Value { return Value{kind: KindString, str: s} }

func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }

// Parse decodes one JSON document.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := parseValue(dec, 0)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, fmt.Errorf("trailing data after json value")
	}
	return v, nil
}

func parseValue(dec *json.Decoder, depth int) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return Value{kind: KindBool, b: t}, nil
	case json.Number:
		return Value{kind: KindNumber, num: t}, nil
	case string:
		return Value{kind: KindString, str: t}, nil
	case json.Delim:
		if depth >= maxParseDepth {
			return Value{}, errTooDeep
		}
		switch t {
		case '[':
			v := Value{kind: KindArray}
			for dec.More() {
				item, err := parseValue(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				v.items = append(v.items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return v, nil
		case '{':
			v := Value{kind: KindObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, _ := keyTok.(string)
				item, err := parseValue(dec, depth+1)
				if err != nil {
					return Value{}, err
				}
				v.members = append(v.members, Member{Key: key, Value: item})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return v, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected json token %v", tok)
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) IsObject() bool { return v.kind == KindObject }

func (v Value) IsArray() bool { return v.kind == KindArray }

// Str returns the string payload.
func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindString
}

// Bool returns the boolean payload.
func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Int returns the value as an integer. Numeric strings are accepted since
// payloads often carry ids and sizes as strings.
func (v Value) Int() (int64, bool) {
	var s string
	switch v.kind {
	case KindNumber:
		s = v.num.String()
	case KindString:
		s = strings.TrimSpace(v.str)
	default:
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
		return int64(f), true
	}
	return 0, false
}

// Text renders scalars as strings: strings as-is, numbers in their source
// form, booleans as true/false. Containers and null yield "".
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num.String()
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Get returns the first member named key.
func (v Value) Get(key string) (Value, bool) {
	for _, m := range v.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// First returns the first present, non-null member among keys.
func (v Value) First(keys ...string) (Value, bool) {
	for _, k := range keys {
		if x, ok := v.Get(k); ok && !x.IsNull() {
			return x, true
		}
	}
	return Value{}, false
}

// FirstText returns the first non-empty scalar text among keys.
func (v Value) FirstText(keys ...string) string {
	for _, k := range keys {
		if x, ok := v.Get(k); ok {
			if s := strings.TrimSpace(x.Text()); s != "" {
				return s
			}
		}
	}
	return ""
}

func (v Value) Members() []Member { return v.members }

func (v Value) Items() []Value { return v.items }

func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.items)
	case KindObject:
		return len(v.members)
	case KindString:
		return len(v.str)
	}
	return 0
}

// MarshalJSON re-encodes the value, preserving member order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		buf.WriteString(v.num.String())
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, m := range v.members {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(m.Key)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := m.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// looksStructured reports whether s is plausibly a serialized object or array.
func looksStructured(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return false
	}
	return (s[0] == '{' && s[len(s)-1] == '}') || (s[0] == '[' && s[len(s)-1] == ']')
}

// Unwrap replaces a string holding serialized JSON with the parsed value,
// repeatedly, at most depth times. Anything else is returned unchanged.
func Unwrap(v Value, depth int) Value {
	for range depth {
		s, ok := v.Str()
		if !ok || !looksStructured(s) {
			return v
		}
		parsed, err := Parse([]byte(s))
		if err != nil {
			return v
		}
		v = parsed
	}
	return v
}

// IsStructuredText reports whether s is serialized JSON rather than prose.
func IsStructuredText(s string) bool {
	if !looksStructured(s) {
		return false
	}
	_, err := Parse([]byte(s))
	return err == nil
}

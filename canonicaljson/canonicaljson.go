// Package canonicaljson implements the deterministic JSON encoding used for event hashes and signatures.
//
// Object keys are sorted by their UTF-16 code units, no insignificant whitespace is emitted,
// strings use minimal escaping with non-ASCII characters passed through as UTF-8, and numbers
// must be integers.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"unicode/utf16"
)

// MaxSafeInteger is the largest integer that can be represented exactly by every JSON implementation.
const MaxSafeInteger = 1<<53 - 1

var ErrFloatValue = errors.New("non-integer numbers are not allowed in canonical JSON")

// Marshal encodes the given value as canonical JSON. The value is first encoded with encoding/json,
// so struct tags and custom marshalers are respected.
func Marshal(v any) ([]byte, error) {
	switch typed := v.(type) {
	case json.RawMessage:
		return Canonicalize(typed)
	case []byte:
		return Canonicalize(typed)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return Canonicalize(data)
}

// Canonicalize re-encodes arbitrary JSON data in canonical form.
func Canonicalize(data []byte) ([]byte, error) {
	val, err := Decode(data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(data))
	if err = encodeValue(&buf, val); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses JSON into generic values (map[string]any, []any, string, json.Number, bool, nil)
// without losing integer precision.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var val any
	if err := dec.Decode(&val); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to parse JSON: trailing data after value")
	}
	return val, nil
}

// SortedKeys returns the keys of the map in canonical order.
func SortedKeys[T any](obj map[string]T) []string {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, CompareKeys)
	return keys
}

// CompareKeys compares two strings by their UTF-16 code units.
func CompareKeys(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < min(len(a16), len(b16)); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeString(buf, val)
	case json.Number:
		return encodeNumber(buf, val)
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		return encodeNumber(buf, json.Number(strconv.FormatFloat(val, 'f', -1, 64)))
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, item); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		buf.WriteByte('{')
		for i, key := range SortedKeys(val) {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, key)
			buf.WriteByte(':')
			if err := encodeValue(buf, val[key]); err != nil {
				return fmt.Errorf("[%q]: %w", key, err)
			}
		}
		buf.WriteByte('}')
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("unsupported value of type %T: %w", v, err)
		}
		generic, err := Decode(data)
		if err != nil {
			return err
		}
		return encodeValue(buf, generic)
	}
	return nil
}

func encodeNumber(buf *bytes.Buffer, num json.Number) error {
	if intVal, err := num.Int64(); err == nil {
		if intVal > MaxSafeInteger || intVal < -MaxSafeInteger {
			return fmt.Errorf("integer %d out of range", intVal)
		}
		buf.WriteString(strconv.FormatInt(intVal, 10))
		return nil
	}
	floatVal, err := num.Float64()
	if err != nil || floatVal != math.Trunc(floatVal) || math.Abs(floatVal) > MaxSafeInteger {
		return fmt.Errorf("%w: %s", ErrFloatValue, num)
	}
	buf.WriteString(strconv.FormatInt(int64(floatVal), 10))
	return nil
}

const hexDigits = "0123456789abcdef"

func encodeString(buf *bytes.Buffer, str string) {
	buf.WriteByte('"')
	for _, r := range str {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

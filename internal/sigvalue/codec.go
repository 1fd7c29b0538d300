package sigvalue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"
)

var ErrTrailingData = errors.New("sigvalue: trailing data after JSON value")

// Parse decodes one JSON document, preserving object field order and the
// literal text of numbers.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrTrailingData
	}
	return v, nil
}

// ParseRecord decodes a document that must be a JSON object.
func ParseRecord(data []byte) (Record, error) {
	v, err := Parse(data)
	if err != nil {
		return Record{}, err
	}
	rec, ok := v.(Record)
	if !ok {
		return Record{}, fmt.Errorf("sigvalue: expected object, got %s", v.Kind())
	}
	return rec, nil
}

// FromGo converts any encoding/json-marshalable value. Struct fields keep
// their declaration order.
func FromGo(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Decode unmarshals a Value into a Go value.
func Decode(v Value, out any) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			var rec Record
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("sigvalue: unexpected object key %v", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				if rec.Has(key) {
					rec = rec.Set(key, val)
				} else {
					rec.fields = append(rec.fields, Field{Key: key, Value: val})
				}
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return rec, nil
		case '[':
			seq := Sequence{}
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				seq = append(seq, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return seq, nil
		default:
			return nil, fmt.Errorf("sigvalue: unexpected delimiter %q", t)
		}
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(string(t)), nil
	case string:
		return String(t), nil
	default:
		return nil, fmt.Errorf("sigvalue: unexpected token %T", tok)
	}
}

// Marshal encodes v as compact JSON without HTML escaping.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalIndent encodes v with indentation, keeping field order.
func MarshalIndent(v Value, prefix, indent string) ([]byte, error) {
	compact, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, prefix, indent); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (s Scalar) MarshalJSON() ([]byte, error) { return Marshal(s) }
func (q Sequence) MarshalJSON() ([]byte, error) { return Marshal(q) }
func (r Record) MarshalJSON() ([]byte, error) { return Marshal(r) }

func appendValue(buf *bytes.Buffer, v Value) error {
	switch x := v.(type) {
	case Scalar:
		switch p := x.v.(type) {
		case nil:
			buf.WriteString("null")
		case bool:
			buf.WriteString(strconv.FormatBool(p))
		case json.Number:
			if p == "" {
				buf.WriteString("0")
			} else {
				buf.WriteString(string(p))
			}
		case string:
			appendString(buf, p)
		default:
			return fmt.Errorf("sigvalue: unsupported scalar %T", p)
		}
	case Sequence:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Record:
		buf.WriteByte('{')
		for i, f := range x.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendString(buf, f.Key)
			buf.WriteByte(':')
			if err := appendValue(buf, f.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("sigvalue: unsupported value %T", v)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

func appendString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"', '\\':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			default:
				if c < 0x20 {
					buf.WriteString(`\u00`)
					buf.WriteByte(hexDigits[c>>4])
					buf.WriteByte(hexDigits[c&0xf])
				} else {
					buf.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			buf.WriteString(`\ufffd`)
		case r == '\u2028' || r == '\u2029':
			buf.WriteString(`\u202`)
			buf.WriteByte(hexDigits[r&0xf])
		default:
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}

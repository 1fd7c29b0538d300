// Package sigvalue models JSON documents as a tagged variant of Scalar,
// Sequence and Record. Records keep the field order of their source so that
// anything walking them (splitting, packing, merging) is deterministic.
//
// Values are treated as immutable: every "mutating" helper on Record returns
// a new Record and leaves the receiver untouched.
package sigvalue

import (
	"encoding/json"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindScalar Kind = iota + 1
	KindSequence
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindSequence:
		return "sequence"
	case KindRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Value is one of Scalar, Sequence or Record.
type Value interface {
	Kind() Kind
	json.Marshaler
	isValue()
}

// Scalar holds a JSON null, bool, number (kept as its literal text) or string.
type Scalar struct {
	v any
}

func Null() Scalar { return Scalar{} }
func String(s string) Scalar { return Scalar{v: s} }
func Bool(b bool) Scalar { return Scalar{v: b} }
func Number(lit string) Scalar { return Scalar{v: json.Number(lit)} }
func Int(i int) Scalar { return Scalar{v: json.Number(strconv.Itoa(i))} }
func (Scalar) Kind() Kind { return KindScalar }
func (Scalar) isValue() {}
func (s Scalar) IsNull() bool { return s.v == nil }
func (s Scalar) Interface() any { return s.v }

// Str returns the string payload, if the scalar is a string.
func (s Scalar) Str() (string, bool) {
	str, ok := s.v.(string)
	return str, ok
}

// IntValue returns the numeric payload as an int when it is integral.
func (s Scalar) IntValue() (int, bool) {
	n, ok := s.v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(string(n))
	if err != nil {
		return 0, false
	}
	return i, true
}

// Sequence is an ordered JSON array.
type Sequence []Value

func (Sequence) Kind() Kind { return KindSequence }
func (Sequence) isValue() {}

// Field is one key/value pair of a Record.
type Field struct {
	Key   string
	Value Value
}

// Record is a JSON object whose fields keep their source order.
type Record struct {
	fields []Field
}

func (Record) Kind() Kind { return KindRecord }
func (Record) isValue() {}

// NewRecord builds a record from fields. A repeated key keeps the position of
// its first occurrence and the value of its last.
func NewRecord(fields ...Field) Record {
	r := Record{}
	for _, f := range fields {
		r = r.Set(f.Key, f.Value)
	}
	return r
}

// Len reports the number of fields.
func (r Record) Len() int { return len(r.fields) }

// Fields returns the ordered fields. Callers must not modify the slice.
func (r Record) Fields() []Field { return r.fields }

// Keys returns the field names in order.
func (r Record) Keys() []string {
	out := make([]string, len(r.fields))
	for i, f := range r.fields {
		out[i] = f.Key
	}
	return out
}

func (r Record) index(key string) int {
	for i, f := range r.fields {
		if f.Key == key {
			return i
		}
	}
	return -1
}

// Get returns the value stored under key.
func (r Record) Get(key string) (Value, bool) {
	if i := r.index(key); i >= 0 {
		return r.fields[i].Value, true
	}
	return nil, false
}

// Has reports whether key is present.
func (r Record) Has(key string) bool { return r.index(key) >= 0 }

// GetString returns the string stored under key, if any.
func (r Record) GetString(key string) (string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(Scalar)
	if !ok {
		return "", false
	}
	return s.Str()
}

// GetSequence returns the sequence stored under key, if any.
func (r Record) GetSequence(key string) (Sequence, bool) {
	v, ok := r.Get(key)
	if !ok {
		return nil, false
	}
	seq, ok := v.(Sequence)
	return seq, ok
}

// GetRecord returns the record stored under key, if any.
func (r Record) GetRecord(key string) (Record, bool) {
	v, ok := r.Get(key)
	if !ok {
		return Record{}, false
	}
	rec, ok := v.(Record)
	return rec, ok
}

// Name returns the identity key ("name") of the record.
func (r Record) Name() (string, bool) {
	name, ok := r.GetString("name")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// Set returns a copy with key bound to v. An existing key keeps its position.
func (r Record) Set(key string, v Value) Record {
	out := make([]Field, len(r.fields), len(r.fields)+1)
	copy(out, r.fields)
	if i := r.index(key); i >= 0 {
		out[i] = Field{Key: key, Value: v}
		return Record{fields: out}
	}
	return Record{fields: append(out, Field{Key: key, Value: v})}
}

// InsertAfter returns a copy with key bound to v placed right after the field
// named after. When after is absent the field is prepended; when key already
// exists it is replaced in place.
func (r Record) InsertAfter(after, key string, v Value) Record {
	if r.Has(key) {
		return r.Set(key, v)
	}
	pos := r.index(after) + 1
	out := make([]Field, 0, len(r.fields)+1)
	out = append(out, r.fields[:pos]...)
	out = append(out, Field{Key: key, Value: v})
	out = append(out, r.fields[pos:]...)
	return Record{fields: out}
}

// Delete returns a copy without key.
func (r Record) Delete(key string) Record {
	i := r.index(key)
	if i < 0 {
		return r
	}
	out := make([]Field, 0, len(r.fields)-1)
	out = append(out, r.fields[:i]...)
	out = append(out, r.fields[i+1:]...)
	return Record{fields: out}
}

// Only returns a copy holding just the listed keys that are present, in the
// record's own order.
func (r Record) Only(keys ...string) Record {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	out := make([]Field, 0, len(keys))
	for _, f := range r.fields {
		if _, ok := want[f.Key]; ok {
			out = append(out, f)
		}
	}
	return Record{fields: out}
}

// Equal reports deep equality. Record field order is significant.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case Scalar:
		y, ok := b.(Scalar)
		return ok && x.v == y.v
	case Sequence:
		y, ok := b.(Sequence)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case Record:
		y, ok := b.(Record)
		if !ok || len(x.fields) != len(y.fields) {
			return false
		}
		for i := range x.fields {
			if x.fields[i].Key != y.fields[i].Key || !Equal(x.fields[i].Value, y.fields[i].Value) {
				return false
			}
		}
		return true
	default:
		return a == nil && b == nil
	}
}

// Package value provides the tagged value variant carried by entity fields,
// change-set payloads and driver rows.
//
// A Value is one of Null, Bool, Int, Float, String, Bytes, Time, Ref, List or
// Doc. Ref holds a non-owning reference to another entity whose primary key
// is resolved lazily, so a payload built before an insert sees the key
// assigned by that insert.
package value

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Kind tags the variant held by a Value.
type Kind uint8

// Value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTime
	KindRef
	KindList
	KindDoc
)

var kindNames = [...]string{"null", "bool", "int", "float", "string", "bytes", "time", "ref", "list", "doc"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Identifiable is implemented by entities that may be referenced from a Value.
type Identifiable interface {
	EntityName() string
	// PrimaryKey returns the current primary key and whether it is set.
	PrimaryKey() (Value, bool)
}

// Value is an immutable tagged value. The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	by   []byte
	t    time.Time
	ref  Identifiable
	list []Value
	doc  any
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes returns a byte-slice value. The slice is copied.
func Bytes(b []byte) Value {
	if b == nil {
		return Null()
	}
	return Value{kind: KindBytes, by: bytes.Clone(b)}
}

// Time returns a time value.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }

// Ref returns a reference to an entity. A nil target yields Null.
func Ref(target Identifiable) Value {
	if target == nil {
		return Null()
	}
	if rv := reflect.ValueOf(target); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return Null()
	}
	return Value{kind: KindRef, ref: target}
}

// List returns a list value. The slice is copied.
func List(vs ...Value) Value {
	return Value{kind: KindList, list: append([]Value(nil), vs...)}
}

// Doc returns an opaque document value (nested maps and slices).
func Doc(d any) Value {
	if d == nil {
		return Null()
	}
	return Value{kind: KindDoc, doc: d}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is Null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer held by v. Integral floats convert.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if v.f == math.Trunc(v.f) {
			return int64(v.f), true
		}
	}
	return 0, false
}

// AsFloat returns the number held by v.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBytes returns the bytes held by v.
func (v Value) AsBytes() ([]byte, bool) { return v.by, v.kind == KindBytes }

// AsTime returns the time held by v.
func (v Value) AsTime() (time.Time, bool) { return v.t, v.kind == KindTime }

// AsRef returns the referenced entity.
func (v Value) AsRef() (Identifiable, bool) { return v.ref, v.kind == KindRef }

// AsList returns the list elements.
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

// AsDoc returns the opaque document.
func (v Value) AsDoc() (any, bool) { return v.doc, v.kind == KindDoc }

// Resolve replaces references by the primary key of their target. It reports
// false when a referenced entity has no primary key yet.
func (v Value) Resolve() (Value, bool) {
	switch v.kind {
	case KindRef:
		return v.ref.PrimaryKey()
	case KindList:
		out := make([]Value, len(v.list))
		for i, e := range v.list {
			r, ok := e.Resolve()
			if !ok {
				return Null(), false
			}
			out[i] = r
		}
		return Value{kind: KindList, list: out}, true
	default:
		return v, true
	}
}

// Interface returns the Go representation of v. References resolve to their
// primary key, or nil when the key is not assigned.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.by
	case KindTime:
		return v.t
	case KindRef:
		if pk, ok := v.ref.PrimaryKey(); ok {
			return pk.Interface()
		}
		return nil
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case KindDoc:
		return v.doc
	default:
		return nil
	}
}

// Equal compares values. Numbers compare across Int and Float, references
// compare by target identity and documents compare deeply.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		if a, ok := v.AsFloat(); ok {
			if b, ok := o.AsFloat(); ok {
				return a == b
			}
		}
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.by, o.by)
	case KindTime:
		return v.t.Equal(o.t)
	case KindRef:
		return v.ref == o.ref
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindDoc:
		return reflect.DeepEqual(v.doc, o.doc)
	}
	return false
}

// Key returns a canonical string for scalar values, used to key identity
// maps. Integral numbers share one key regardless of Int or Float kind.
func (v Value) Key() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return "b:" + strconv.FormatBool(v.b)
	case KindInt:
		return "n:" + strconv.FormatInt(v.i, 10)
	case KindFloat:
		if i, ok := v.AsInt(); ok {
			return "n:" + strconv.FormatInt(i, 10)
		}
		return "n:" + strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return "s:" + v.s
	case KindBytes:
		return "x:" + hex.EncodeToString(v.by)
	case KindTime:
		return "t:" + v.t.UTC().Format(time.RFC3339Nano)
	case KindRef:
		if pk, ok := v.ref.PrimaryKey(); ok {
			return "r:" + v.ref.EntityName() + ":" + pk.Key()
		}
		return fmt.Sprintf("r:%s:%p", v.ref.EntityName(), v.ref)
	case KindList:
		keys := make([]string, len(v.list))
		for i, e := range v.list {
			keys[i] = e.Key()
		}
		return "[" + strings.Join(keys, ",") + "]"
	default:
		return fmt.Sprintf("d:%v", v.doc)
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return strconv.Quote(v.s)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindRef:
		if pk, ok := v.ref.PrimaryKey(); ok {
			return v.ref.EntityName() + "(" + pk.String() + ")"
		}
		return v.ref.EntityName() + "(new)"
	case KindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(v.Interface())
	}
}

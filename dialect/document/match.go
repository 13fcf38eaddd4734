// Package document evaluates conditions over raw documents for the
// document store drivers. Numbers compare across integer and float types,
// uuids compare as strings and a condition on a list field matches when any
// element matches.
package document

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/syssam/orbit/dialect"
)

// Lookup returns the value at a dotted field path.
func Lookup(doc dialect.Document, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Normalize maps values to a small set of comparable representations.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case uuid.UUID:
		return x.String()
	case []byte:
		return string(x)
	}
	return v
}

// Compare orders two scalar values. Null sorts first. It reports false
// when the values are of incomparable types.
func Compare(a, b any) (int, bool) {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			return cmp3(x < y, x > y), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			return cmp3(!x && y, x && !y), true
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	}
	return 0, false
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// Equal compares two values, deeply for documents.
func Equal(a, b any) bool {
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	if ab, ok := a.([]byte); ok {
		if bb, ok := b.([]byte); ok {
			return bytes.Equal(ab, bb)
		}
	}
	return reflect.DeepEqual(a, b)
}

// matchEq reports whether a field value equals v. A list field matches when
// any element equals v; a missing field equals null.
func matchEq(field any, present bool, v any) bool {
	if !present {
		return v == nil
	}
	if list, ok := field.([]any); ok {
		if _, vlist := v.([]any); !vlist {
			for _, e := range list {
				if Equal(e, v) {
					return true
				}
			}
			return false
		}
	}
	return Equal(field, v)
}

func matchCond(doc dialect.Document, c dialect.Cond) (bool, error) {
	field, present := Lookup(doc, c.Field)
	switch c.Op {
	case dialect.OpEq:
		return matchEq(field, present, c.Value), nil
	case dialect.OpNe:
		return !matchEq(field, present, c.Value), nil
	case dialect.OpIn, dialect.OpNin:
		vals, ok := c.Value.([]any)
		if !ok {
			return false, fmt.Errorf("document: %s expects a list", c.Op)
		}
		in := false
		for _, v := range vals {
			if matchEq(field, present, v) {
				in = true
				break
			}
		}
		return in == (c.Op == dialect.OpIn), nil
	case dialect.OpGt, dialect.OpGte, dialect.OpLt, dialect.OpLte:
		if !present || field == nil || c.Value == nil {
			return false, nil
		}
		r, ok := Compare(field, c.Value)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case dialect.OpGt:
			return r > 0, nil
		case dialect.OpGte:
			return r >= 0, nil
		case dialect.OpLt:
			return r < 0, nil
		default:
			return r <= 0, nil
		}
	}
	return false, fmt.Errorf("document: unsupported operator %q", c.Op)
}

// Match reports whether doc satisfies every condition.
func Match(doc dialect.Document, conds []dialect.Cond) (bool, error) {
	for _, c := range conds {
		ok, err := matchCond(doc, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Conditions parses a raw filter document, as used by $match, into
// conditions. A list value means $in and a document holds operators.
func Conditions(filter dialect.Document) ([]dialect.Cond, error) {
	fields := make([]string, 0, len(filter))
	for f := range filter {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var conds []dialect.Cond
	for _, f := range fields {
		switch v := filter[f].(type) {
		case map[string]any:
			ops := make([]string, 0, len(v))
			for op := range v {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			for _, op := range ops {
				if !strings.HasPrefix(op, "$") {
					return nil, fmt.Errorf("document: invalid operator %q on %s", op, f)
				}
				conds = append(conds, dialect.Cond{Field: f, Op: op, Value: v[op]})
			}
		case []any:
			conds = append(conds, dialect.Cond{Field: f, Op: dialect.OpIn, Value: v})
		default:
			conds = append(conds, dialect.Cond{Field: f, Op: dialect.OpEq, Value: v})
		}
	}
	return conds, nil
}

// Clone deep copies documents and lists.
func Clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Clone(e)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	}
	return v
}

// CloneDoc deep copies a document.
func CloneDoc(doc dialect.Document) dialect.Document {
	return Clone(doc).(map[string]any)
}

// Sort orders documents by fields; desc selects descending order per
// field.
func Sort(docs []dialect.Document, fields []string, desc []bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		for k, f := range fields {
			a, _ := Lookup(docs[i], f)
			b, _ := Lookup(docs[j], f)
			r, _ := Compare(a, b)
			if r == 0 {
				continue
			}
			if desc[k] {
				return r > 0
			}
			return r < 0
		}
		return false
	})
}

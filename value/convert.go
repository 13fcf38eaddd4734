package value

import (
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Of converts a Go value into a Value. Slices become lists, maps and structs
// become documents, driver.Valuer and fmt.Stringer implementations are
// converted through their Value and String methods.
func Of(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case *Value:
		if x == nil {
			return Null(), nil
		}
		return *x, nil
	case Identifiable:
		return Ref(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return fromUint(uint64(x), v)
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		return fromUint(x, v)
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case []byte:
		return Bytes(x), nil
	case time.Time:
		return Time(x), nil
	case *time.Time:
		if x == nil {
			return Null(), nil
		}
		return Time(*x), nil
	case []Value:
		return List(x...), nil
	case []any:
		out := make([]Value, len(x))
		for i, e := range x {
			ev, err := Of(e)
			if err != nil {
				return Null(), err
			}
			out[i] = ev
		}
		return List(out...), nil
	case map[string]any:
		return Doc(x), nil
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return Null(), err
		}
		return Of(dv)
	case fmt.Stringer:
		return String(x.String()), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return Null(), nil
		}
		return Of(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		out := make([]Value, rv.Len())
		for i := range out {
			ev, err := Of(rv.Index(i).Interface())
			if err != nil {
				return Null(), err
			}
			out[i] = ev
		}
		return List(out...), nil
	case reflect.Map, reflect.Struct:
		return Doc(v), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fromUint(rv.Uint(), v)
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	}
	return Null(), fmt.Errorf("value: unsupported type %T", v)
}

func fromUint(u uint64, v any) (Value, error) {
	if u > math.MaxInt64 {
		return Null(), fmt.Errorf("value: %T %d overflows int64", v, u)
	}
	return Int(int64(u)), nil
}

// MustOf is like Of but panics on unsupported types.
func MustOf(v any) Value {
	out, err := Of(v)
	if err != nil {
		panic(err)
	}
	return out
}

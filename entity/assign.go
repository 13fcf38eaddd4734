package entity

import (
	"sort"

	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// Referencer resolves a primary key to the managed instance of an entity,
// creating an uninitialized reference when the identity is not loaded.
type Referencer interface {
	Reference(entity string, pk value.Value) (*Entity, error)
}

// Assign sets several properties at once. Relationship values may be
// entities or primary keys; primary keys are resolved through ref, which
// may be nil when only entities are assigned. Properties are applied in
// name order and the first failure is returned.
func Assign(e *Entity, data map[string]any, ref Referencer) error {
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := data[name]
		p, ok := e.meta.Property(name)
		if !ok || p.Kind == schema.Scalar {
			if err := e.Set(name, v); err != nil {
				return err
			}
			continue
		}
		if p.Kind.ToOne() {
			target, err := resolve(e, p, v, ref, invalidReference)
			if err != nil {
				return err
			}
			if err := e.Set(name, target); err != nil {
				return err
			}
			continue
		}
		var raw []any
		switch x := v.(type) {
		case nil:
		case []any:
			raw = x
		case []*Entity:
			for _, it := range x {
				raw = append(raw, it)
			}
		default:
			val, err := value.Of(v)
			list, ok := val.AsList()
			if err != nil || !ok {
				return invalidCollection(e.meta.Name, name)
			}
			for _, it := range list {
				raw = append(raw, it)
			}
		}
		items := make([]*Entity, 0, len(raw))
		for _, it := range raw {
			target, err := resolve(e, p, it, ref, invalidCollection)
			if err != nil {
				return err
			}
			if target == nil {
				return invalidCollection(e.meta.Name, name)
			}
			items = append(items, target)
		}
		e.colls[name].Set(items...)
	}
	return nil
}

func resolve(e *Entity, p *schema.Property, v any, ref Referencer, fail func(string, string) error) (*Entity, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *Entity:
		return e.asEntity(p, x)
	case map[string]any, []any:
		return nil, fail(e.meta.Name, p.Name)
	}
	val, err := value.Of(v)
	if err != nil {
		return nil, fail(e.meta.Name, p.Name)
	}
	switch val.Kind() {
	case value.KindNull:
		return nil, nil
	case value.KindRef:
		t, err := e.asEntity(p, val)
		if err != nil {
			return nil, fail(e.meta.Name, p.Name)
		}
		return t, nil
	case value.KindInt, value.KindString, value.KindFloat:
		if ref == nil {
			return nil, fail(e.meta.Name, p.Name)
		}
		return ref.Reference(p.Target, val)
	default:
		return nil, fail(e.meta.Name, p.Name)
	}
}

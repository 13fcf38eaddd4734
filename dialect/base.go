package dialect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// Operators accepted in Where documents.
const (
	OpEq  = "$eq"
	OpNe  = "$ne"
	OpGt  = "$gt"
	OpGte = "$gte"
	OpLt  = "$lt"
	OpLte = "$lte"
	OpIn  = "$in"
	OpNin = "$nin"
)

var operators = map[string]bool{OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true, OpIn: true, OpNin: true}

// Cond is one condition of a Where translated to physical names and
// backend values. The Value of $in and $nin is a []any; a nil Value with
// $eq or $ne tests for null.
type Cond struct {
	Field string
	Op    string
	Value any
}

// Base implements the backend-independent parts of a Driver: metadata
// lookup, renaming of logical properties to physical fields, conversion
// between portable values and backend values, and capability-gap errors.
// Drivers embed it.
type Base struct {
	name     string
	platform Platform
	conn     Connection
	meta     *schema.Registry
}

// NewBase returns a Base for the named driver.
func NewBase(name string, platform Platform, conn Connection) *Base {
	return &Base{name: name, platform: platform, conn: conn}
}

// Name returns the driver name.
func (b *Base) Name() string { return b.name }

// Platform returns the platform.
func (b *Base) Platform() Platform { return b.platform }

// Connection returns the connection.
func (b *Base) Connection() Connection { return b.conn }

// SetMetadata binds the metadata registry.
func (b *Base) SetMetadata(reg *schema.Registry) { b.meta = reg }

// Metadata returns the metadata registry.
func (b *Base) Metadata() *schema.Registry { return b.meta }

// Entity returns the metadata of the named entity.
func (b *Base) Entity(name string) (*schema.EntityMetadata, error) {
	if b.meta == nil {
		return nil, fmt.Errorf("orbit: %s driver has no metadata", b.name)
	}
	m, ok := b.meta.Get(name)
	if !ok {
		return nil, orbit.ValidationErrorf(name, "", "unknown entity")
	}
	return m, nil
}

// Unsupported returns the error reported for a capability the backend lacks.
func (b *Base) Unsupported(op string) error {
	return orbit.NewUnsupportedOperationError(op, b.name)
}

// Wrap wraps a backend error into an orbit.DriverError.
func (b *Base) Wrap(op, entity string, err error) error {
	return orbit.NewDriverError(b.name, op, entity, err)
}

// Aggregate reports aggregation pipelines as unsupported.
func (b *Base) Aggregate(context.Context, string, []Document, Tx) ([]Document, error) {
	return nil, b.Unsupported("Aggregations")
}

// idLike reports whether the values of p are primary keys of some entity.
func idLike(p *schema.Property) bool {
	return p.Primary || p.Kind != schema.Scalar
}

// Native converts a portable value of p to its backend representation:
// references resolve to primary keys, identifiers are denormalized and
// custom types applied.
func (b *Base) Native(p *schema.Property, v value.Value) (any, error) {
	r, ok := v.Resolve()
	if !ok {
		return nil, orbit.ValidationErrorf("", p.Name, "reference to an entity without primary key")
	}
	if p.Custom != nil && !idLike(p) {
		var err error
		if r, err = p.Custom.ToDatabase(r); err != nil {
			return nil, orbit.ValidationErrorf("", p.Name, "%v", err)
		}
	}
	if r.IsNull() {
		return nil, nil
	}
	if idLike(p) {
		if list, ok := r.AsList(); ok {
			out := make([]any, len(list))
			for i, e := range list {
				out[i] = b.platform.DenormalizePrimaryKey(e)
			}
			return out, nil
		}
		return b.platform.DenormalizePrimaryKey(r), nil
	}
	return r.Interface(), nil
}

// Fields renames a row to physical fields and converts its values to the
// backend representation.
func (b *Base) Fields(meta *schema.EntityMetadata, row Row) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for name, v := range row {
		p, ok := meta.Property(name)
		if !ok {
			return nil, orbit.ValidationErrorf(meta.Name, name, "unknown property")
		}
		if !p.Persisted(b.platform.UsesPivotTable()) {
			return nil, orbit.ValidationErrorf(meta.Name, name, "property is not stored on the %s row", meta.Name)
		}
		nv, err := b.Native(p, v)
		if err != nil {
			return nil, withEntity(err, meta.Name)
		}
		out[p.FieldName] = nv
	}
	return out, nil
}

// Conditions translates a Where into conditions sorted by field.
func (b *Base) Conditions(meta *schema.EntityMetadata, where Where) ([]Cond, error) {
	names := make([]string, 0, len(where))
	for name := range where {
		names = append(names, name)
	}
	sort.Strings(names)
	conds := make([]Cond, 0, len(names))
	for _, name := range names {
		p, ok := meta.Property(name)
		if !ok {
			return nil, orbit.ValidationErrorf(meta.Name, name, "unknown property")
		}
		if !p.Persisted(b.platform.UsesPivotTable()) {
			return nil, orbit.ValidationErrorf(meta.Name, name, "cannot filter by a property that is not stored on the %s row", meta.Name)
		}
		v := where[name]
		if doc, ok := v.AsDoc(); ok {
			ops, ok := doc.(map[string]any)
			if !ok {
				return nil, orbit.ValidationErrorf(meta.Name, name, "invalid condition %v", doc)
			}
			keys := make([]string, 0, len(ops))
			for op := range ops {
				keys = append(keys, op)
			}
			sort.Strings(keys)
			for _, op := range keys {
				if !operators[op] {
					return nil, orbit.ValidationErrorf(meta.Name, name, "unsupported operator %q", op)
				}
				operand, err := value.Of(ops[op])
				if err != nil {
					return nil, orbit.ValidationErrorf(meta.Name, name, "%v", err)
				}
				c, err := b.cond(p, op, operand)
				if err != nil {
					return nil, withEntity(err, meta.Name)
				}
				conds = append(conds, c)
			}
			continue
		}
		op := OpEq
		if v.Kind() == value.KindList {
			op = OpIn
		}
		c, err := b.cond(p, op, v)
		if err != nil {
			return nil, withEntity(err, meta.Name)
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func (b *Base) cond(p *schema.Property, op string, v value.Value) (Cond, error) {
	if op == OpIn || op == OpNin {
		list, ok := v.AsList()
		if !ok {
			list = []value.Value{v}
		}
		vals := make([]any, len(list))
		for i, e := range list {
			nv, err := b.Native(p, e)
			if err != nil {
				return Cond{}, err
			}
			vals[i] = nv
		}
		return Cond{Field: p.FieldName, Op: op, Value: vals}, nil
	}
	nv, err := b.Native(p, v)
	if err != nil {
		return Cond{}, err
	}
	return Cond{Field: p.FieldName, Op: op, Value: nv}, nil
}

// MapResult renames a backend record to logical property names and
// converts its values to the portable representation. Fields that do not
// belong to a property are dropped.
func (b *Base) MapResult(meta *schema.EntityMetadata, raw map[string]any) (Row, error) {
	row := make(Row, len(raw))
	for field, rv := range raw {
		p, ok := meta.PropertyByField(field)
		if !ok {
			continue
		}
		if idLike(p) {
			row[p.Name] = b.coerceID(p, b.normalizeID(rv))
			continue
		}
		v, err := value.Of(rv)
		if err != nil {
			return nil, orbit.NewDriverError(b.name, "hydrate", meta.Name, err)
		}
		if p.Type == schema.TypeJSON {
			if v, err = decodeJSON(v); err != nil {
				return nil, orbit.NewDriverError(b.name, "hydrate", meta.Name, err)
			}
		}
		v = p.Type.Coerce(v)
		if p.Custom != nil {
			if v, err = p.Custom.FromDatabase(v); err != nil {
				return nil, orbit.NewDriverError(b.name, "hydrate", meta.Name, err)
			}
		}
		row[p.Name] = v
	}
	return row, nil
}

func (b *Base) normalizeID(rv any) value.Value {
	switch x := rv.(type) {
	case nil:
		return value.Null()
	case []any:
		out := make([]value.Value, len(x))
		for i, e := range x {
			out[i] = b.platform.NormalizePrimaryKey(e)
		}
		return value.List(out...)
	case []byte:
		return b.platform.NormalizePrimaryKey(string(x))
	}
	return b.platform.NormalizePrimaryKey(rv)
}

// coerceID converts identifiers to the type of the referenced primary key.
func (b *Base) coerceID(p *schema.Property, v value.Value) value.Value {
	t := p.Type
	if p.Kind != schema.Scalar {
		t = schema.TypeAny
		if target, ok := b.meta.Get(p.Target); ok {
			t = target.PK().Type
		}
	}
	if list, ok := v.AsList(); ok {
		out := make([]value.Value, len(list))
		for i, e := range list {
			out[i] = t.Coerce(e)
		}
		return value.List(out...)
	}
	return t.Coerce(v)
}

// NormalizeID converts a backend identifier of p, a primary key or a
// relationship, to its portable form.
func (b *Base) NormalizeID(p *schema.Property, rv any) value.Value {
	return b.coerceID(p, b.normalizeID(rv))
}

func decodeJSON(v value.Value) (value.Value, error) {
	var raw []byte
	if s, ok := v.AsString(); ok {
		raw = []byte(s)
	} else if bs, ok := v.AsBytes(); ok {
		raw = bs
	} else {
		return v, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return v, err
	}
	if doc == nil {
		return value.Null(), nil
	}
	return value.Doc(doc), nil
}

func withEntity(err error, entity string) error {
	if ve, ok := err.(*orbit.ValidationError); ok && ve.Entity == "" {
		ve.Entity = entity
	}
	return err
}

// LockPessimistic reports pessimistic locks as unsupported.
func (b *Base) LockPessimistic(context.Context, string, value.Value, orbit.LockMode, Tx) error {
	return b.Unsupported("Pessimistic locks")
}

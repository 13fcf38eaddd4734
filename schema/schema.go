package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/syssam/orbit/value"
)

// ReferenceKind distinguishes scalar properties from the four relationship
// shapes.
type ReferenceKind uint8

// Reference kinds.
const (
	Scalar ReferenceKind = iota
	M2O
	O2M
	M2M
	O2O
)

// String implements fmt.Stringer.
func (k ReferenceKind) String() string {
	switch k {
	case M2O:
		return "m:1"
	case O2M:
		return "1:m"
	case M2M:
		return "m:n"
	case O2O:
		return "1:1"
	default:
		return "scalar"
	}
}

// ToOne reports whether the property holds a single reference.
func (k ReferenceKind) ToOne() bool { return k == M2O || k == O2O }

// ToMany reports whether the property holds a collection.
func (k ReferenceKind) ToMany() bool { return k == O2M || k == M2M }

// Cascade is a set of operations propagated across a relationship.
type Cascade uint8

// Cascade operations.
const (
	CascadePersist Cascade = 1 << iota
	CascadeRemove
	CascadeMerge
	CascadeAll = CascadePersist | CascadeRemove | CascadeMerge
)

// Has reports whether c includes every operation of op.
func (c Cascade) Has(op Cascade) bool { return op != 0 && c&op == op }

// String implements fmt.Stringer.
func (c Cascade) String() string {
	var ops []string
	if c.Has(CascadePersist) {
		ops = append(ops, "persist")
	}
	if c.Has(CascadeRemove) {
		ops = append(ops, "remove")
	}
	if c.Has(CascadeMerge) {
		ops = append(ops, "merge")
	}
	return "[" + strings.Join(ops, ",") + "]"
}

// FieldType is the storage type of a scalar property. It drives the
// coercion of raw backend values on hydration.
type FieldType uint8

// Field types.
const (
	TypeAny FieldType = iota
	TypeString
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
	TypeBytes
	TypeJSON
	TypeUUID
)

var typeNames = [...]string{"any", "string", "int", "float", "bool", "time", "bytes", "json", "uuid"}

// String implements fmt.Stringer.
func (t FieldType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", t)
}

// Coerce converts a raw value read from a backend to the property type.
// Values that cannot be converted are returned unchanged.
func (t FieldType) Coerce(v value.Value) value.Value {
	if v.IsNull() {
		return v
	}
	switch t {
	case TypeInt:
		if i, ok := v.AsInt(); ok {
			return value.Int(i)
		}
		if b, ok := v.AsBool(); ok {
			if b {
				return value.Int(1)
			}
			return value.Int(0)
		}
		if i, err := strconv.ParseInt(text(v), 10, 64); err == nil {
			return value.Int(i)
		}
	case TypeFloat:
		if f, ok := v.AsFloat(); ok {
			return value.Float(f)
		}
		if f, err := strconv.ParseFloat(text(v), 64); err == nil {
			return value.Float(f)
		}
	case TypeBool:
		if i, ok := v.AsInt(); ok {
			return value.Bool(i != 0)
		}
	case TypeString, TypeUUID:
		if bs, ok := v.AsBytes(); ok {
			return value.String(string(bs))
		}
	case TypeTime:
		if s := text(v); s != "" {
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
				if tm, err := time.Parse(layout, s); err == nil {
					return value.Time(tm)
				}
			}
		}
	}
	return v
}

// text returns the string or bytes held by v, or "".
func text(v value.Value) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	if bs, ok := v.AsBytes(); ok {
		return string(bs)
	}
	return ""
}

// Type converts property values to and from their storage representation.
type Type interface {
	// ToDatabase is applied to values written to the backend.
	ToDatabase(value.Value) (value.Value, error)
	// FromDatabase is applied to values read from the backend.
	FromDatabase(value.Value) (value.Value, error)
}

// Pivot describes the join table of an owning many-to-many side on
// relational platforms.
type Pivot struct {
	Table         string
	OwnerColumn   string // references the owner primary key
	InverseColumn string // references the target primary key
}

// Property describes one property of an entity.
type Property struct {
	Name      string
	FieldName string // physical column or document field
	Kind      ReferenceKind
	Type      FieldType
	Target    string // target entity name for relationships
	// MappedBy names the owning property on the target. It is set on inverse
	// sides only.
	MappedBy string
	// InversedBy names the inverse property on the target. It is set on
	// owning sides of bidirectional relationships.
	InversedBy string
	Cascade    Cascade
	Nullable   bool
	Unique     bool
	Index      bool
	Primary    bool
	Version    bool
	Custom     Type
	Pivot      *Pivot
}

// Owner reports whether the property is the owning side of a relationship,
// which holds the foreign key, the pivot rows or the id list.
func (p *Property) Owner() bool {
	switch p.Kind {
	case M2O:
		return true
	case O2O, M2M:
		return p.MappedBy == ""
	default:
		return false
	}
}

// Inverse returns the name of the property on the other side of a
// bidirectional relationship, or "".
func (p *Property) Inverse() string {
	if p.MappedBy != "" {
		return p.MappedBy
	}
	return p.InversedBy
}

// Persisted reports whether the property has a physical field on the
// entity row. Pivot-backed many-to-many owners are persisted only when the
// platform stores them inline.
func (p *Property) Persisted(pivotTables bool) bool {
	switch p.Kind {
	case Scalar, M2O:
		return true
	case O2O:
		return p.Owner()
	case M2M:
		return p.Owner() && !pivotTables
	default:
		return false
	}
}

// IndexDescriptor is a declared index or unique constraint.
type IndexDescriptor struct {
	Name       string
	Properties []string
	Unique     bool
}

// EntityMetadata describes the shape of an entity.
type EntityMetadata struct {
	Name       string
	Collection string // table or collection name
	PrimaryKey string // primary key property name
	Indexes    []*IndexDescriptor

	props   map[string]*Property
	order   []string
	byField map[string]*Property
	version string
}

// Property returns the named property.
func (m *EntityMetadata) Property(name string) (*Property, bool) {
	p, ok := m.props[name]
	return p, ok
}

// PropertyByField returns the property stored under the physical field name.
func (m *EntityMetadata) PropertyByField(field string) (*Property, bool) {
	p, ok := m.byField[field]
	return p, ok
}

// Properties returns all properties in declaration order.
func (m *EntityMetadata) Properties() []*Property {
	out := make([]*Property, len(m.order))
	for i, name := range m.order {
		out[i] = m.props[name]
	}
	return out
}

// Relations returns the relationship properties in declaration order.
func (m *EntityMetadata) Relations() []*Property {
	var out []*Property
	for _, name := range m.order {
		if p := m.props[name]; p.Kind != Scalar {
			out = append(out, p)
		}
	}
	return out
}

// PK returns the primary key property.
func (m *EntityMetadata) PK() *Property { return m.props[m.PrimaryKey] }

// VersionProperty returns the optimistic lock version property, or nil.
func (m *EntityMetadata) VersionProperty() *Property {
	if m.version == "" {
		return nil
	}
	return m.props[m.version]
}

// FieldName returns the physical field of the named property, or the name
// itself for unknown properties.
func (m *EntityMetadata) FieldName(name string) string {
	if p, ok := m.props[name]; ok && p.FieldName != "" {
		return p.FieldName
	}
	return name
}

// String implements fmt.Stringer.
func (m *EntityMetadata) String() string { return m.Name }

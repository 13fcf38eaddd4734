package schema

// EntityBuilder declares an entity.
type EntityBuilder struct {
	name       string
	collection string
	fields     []*FieldBuilder
	edges      []*EdgeBuilder
	indexes    []*IndexBuilder
}

// Entity starts the declaration of the named entity.
func Entity(name string) *EntityBuilder {
	return &EntityBuilder{name: name}
}

// Name returns the entity name.
func (b *EntityBuilder) Name() string { return b.name }

// Table sets the table or collection name. By default the platform naming
// strategy derives it from the entity name.
func (b *EntityBuilder) Table(name string) *EntityBuilder {
	b.collection = name
	return b
}

// Fields adds scalar properties.
func (b *EntityBuilder) Fields(fields ...*FieldBuilder) *EntityBuilder {
	b.fields = append(b.fields, fields...)
	return b
}

// Edges adds relationship properties.
func (b *EntityBuilder) Edges(edges ...*EdgeBuilder) *EntityBuilder {
	b.edges = append(b.edges, edges...)
	return b
}

// Indexes adds composite indexes.
func (b *EntityBuilder) Indexes(indexes ...*IndexBuilder) *EntityBuilder {
	b.indexes = append(b.indexes, indexes...)
	return b
}

// FieldBuilder declares a scalar property.
type FieldBuilder struct {
	desc *Property
}

func newField(name string, t FieldType) *FieldBuilder {
	return &FieldBuilder{desc: &Property{Name: name, Kind: Scalar, Type: t}}
}

// String returns a new string field.
func String(name string) *FieldBuilder { return newField(name, TypeString) }

// Int returns a new integer field.
func Int(name string) *FieldBuilder { return newField(name, TypeInt) }

// Float returns a new floating point field.
func Float(name string) *FieldBuilder { return newField(name, TypeFloat) }

// Bool returns a new boolean field.
func Bool(name string) *FieldBuilder { return newField(name, TypeBool) }

// Time returns a new timestamp field.
func Time(name string) *FieldBuilder { return newField(name, TypeTime) }

// Bytes returns a new binary field.
func Bytes(name string) *FieldBuilder { return newField(name, TypeBytes) }

// JSON returns a new document field holding nested maps and slices.
func JSON(name string) *FieldBuilder { return newField(name, TypeJSON) }

// UUID returns a new UUID field. Its portable representation is a string.
func UUID(name string) *FieldBuilder { return newField(name, TypeUUID) }

// Any returns a new untyped field.
func Any(name string) *FieldBuilder { return newField(name, TypeAny) }

// Version returns the integer version field used for optimistic locking.
func Version(name string) *FieldBuilder {
	f := newField(name, TypeInt)
	f.desc.Version = true
	return f
}

// Primary marks the field as the primary key. Primary keys left unset on
// insert are generated by the backend.
func (b *FieldBuilder) Primary() *FieldBuilder {
	b.desc.Primary = true
	return b
}

// Field sets the physical field name.
func (b *FieldBuilder) Field(name string) *FieldBuilder {
	b.desc.FieldName = name
	return b
}

// Nullable allows null values.
func (b *FieldBuilder) Nullable() *FieldBuilder {
	b.desc.Nullable = true
	return b
}

// Unique adds a unique index on the field.
func (b *FieldBuilder) Unique() *FieldBuilder {
	b.desc.Unique = true
	return b
}

// Index adds a non-unique index on the field.
func (b *FieldBuilder) Index() *FieldBuilder {
	b.desc.Index = true
	return b
}

// Type sets a custom type converter.
func (b *FieldBuilder) Type(t Type) *FieldBuilder {
	b.desc.Custom = t
	return b
}

// Descriptor returns the property being built.
func (b *FieldBuilder) Descriptor() *Property { return b.desc }

// EdgeBuilder declares a relationship property.
type EdgeBuilder struct {
	desc  *Property
	pivot string
}

func newEdge(name, target string, kind ReferenceKind) *EdgeBuilder {
	return &EdgeBuilder{desc: &Property{Name: name, Kind: kind, Target: target}}
}

// ManyToOne returns a to-one owning relationship stored as a foreign key.
func ManyToOne(name, target string) *EdgeBuilder { return newEdge(name, target, M2O) }

// OneToMany returns the inverse collection of a ManyToOne on target. It
// requires MappedBy.
func OneToMany(name, target string) *EdgeBuilder { return newEdge(name, target, O2M) }

// ManyToMany returns a collection relationship. It is the owning side unless
// MappedBy is set.
func ManyToMany(name, target string) *EdgeBuilder { return newEdge(name, target, M2M) }

// OneToOne returns a to-one relationship. It is the owning side unless
// MappedBy is set.
func OneToOne(name, target string) *EdgeBuilder { return newEdge(name, target, O2O) }

// MappedBy marks the edge as the inverse side of the named owning property
// on the target.
func (b *EdgeBuilder) MappedBy(name string) *EdgeBuilder {
	b.desc.MappedBy = name
	return b
}

// InversedBy names the inverse property on the target of an owning edge.
func (b *EdgeBuilder) InversedBy(name string) *EdgeBuilder {
	b.desc.InversedBy = name
	return b
}

// Cascade sets the operations propagated across the edge.
func (b *EdgeBuilder) Cascade(ops ...Cascade) *EdgeBuilder {
	for _, op := range ops {
		b.desc.Cascade |= op
	}
	return b
}

// Nullable allows the owning reference to be null. Nullable references do
// not constrain the insert order.
func (b *EdgeBuilder) Nullable() *EdgeBuilder {
	b.desc.Nullable = true
	return b
}

// Field sets the physical foreign key field.
func (b *EdgeBuilder) Field(name string) *EdgeBuilder {
	b.desc.FieldName = name
	return b
}

// Pivot sets the pivot table of an owning many-to-many edge.
func (b *EdgeBuilder) Pivot(table string) *EdgeBuilder {
	b.pivot = table
	return b
}

// Unique adds a unique index on the foreign key.
func (b *EdgeBuilder) Unique() *EdgeBuilder {
	b.desc.Unique = true
	return b
}

// Descriptor returns the property being built.
func (b *EdgeBuilder) Descriptor() *Property { return b.desc }

// IndexBuilder declares a composite index.
type IndexBuilder struct {
	desc *IndexDescriptor
}

// Index returns an index over the given properties.
func Index(properties ...string) *IndexBuilder {
	return &IndexBuilder{desc: &IndexDescriptor{Properties: properties}}
}

// Unique makes the index a unique constraint.
func (b *IndexBuilder) Unique() *IndexBuilder {
	b.desc.Unique = true
	return b
}

// Name sets the index name.
func (b *IndexBuilder) Name(name string) *IndexBuilder {
	b.desc.Name = name
	return b
}

// Descriptor returns the index being built.
func (b *IndexBuilder) Descriptor() *IndexDescriptor { return b.desc }

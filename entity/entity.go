// Package entity provides the dynamic entity instances managed by a unit of
// work, and the lazy Reference and Collection wrappers of their
// relationships.
//
// Relationship properties hold non-owning pointers to other entities. Every
// instance reachable from a session is registered in that session's identity
// map, which is the only place instances are looked up by identity.
package entity

import (
	"context"
	"fmt"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// Loader initializes lazy relationships. It is implemented by the entity
// manager owning the entity.
type Loader interface {
	// LoadEntity fetches the fields of an uninitialized entity.
	LoadEntity(ctx context.Context, e *Entity) error
	// LoadCollection fetches the members of a collection.
	LoadCollection(ctx context.Context, c *Collection) error
}

// Entity is an instance of an entity type described by metadata.
type Entity struct {
	meta        *schema.EntityMetadata
	data        map[string]value.Value
	refs        map[string]*Reference
	colls       map[string]*Collection
	initialized bool
	loader      Loader
}

// New returns a new, initialized entity with empty collections.
func New(meta *schema.EntityMetadata) *Entity {
	e := newEntity(meta)
	e.initialized = true
	for _, c := range e.colls {
		c.state = Loaded
	}
	return e
}

// NewReference returns an uninitialized entity carrying only its primary
// key. It is loaded on demand through its Loader.
func NewReference(meta *schema.EntityMetadata, pk value.Value) *Entity {
	e := newEntity(meta)
	e.data[meta.PrimaryKey] = pk
	return e
}

func newEntity(meta *schema.EntityMetadata) *Entity {
	e := &Entity{
		meta:  meta,
		data:  make(map[string]value.Value),
		refs:  make(map[string]*Reference),
		colls: make(map[string]*Collection),
	}
	for _, p := range meta.Relations() {
		if p.Kind.ToOne() {
			e.refs[p.Name] = &Reference{owner: e, prop: p}
		} else {
			e.colls[p.Name] = &Collection{owner: e, prop: p}
		}
	}
	return e
}

// EntityName implements value.Identifiable.
func (e *Entity) EntityName() string { return e.meta.Name }

// PrimaryKey implements value.Identifiable.
func (e *Entity) PrimaryKey() (value.Value, bool) {
	pk, ok := e.data[e.meta.PrimaryKey]
	return pk, ok && !pk.IsNull()
}

// SetPrimaryKey assigns the primary key.
func (e *Entity) SetPrimaryKey(pk value.Value) {
	if pk.IsNull() {
		delete(e.data, e.meta.PrimaryKey)
		return
	}
	e.data[e.meta.PrimaryKey] = pk
}

// Meta returns the entity metadata.
func (e *Entity) Meta() *schema.EntityMetadata { return e.meta }

// IsInitialized reports whether the entity fields are loaded.
func (e *Entity) IsInitialized() bool { return e.initialized }

// MarkInitialized flags the entity as loaded.
func (e *Entity) MarkInitialized() { e.initialized = true }

// SetLoader binds the loader used by lazy relationships.
func (e *Entity) SetLoader(l Loader) { e.loader = l }

// Loader returns the bound loader, or nil.
func (e *Entity) Loader() Loader { return e.loader }

// Init loads an uninitialized entity through its loader.
func (e *Entity) Init(ctx context.Context) error {
	if e.initialized {
		return nil
	}
	if e.loader == nil {
		return orbit.ValidationErrorf(e.meta.Name, "", "entity is not managed and cannot be loaded")
	}
	return e.loader.LoadEntity(ctx, e)
}

// Get returns a property value. To-one relationships are returned as
// references to their target, collections as a list of references.
func (e *Entity) Get(name string) value.Value {
	if r, ok := e.refs[name]; ok {
		return value.Ref(r.target)
	}
	if c, ok := e.colls[name]; ok {
		items := make([]value.Value, len(c.items))
		for i, it := range c.items {
			items[i] = value.Ref(it)
		}
		return value.List(items...)
	}
	return e.data[name]
}

// Set assigns a property. Scalars accept anything value.Of converts;
// to-one relationships accept an *Entity, a reference Value or nil, and keep
// the inverse side in sync.
func (e *Entity) Set(name string, v any) error {
	p, ok := e.meta.Property(name)
	if !ok {
		return orbit.ValidationErrorf(e.meta.Name, name, "unknown property")
	}
	switch {
	case p.Kind.ToOne():
		target, err := e.asEntity(p, v)
		if err != nil {
			return err
		}
		e.refs[name].Set(target)
		return nil
	case p.Kind.ToMany():
		items, err := e.asEntities(p, v)
		if err != nil {
			return err
		}
		e.colls[name].Set(items...)
		return nil
	}
	val, err := value.Of(v)
	if err != nil {
		return orbit.ValidationErrorf(e.meta.Name, name, "%v", err)
	}
	if val.Kind() == value.KindRef {
		return orbit.ValidationErrorf(e.meta.Name, name, "entity assigned to scalar property")
	}
	if p.Primary {
		if old, ok := e.PrimaryKey(); ok && !old.Equal(val) {
			return orbit.ValidationErrorf(e.meta.Name, name, "primary key cannot be changed")
		}
	}
	e.data[name] = val
	return nil
}

// MustSet is like Set but panics on error.
func (e *Entity) MustSet(name string, v any) *Entity {
	if err := e.Set(name, v); err != nil {
		panic(err)
	}
	return e
}

func (e *Entity) asEntity(p *schema.Property, v any) (*Entity, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *Entity:
		if x == nil {
			return nil, nil
		}
		if x.meta.Name != p.Target {
			return nil, invalidReference(e.meta.Name, p.Name)
		}
		return x, nil
	case value.Value:
		if x.IsNull() {
			return nil, nil
		}
		if ref, ok := x.AsRef(); ok {
			return e.asEntity(p, ref)
		}
	}
	return nil, invalidReference(e.meta.Name, p.Name)
}

func (e *Entity) asEntities(p *schema.Property, v any) ([]*Entity, error) {
	var raw []any
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []*Entity:
		for _, it := range x {
			raw = append(raw, it)
		}
	case []any:
		raw = x
	case value.Value:
		list, ok := x.AsList()
		if !ok {
			return nil, invalidCollection(e.meta.Name, p.Name)
		}
		for _, it := range list {
			raw = append(raw, it)
		}
	default:
		return nil, invalidCollection(e.meta.Name, p.Name)
	}
	out := make([]*Entity, 0, len(raw))
	for _, it := range raw {
		t, err := e.asEntity(p, it)
		if err != nil || t == nil {
			return nil, invalidCollection(e.meta.Name, p.Name)
		}
		out = append(out, t)
	}
	return out, nil
}

func invalidReference(entity, prop string) error {
	return orbit.NewValidationError(entity, prop, fmt.Sprintf("Invalid reference value provided for '%s.%s'", entity, prop))
}

func invalidCollection(entity, prop string) error {
	return orbit.NewValidationError(entity, prop, fmt.Sprintf("Invalid collection values provided for '%s.%s'", entity, prop))
}

// Ref returns the wrapper of a to-one relationship, or nil.
func (e *Entity) Ref(name string) *Reference { return e.refs[name] }

// Collection returns the wrapper of a to-many relationship, or nil.
func (e *Entity) Collection(name string) *Collection { return e.colls[name] }

// Collections returns every collection of the entity in declaration order.
func (e *Entity) Collections() []*Collection {
	var out []*Collection
	for _, p := range e.meta.Relations() {
		if c, ok := e.colls[p.Name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Values returns the persisted state of the entity keyed by property name:
// scalars and owning to-one references. Unset scalars are omitted.
func (e *Entity) Values() map[string]value.Value {
	out := make(map[string]value.Value, len(e.data)+len(e.refs))
	for k, v := range e.data {
		out[k] = v
	}
	for name, r := range e.refs {
		if r.prop.Owner() {
			out[name] = value.Ref(r.target)
		}
	}
	return out
}

// Hydrate assigns a loaded scalar without validation.
func (e *Entity) Hydrate(name string, v value.Value) {
	e.data[name] = v
}

// HydrateReference assigns a loaded to-one relationship without updating
// the inverse side.
func (e *Entity) HydrateReference(name string, target *Entity) {
	if r, ok := e.refs[name]; ok {
		r.target = target
	}
}

// ToMap serializes the entity keyed by property name. References become
// the primary key of their target, loaded collections a list of primary
// keys. The primary key is stored under pkField, which lets document
// platforms expose "_id" as "id".
func (e *Entity) ToMap(pkField string) map[string]any {
	out := make(map[string]any, len(e.data)+len(e.refs)+len(e.colls))
	for k, v := range e.data {
		if k == e.meta.PrimaryKey && pkField != "" {
			k = pkField
		}
		out[k] = v.Interface()
	}
	for name, r := range e.refs {
		if r.target == nil {
			out[name] = nil
			continue
		}
		if pk, ok := r.target.PrimaryKey(); ok {
			out[name] = pk.Interface()
		}
	}
	for name, c := range e.colls {
		if !c.IsInitialized() {
			continue
		}
		ids := make([]any, 0, len(c.items))
		for _, it := range c.items {
			if pk, ok := it.PrimaryKey(); ok {
				ids = append(ids, pk.Interface())
			}
		}
		out[name] = ids
	}
	return out
}

// String implements fmt.Stringer.
func (e *Entity) String() string {
	if pk, ok := e.PrimaryKey(); ok {
		return e.meta.Name + "(" + pk.String() + ")"
	}
	return e.meta.Name + "(new)"
}

package orm

import (
	"context"
	"fmt"
	"strings"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/entity"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// merge returns the managed instance of a row. Initialized instances keep
// their state unless refresh is set; new identities are registered.
func (em *EntityManager) merge(meta *schema.EntityMetadata, row dialect.Row, refresh bool) (*entity.Entity, error) {
	pk, ok := row[meta.PrimaryKey]
	if !ok || pk.IsNull() {
		return nil, fmt.Errorf("orm: %s row without primary key", meta.Name)
	}
	if e, ok := em.u.IdentityMap().Get(meta.Name, pk); ok {
		if e.IsInitialized() && !refresh {
			return e, nil
		}
		return e, em.fill(e, row)
	}
	e := entity.NewReference(meta, pk)
	e.SetLoader(em)
	if err := em.hydrate(e, row); err != nil {
		return nil, err
	}
	e.MarkInitialized()
	if err := em.u.Register(e); err != nil {
		return nil, err
	}
	return e, nil
}

// fill hydrates an existing instance and records its state as persisted.
func (em *EntityManager) fill(e *entity.Entity, row dialect.Row) error {
	if err := em.hydrate(e, row); err != nil {
		return err
	}
	e.MarkInitialized()
	em.u.Snapshot(e)
	return nil
}

// hydrate copies scalars and owning references of row into e. Owning
// references become managed references of their target.
func (em *EntityManager) hydrate(e *entity.Entity, row dialect.Row) error {
	for _, p := range e.Meta().Properties() {
		v, ok := row[p.Name]
		if !ok {
			continue
		}
		switch {
		case p.Kind == schema.Scalar:
			e.Hydrate(p.Name, v)
		case p.Kind.ToOne() && p.Owner():
			if v.IsNull() {
				e.HydrateReference(p.Name, nil)
				continue
			}
			t, err := em.Reference(p.Target, v)
			if err != nil {
				return err
			}
			e.HydrateReference(p.Name, t)
		}
	}
	return nil
}

// LoadEntity implements entity.Loader.
func (em *EntityManager) LoadEntity(ctx context.Context, e *entity.Entity) error {
	return em.Refresh(ctx, e)
}

// LoadCollection implements entity.Loader.
func (em *EntityManager) LoadCollection(ctx context.Context, c *entity.Collection) error {
	_, err := em.populate(ctx, []*entity.Entity{c.Owner()}, c.Property(), true)
	return err
}

// Populate loads relationship paths of entities in batches: one query per
// path segment, whatever the number of entities. Paths are property names
// joined by dots ("books.tags"). Loaded collections and initialized
// references are kept.
func (em *EntityManager) Populate(ctx context.Context, entities []*entity.Entity, paths ...string) error {
	for _, path := range paths {
		if err := em.populatePath(ctx, entities, path); err != nil {
			return err
		}
	}
	return nil
}

func (em *EntityManager) populatePath(ctx context.Context, entities []*entity.Entity, path string) error {
	if len(entities) == 0 {
		return nil
	}
	head, rest, _ := strings.Cut(path, ".")
	meta := entities[0].Meta()
	for _, e := range entities[1:] {
		if e.Meta() != meta {
			return orbit.ValidationErrorf(meta.Name, head, "cannot populate entities of different types")
		}
	}
	p, ok := meta.Property(head)
	if !ok || p.Kind == schema.Scalar {
		return orbit.ValidationErrorf(meta.Name, head, "not a relationship")
	}
	related, err := em.populate(ctx, entities, p, false)
	if err != nil || rest == "" {
		return err
	}
	return em.populatePath(ctx, related, rest)
}

// populate loads one relationship of owners and returns the related
// entities. With force, loaded collections are read again.
func (em *EntityManager) populate(ctx context.Context, owners []*entity.Entity, p *schema.Property, force bool) ([]*entity.Entity, error) {
	var ids []value.Value
	var keyed []*entity.Entity
	for _, o := range owners {
		if pk, ok := o.PrimaryKey(); ok {
			ids = append(ids, pk)
			keyed = append(keyed, o)
		}
	}
	if len(keyed) == 0 {
		return nil, nil
	}
	switch {
	case p.Kind.ToOne() && p.Owner():
		return em.populateOwningRef(ctx, keyed, p)
	case p.Kind.ToOne():
		return em.populateInverseRef(ctx, keyed, ids, p)
	case p.Kind == schema.O2M:
		return em.populateOneToMany(ctx, keyed, ids, p, force)
	default:
		return em.populateManyToMany(ctx, keyed, ids, p, force)
	}
}

func (em *EntityManager) populateOwningRef(ctx context.Context, owners []*entity.Entity, p *schema.Property) ([]*entity.Entity, error) {
	var ids []value.Value
	var related []*entity.Entity
	for _, o := range owners {
		t := o.Ref(p.Name).Get()
		if t == nil {
			continue
		}
		related = append(related, t)
		if pk, ok := t.PrimaryKey(); ok && !t.IsInitialized() {
			ids = append(ids, pk)
		}
	}
	if _, err := em.loadAll(ctx, p.Target, ids); err != nil {
		return nil, err
	}
	return related, nil
}

func (em *EntityManager) populateInverseRef(ctx context.Context, owners []*entity.Entity, ids []value.Value, p *schema.Property) ([]*entity.Entity, error) {
	targets, err := em.Find(ctx, p.Target, Filter{p.MappedBy: value.List(ids...)})
	if err != nil {
		return nil, err
	}
	byOwner := GroupByKey(targets, func(t *entity.Entity) string { return pkKey(t.Ref(p.MappedBy).Get()) })
	for _, o := range owners {
		if ts := byOwner[pkKey(o)]; len(ts) > 0 {
			o.HydrateReference(p.Name, ts[0])
		}
	}
	return targets, nil
}

func (em *EntityManager) populateOneToMany(ctx context.Context, owners []*entity.Entity, ids []value.Value, p *schema.Property, force bool) ([]*entity.Entity, error) {
	items, err := em.Find(ctx, p.Target, Filter{p.MappedBy: value.List(ids...)})
	if err != nil {
		return nil, err
	}
	byOwner := GroupByKey(items, func(t *entity.Entity) string { return pkKey(t.Ref(p.MappedBy).Get()) })
	for _, o := range owners {
		if c := o.Collection(p.Name); force || !c.IsInitialized() {
			c.Hydrate(byOwner[pkKey(o)])
		}
	}
	return items, nil
}

func (em *EntityManager) populateManyToMany(ctx context.Context, owners []*entity.Entity, ids []value.Value, p *schema.Property, force bool) ([]*entity.Entity, error) {
	members, err := em.driver().LoadCollection(ctx, owners[0].EntityName(), p.Name, ids, em.u.Tx())
	if err != nil {
		return nil, err
	}
	var all []value.Value
	for _, o := range owners {
		all = append(all, members[pkKey(o)]...)
	}
	items, err := em.loadAll(ctx, p.Target, all)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*entity.Entity, len(items))
	for _, it := range items {
		byKey[pkKey(it)] = it
	}
	for _, o := range owners {
		c := o.Collection(p.Name)
		if !force && c.IsInitialized() {
			continue
		}
		var list []*entity.Entity
		for _, id := range members[pkKey(o)] {
			if it, ok := byKey[id.Key()]; ok {
				list = append(list, it)
			}
		}
		c.Hydrate(list)
	}
	return items, nil
}

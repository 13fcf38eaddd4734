package entity

import (
	"context"
	"fmt"
	"slices"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/schema"
)

// State is the load state of a lazy relationship.
type State uint8

// Load states.
const (
	Unloaded State = iota
	Loading
	Loaded
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// Reference wraps a to-one relationship. Its target may be an
// uninitialized entity holding only a primary key.
type Reference struct {
	owner  *Entity
	prop   *schema.Property
	target *Entity
}

// Property returns the relationship metadata.
func (r *Reference) Property() *schema.Property { return r.prop }

// Owner returns the entity holding the reference.
func (r *Reference) Owner() *Entity { return r.owner }

// Get returns the target, or nil.
func (r *Reference) Get() *Entity { return r.target }

// State reports Loaded when the target is absent or initialized.
func (r *Reference) State() State {
	if r.target == nil || r.target.initialized {
		return Loaded
	}
	return Unloaded
}

// Load initializes the target through the owner's loader and returns it.
func (r *Reference) Load(ctx context.Context) (*Entity, error) {
	if r.target == nil || r.target.initialized {
		return r.target, nil
	}
	if err := r.target.Init(ctx); err != nil {
		return nil, err
	}
	return r.target, nil
}

// Set replaces the target and keeps the inverse side in sync.
func (r *Reference) Set(target *Entity) {
	old := r.target
	if old == target {
		return
	}
	r.target = target
	inverse := r.prop.Inverse()
	if inverse == "" {
		return
	}
	switch r.prop.Kind {
	case schema.M2O:
		if old != nil {
			if c := old.colls[inverse]; c != nil {
				c.remove(r.owner)
			}
		}
		if target != nil {
			if c := target.colls[inverse]; c != nil {
				c.add(r.owner)
			}
		}
	case schema.O2O:
		if old != nil {
			if ir := old.refs[inverse]; ir != nil && ir.target == r.owner {
				ir.target = nil
			}
		}
		if target != nil {
			if ir := target.refs[inverse]; ir != nil {
				ir.target = r.owner
			}
		}
	}
}

// Collection wraps a to-many relationship. Changes made while the
// collection is unloaded are recorded and merged on load.
type Collection struct {
	owner    *Entity
	prop     *schema.Property
	state    State
	items    []*Entity
	snapshot []*Entity
	added    []*Entity
	removed  []*Entity
}

// Property returns the relationship metadata.
func (c *Collection) Property() *schema.Property { return c.prop }

// Owner returns the entity holding the collection.
func (c *Collection) Owner() *Entity { return c.owner }

// State returns the load state.
func (c *Collection) State() State { return c.state }

// IsInitialized reports whether the members are loaded.
func (c *Collection) IsInitialized() bool { return c.state == Loaded }

// Items returns the members. It fails on unloaded collections.
func (c *Collection) Items() ([]*Entity, error) {
	if c.state != Loaded {
		return nil, orbit.ValidationErrorf(c.owner.meta.Name, c.prop.Name,
			"Collection<%s> of entity %s not initialized", c.prop.Target, c.owner)
	}
	return slices.Clone(c.items), nil
}

// Len returns the number of loaded members.
func (c *Collection) Len() int { return len(c.items) }

// Contains reports whether e is a loaded or pending member.
func (c *Collection) Contains(e *Entity) bool {
	return slices.Contains(c.items, e) || slices.Contains(c.added, e)
}

// Load fetches the members through the owner's loader.
func (c *Collection) Load(ctx context.Context) ([]*Entity, error) {
	if c.state != Loaded {
		if c.owner.loader == nil {
			return nil, orbit.ValidationErrorf(c.owner.meta.Name, c.prop.Name, "collection owner is not managed")
		}
		c.state = Loading
		if err := c.owner.loader.LoadCollection(ctx, c); err != nil {
			c.state = Unloaded
			return nil, err
		}
	}
	return c.Items()
}

// Hydrate sets the members read from the backend. Pending changes are
// applied on top and remain visible to Diff.
func (c *Collection) Hydrate(items []*Entity) {
	c.snapshot = slices.Clone(items)
	c.items = slices.Clone(items)
	for _, e := range c.removed {
		c.items = slices.DeleteFunc(c.items, func(x *Entity) bool { return x == e })
	}
	for _, e := range c.added {
		if !slices.Contains(c.items, e) {
			c.items = append(c.items, e)
		}
	}
	c.added, c.removed = nil, nil
	c.state = Loaded
}

// Add adds members and updates the inverse side.
func (c *Collection) Add(items ...*Entity) {
	for _, e := range items {
		if c.add(e) {
			c.propagate(e, true)
		}
	}
}

// Remove removes members and updates the inverse side.
func (c *Collection) Remove(items ...*Entity) {
	for _, e := range items {
		if c.remove(e) {
			c.propagate(e, false)
		}
	}
}

// Set replaces the membership of a loaded collection.
func (c *Collection) Set(items ...*Entity) {
	if c.state == Loaded {
		for _, e := range slices.Clone(c.items) {
			if !slices.Contains(items, e) {
				c.Remove(e)
			}
		}
	}
	c.Add(items...)
}

func (c *Collection) add(e *Entity) bool {
	if e == nil {
		return false
	}
	if c.state == Loaded {
		if slices.Contains(c.items, e) {
			return false
		}
		c.items = append(c.items, e)
		return true
	}
	if i := slices.Index(c.removed, e); i >= 0 {
		c.removed = slices.Delete(c.removed, i, i+1)
		return true
	}
	if slices.Contains(c.added, e) {
		return false
	}
	c.added = append(c.added, e)
	return true
}

func (c *Collection) remove(e *Entity) bool {
	if e == nil {
		return false
	}
	if c.state == Loaded {
		i := slices.Index(c.items, e)
		if i < 0 {
			return false
		}
		c.items = slices.Delete(c.items, i, i+1)
		return true
	}
	if i := slices.Index(c.added, e); i >= 0 {
		c.added = slices.Delete(c.added, i, i+1)
		return true
	}
	if slices.Contains(c.removed, e) {
		return false
	}
	c.removed = append(c.removed, e)
	return true
}

// propagate mirrors a membership change on the other side.
func (c *Collection) propagate(e *Entity, added bool) {
	inverse := c.prop.Inverse()
	if inverse == "" {
		return
	}
	switch c.prop.Kind {
	case schema.O2M:
		r := e.refs[inverse]
		if r == nil {
			return
		}
		if added {
			if old := r.target; old != nil && old != c.owner {
				if oc := old.colls[c.prop.Name]; oc != nil {
					oc.remove(e)
				}
			}
			r.target = c.owner
		} else if r.target == c.owner {
			r.target = nil
		}
	case schema.M2M:
		ic := e.colls[inverse]
		if ic == nil {
			return
		}
		if added {
			ic.add(c.owner)
		} else {
			ic.remove(c.owner)
		}
	}
}

// Diff returns the members added and removed since the last snapshot.
func (c *Collection) Diff() (added, removed []*Entity) {
	if c.state != Loaded {
		return slices.Clone(c.added), slices.Clone(c.removed)
	}
	for _, e := range c.items {
		if !slices.Contains(c.snapshot, e) {
			added = append(added, e)
		}
	}
	for _, e := range c.snapshot {
		if !slices.Contains(c.items, e) {
			removed = append(removed, e)
		}
	}
	return added, removed
}

// Dirty reports whether the membership changed since the last snapshot.
func (c *Collection) Dirty() bool {
	added, removed := c.Diff()
	return len(added) > 0 || len(removed) > 0
}

// TakeSnapshot records the current membership as persisted.
func (c *Collection) TakeSnapshot() {
	if c.state == Loaded {
		c.snapshot = slices.Clone(c.items)
		return
	}
	c.added, c.removed = nil, nil
}

// RestoreSnapshot sets the snapshot, used to undo TakeSnapshot.
func (c *Collection) RestoreSnapshot(snapshot []*Entity) {
	c.snapshot = slices.Clone(snapshot)
}

// Snapshot returns the membership recorded by the last snapshot.
func (c *Collection) Snapshot() []*Entity { return slices.Clone(c.snapshot) }

// Evict drops e from the members, the snapshot and the pending changes
// without touching the inverse side. It is used once e has been deleted.
func (c *Collection) Evict(e *Entity) bool {
	n := len(c.items) + len(c.snapshot) + len(c.added) + len(c.removed)
	drop := func(x *Entity) bool { return x == e }
	c.items = slices.DeleteFunc(c.items, drop)
	c.snapshot = slices.DeleteFunc(c.snapshot, drop)
	c.added = slices.DeleteFunc(c.added, drop)
	c.removed = slices.DeleteFunc(c.removed, drop)
	return len(c.items)+len(c.snapshot)+len(c.added)+len(c.removed) != n
}

// Reset discards members and pending changes and marks the collection
// unloaded.
func (c *Collection) Reset() {
	c.items, c.snapshot, c.added, c.removed = nil, nil, nil, nil
	c.state = Unloaded
}

// String implements fmt.Stringer.
func (c *Collection) String() string {
	return fmt.Sprintf("Collection<%s>(%s.%s, %s, %d)", c.prop.Target, c.owner, c.prop.Name, c.state, len(c.items))
}

package uow

import (
	"sort"

	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/dialect/document"
	"github.com/syssam/orbit/entity"
	"github.com/syssam/orbit/value"
)

// ChangeKind is the kind of write a change set produces.
type ChangeKind uint8

// Change set kinds, in execution order.
const (
	Insert ChangeKind = iota
	Patch
	Update
	Delete
)

func (k ChangeKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Patch:
		return "patch"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "unknown"
}

// ChangeSet is the pending write of one entity.
type ChangeSet struct {
	Kind   ChangeKind
	Entity *entity.Entity
	// Payload holds the values to write: every set value for inserts, the
	// changed ones for updates and patches.
	Payload dialect.Row
	// Version is the version the row is expected to hold, for updates of
	// versioned entities.
	Version value.Value
}

// Name returns the entity name.
func (cs *ChangeSet) Name() string { return cs.Entity.EntityName() }

// Properties returns the sorted names of the payload properties.
func (cs *ChangeSet) Properties() []string {
	out := make([]string, 0, len(cs.Payload))
	for k := range cs.Payload {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CollectionChange is the pending membership change of a many-to-many
// collection. With Clear, every stored membership of the owner is removed,
// whatever the loaded state of the collection.
type CollectionChange struct {
	Collection *entity.Collection
	Added      []*entity.Entity
	Removed    []*entity.Entity
	Clear      bool
}

// snapshot is the persisted state of a managed entity.
type snapshot map[string]value.Value

// capture copies the persisted state of e. Documents are deep copied so
// in-place mutation is detected.
func capture(e *entity.Entity) snapshot {
	vals := e.Values()
	out := make(snapshot, len(vals))
	for k, v := range vals {
		if d, ok := v.AsDoc(); ok {
			v = value.Doc(document.Clone(d))
		}
		out[k] = v
	}
	return out
}

// diff returns the values of e that differ from s. Properties missing on
// either side compare as Null.
func diff(e *entity.Entity, s snapshot) dialect.Row {
	out := dialect.Row{}
	cur := e.Values()
	for k, v := range cur {
		if !v.Equal(s[k]) {
			out[k] = v
		}
	}
	for k, old := range s {
		if _, ok := cur[k]; !ok && !old.IsNull() {
			out[k] = value.Null()
		}
	}
	return out
}

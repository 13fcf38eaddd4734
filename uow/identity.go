package uow

import (
	"github.com/syssam/orbit"
	"github.com/syssam/orbit/entity"
	"github.com/syssam/orbit/value"
)

// IdentityMap holds the single live instance of every identity of a
// session, keyed by entity name and primary key.
type IdentityMap struct {
	entries map[string]*entity.Entity
	order   []string
}

// NewIdentityMap returns an empty identity map.
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{entries: make(map[string]*entity.Entity)}
}

func identity(name string, pk value.Value) string { return name + "#" + pk.Key() }

// Get returns the instance of an identity.
func (m *IdentityMap) Get(name string, pk value.Value) (*entity.Entity, bool) {
	e, ok := m.entries[identity(name, pk)]
	return e, ok
}

// Has reports whether an identity is live.
func (m *IdentityMap) Has(name string, pk value.Value) bool {
	_, ok := m.entries[identity(name, pk)]
	return ok
}

// Set registers e under its primary key. Registering the live instance
// again is a no-op; registering a different instance for a live identity
// fails with an IdentityCollisionError.
func (m *IdentityMap) Set(e *entity.Entity) error {
	pk, ok := e.PrimaryKey()
	if !ok {
		return orbit.ValidationErrorf(e.EntityName(), "", "entity without primary key cannot be managed")
	}
	k := identity(e.EntityName(), pk)
	if cur, ok := m.entries[k]; ok {
		if cur != e {
			return &orbit.IdentityCollisionError{Entity: e.EntityName(), ID: pk.Interface()}
		}
		return nil
	}
	m.entries[k] = e
	m.order = append(m.order, k)
	return nil
}

// Remove evicts an identity.
func (m *IdentityMap) Remove(name string, pk value.Value) {
	k := identity(name, pk)
	if _, ok := m.entries[k]; !ok {
		return
	}
	delete(m.entries, k)
	for i, o := range m.order {
		if o == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of live identities.
func (m *IdentityMap) Len() int { return len(m.entries) }

// Values returns the live instances in registration order.
func (m *IdentityMap) Values() []*entity.Entity {
	out := make([]*entity.Entity, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.entries[k])
	}
	return out
}

// Clear evicts every identity.
func (m *IdentityMap) Clear() {
	m.entries = make(map[string]*entity.Entity)
	m.order = nil
}

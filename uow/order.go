package uow

import (
	"github.com/syssam/orbit/entity"
)

// dependencies returns the targets of the owning to-one references of e,
// split into required (non-nullable) and optional ones.
func dependencies(e *entity.Entity) (required, optional []*entity.Entity) {
	for _, p := range e.Meta().Relations() {
		if !p.Kind.ToOne() || !p.Owner() {
			continue
		}
		t := e.Ref(p.Name).Get()
		if t == nil {
			continue
		}
		if p.Nullable {
			optional = append(optional, t)
		} else {
			required = append(required, t)
		}
	}
	return required, optional
}

// CommitOrder orders entities so that the targets of their owning
// references come first. Ties keep the given order. When no entity has
// all its dependencies placed, the first one whose required dependencies
// are placed is taken, and failing that the first remaining one; the
// references left unresolved that way are patched after insertion.
func CommitOrder(entities []*entity.Entity) []*entity.Entity {
	pending := make(map[*entity.Entity]bool, len(entities))
	for _, e := range entities {
		pending[e] = true
	}
	ready := func(deps []*entity.Entity, self *entity.Entity) bool {
		for _, d := range deps {
			if d != self && pending[d] {
				return false
			}
		}
		return true
	}
	out := make([]*entity.Entity, 0, len(entities))
	for len(out) < len(entities) {
		var pick, fallback, last *entity.Entity
		for _, e := range entities {
			if !pending[e] {
				continue
			}
			if last == nil {
				last = e
			}
			required, optional := dependencies(e)
			if !ready(required, e) {
				continue
			}
			if ready(optional, e) {
				pick = e
				break
			}
			if fallback == nil {
				fallback = e
			}
		}
		switch {
		case pick != nil:
		case fallback != nil:
			pick = fallback
		default:
			pick = last
		}
		delete(pending, pick)
		out = append(out, pick)
	}
	return out
}

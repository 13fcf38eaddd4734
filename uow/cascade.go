package uow

import (
	"github.com/syssam/orbit/entity"
	"github.com/syssam/orbit/schema"
)

// Cascade returns root and every entity reachable from it through
// relationships declaring op, root first. Propagation stops at edges that
// do not declare op, and each entity is visited once, so cyclic graphs
// terminate. Uninitialized entities are included but not traversed.
func Cascade(root *entity.Entity, op schema.Cascade) []*entity.Entity {
	if root == nil {
		return nil
	}
	visited := map[*entity.Entity]bool{root: true}
	out := []*entity.Entity{root}
	for i := 0; i < len(out); i++ {
		e := out[i]
		if !e.IsInitialized() {
			continue
		}
		for _, p := range e.Meta().Relations() {
			if !p.Cascade.Has(op) {
				continue
			}
			for _, t := range related(e, p) {
				if !visited[t] {
					visited[t] = true
					out = append(out, t)
				}
			}
		}
	}
	return out
}

// related returns the entities held by a relationship property: the target
// of a reference, or the members and pending additions of a collection.
func related(e *entity.Entity, p *schema.Property) []*entity.Entity {
	if p.Kind.ToOne() {
		if t := e.Ref(p.Name).Get(); t != nil {
			return []*entity.Entity{t}
		}
		return nil
	}
	c := e.Collection(p.Name)
	if c.IsInitialized() {
		items, _ := c.Items()
		return items
	}
	added, _ := c.Diff()
	return added
}

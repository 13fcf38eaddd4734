package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Registry is the immutable set of entity metadata shared by all sessions.
type Registry struct {
	entities map[string]*EntityMetadata
	order    []string
	naming   NamingStrategy
}

// Get returns the metadata of the named entity.
func (r *Registry) Get(name string) (*EntityMetadata, bool) {
	m, ok := r.entities[name]
	return m, ok
}

// MustGet is like Get but panics on unknown entities.
func (r *Registry) MustGet(name string) *EntityMetadata {
	m, ok := r.entities[name]
	if !ok {
		panic(fmt.Sprintf("schema: unknown entity %q", name))
	}
	return m
}

// All returns every entity in registration order.
func (r *Registry) All() []*EntityMetadata {
	out := make([]*EntityMetadata, len(r.order))
	for i, name := range r.order {
		out[i] = r.entities[name]
	}
	return out
}

// Names returns the entity names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Naming returns the naming strategy the registry was built with.
func (r *Registry) Naming() NamingStrategy { return r.naming }

// Build compiles entity declarations into a registry. Every relationship
// target must be declared, inverse sides are linked to their owners and
// physical names are derived from the naming strategy. All declaration
// errors are reported together.
func Build(naming NamingStrategy, defs ...*EntityBuilder) (*Registry, error) {
	if naming == nil {
		naming = UnderscoreNamingStrategy{}
	}
	r := &Registry{
		entities: make(map[string]*EntityMetadata, len(defs)),
		naming:   naming,
	}
	var errs []error
	for _, def := range defs {
		m, err := compile(naming, def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := r.entities[m.Name]; ok {
			errs = append(errs, fmt.Errorf("schema: duplicate entity %q", m.Name))
			continue
		}
		r.entities[m.Name] = m
		r.order = append(r.order, m.Name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, name := range r.order {
		if err := r.link(r.entities[name]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

func compile(naming NamingStrategy, def *EntityBuilder) (*EntityMetadata, error) {
	if def == nil || def.name == "" {
		return nil, errors.New("schema: entity name is required")
	}
	m := &EntityMetadata{
		Name:       def.name,
		Collection: def.collection,
		props:      make(map[string]*Property),
		byField:    make(map[string]*Property),
	}
	if m.Collection == "" {
		m.Collection = naming.ClassToTableName(def.name)
	}
	add := func(p *Property) error {
		if p.Name == "" {
			return fmt.Errorf("schema: %s: property name is required", m.Name)
		}
		if _, ok := m.props[p.Name]; ok {
			return fmt.Errorf("schema: %s: duplicate property %q", m.Name, p.Name)
		}
		m.props[p.Name] = p
		m.order = append(m.order, p.Name)
		return nil
	}
	var pks []string
	for _, fb := range def.fields {
		p := *fb.desc
		if p.FieldName == "" {
			p.FieldName = naming.PropertyToColumnName(p.Name)
		}
		if p.Primary {
			pks = append(pks, p.Name)
		}
		if p.Version {
			if p.Type != TypeInt {
				return nil, fmt.Errorf("schema: %s.%s: version field must be an integer", m.Name, p.Name)
			}
			if m.version != "" {
				return nil, fmt.Errorf("schema: %s: multiple version fields", m.Name)
			}
			m.version = p.Name
		}
		if err := add(&p); err != nil {
			return nil, err
		}
	}
	switch len(pks) {
	case 0:
		return nil, fmt.Errorf("schema: %s: primary key is required", m.Name)
	case 1:
		m.PrimaryKey = pks[0]
	default:
		return nil, fmt.Errorf("schema: %s: composite primary keys are not supported (%s)", m.Name, strings.Join(pks, ", "))
	}
	for _, eb := range def.edges {
		p := *eb.desc
		if p.Target == "" {
			return nil, fmt.Errorf("schema: %s.%s: relationship target is required", m.Name, p.Name)
		}
		switch p.Kind {
		case O2M:
			if p.MappedBy == "" {
				return nil, fmt.Errorf("schema: %s.%s: one-to-many requires mappedBy", m.Name, p.Name)
			}
		case M2O:
			if p.MappedBy != "" {
				return nil, fmt.Errorf("schema: %s.%s: many-to-one is always the owning side", m.Name, p.Name)
			}
		}
		if p.Owner() {
			switch p.Kind {
			case M2O, O2O:
				if p.FieldName == "" {
					p.FieldName = naming.JoinColumnName(p.Name)
				}
			case M2M:
				if p.FieldName == "" {
					p.FieldName = naming.PropertyToColumnName(p.Name)
				}
				table := eb.pivot
				if table == "" {
					table = naming.JoinTableName(m.Collection, p.Name)
				}
				pv := &Pivot{
					Table:         table,
					OwnerColumn:   naming.JoinKeyColumnName(m.Name),
					InverseColumn: naming.JoinKeyColumnName(p.Target),
				}
				if pv.OwnerColumn == pv.InverseColumn {
					base := strings.TrimSuffix(pv.OwnerColumn, "_id")
					pv.OwnerColumn, pv.InverseColumn = base+"_1_id", base+"_2_id"
				}
				p.Pivot = pv
			}
		} else {
			p.FieldName = ""
		}
		if err := add(&p); err != nil {
			return nil, err
		}
	}
	for _, p := range m.props {
		if p.FieldName != "" {
			m.byField[p.FieldName] = p
		}
	}
	for _, p := range m.Properties() {
		if p.Unique || p.Index {
			if p.Kind != Scalar && !p.Owner() {
				continue
			}
			m.Indexes = append(m.Indexes, &IndexDescriptor{
				Name:       indexName(m.Collection, []string{p.FieldName}, p.Unique),
				Properties: []string{p.Name},
				Unique:     p.Unique,
			})
		}
	}
	for _, ib := range def.indexes {
		idx := *ib.desc
		idx.Properties = append([]string(nil), idx.Properties...)
		if len(idx.Properties) == 0 {
			return nil, fmt.Errorf("schema: %s: index without properties", m.Name)
		}
		fields := make([]string, len(idx.Properties))
		for i, name := range idx.Properties {
			p, ok := m.props[name]
			if !ok {
				return nil, fmt.Errorf("schema: %s: index references unknown property %q", m.Name, name)
			}
			fields[i] = p.FieldName
		}
		if idx.Name == "" {
			idx.Name = indexName(m.Collection, fields, idx.Unique)
		}
		m.Indexes = append(m.Indexes, &idx)
	}
	return m, nil
}

func indexName(table string, fields []string, unique bool) string {
	suffix := "index"
	if unique {
		suffix = "unique"
	}
	return table + "_" + strings.Join(fields, "_") + "_" + suffix
}

// link resolves relationship targets and connects inverse sides.
func (r *Registry) link(m *EntityMetadata) error {
	var errs []error
	for _, p := range m.Relations() {
		target, ok := r.entities[p.Target]
		if !ok {
			errs = append(errs, fmt.Errorf("schema: %s.%s: unknown target entity %q", m.Name, p.Name, p.Target))
			continue
		}
		if p.MappedBy == "" {
			if p.InversedBy != "" {
				inv, ok := target.props[p.InversedBy]
				if !ok || inv.Target != m.Name || inv.MappedBy != p.Name {
					errs = append(errs, fmt.Errorf("schema: %s.%s: inversedBy %q must be mapped by %q on %s", m.Name, p.Name, p.InversedBy, p.Name, target.Name))
				}
			}
			continue
		}
		owner, ok := target.props[p.MappedBy]
		if !ok || owner.Target != m.Name || !owner.Owner() {
			errs = append(errs, fmt.Errorf("schema: %s.%s: mappedBy %q is not an owning relationship to %s on %s", m.Name, p.Name, p.MappedBy, m.Name, target.Name))
			continue
		}
		if want := inverseKind(owner.Kind); want != p.Kind {
			errs = append(errs, fmt.Errorf("schema: %s.%s: %s cannot be the inverse of %s %s.%s", m.Name, p.Name, p.Kind, owner.Kind, target.Name, owner.Name))
			continue
		}
		if owner.InversedBy == "" {
			owner.InversedBy = p.Name
		}
	}
	return errors.Join(errs...)
}

func inverseKind(k ReferenceKind) ReferenceKind {
	if k == M2O {
		return O2M
	}
	return k
}

// Dependencies returns the names of entities referenced by owning to-one
// properties of m, sorted.
func (m *EntityMetadata) Dependencies() []string {
	seen := make(map[string]bool)
	for _, p := range m.Relations() {
		if p.Kind.ToOne() && p.Owner() {
			seen[p.Target] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

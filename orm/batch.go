package orm

import (
	"context"
	"errors"

	"github.com/syssam/orbit/entity"
	"github.com/syssam/orbit/value"
)

// ErrNotLoaded is reported by LoadMany for keys without a matching row.
var ErrNotLoaded = errors.New("orm: entity not found")

// KeyFunc extracts a key from a value.
type KeyFunc[K comparable, V any] func(V) K

// OrderByKeys reorders values to match keys. Missing values are zero with
// an ErrNotLoaded error at the same index.
func OrderByKeys[K comparable, V any](keys []K, values []V, keyFn KeyFunc[K, V]) ([]V, []error) {
	lookup := make(map[K]V, len(values))
	for _, v := range values {
		lookup[keyFn(v)] = v
	}
	result := make([]V, len(keys))
	errs := make([]error, len(keys))
	for i, key := range keys {
		if v, ok := lookup[key]; ok {
			result[i] = v
		} else {
			errs[i] = ErrNotLoaded
		}
	}
	return result, errs
}

// GroupByKey groups values by key.
func GroupByKey[K comparable, V any](values []V, keyFn KeyFunc[K, V]) map[K][]V {
	result := make(map[K][]V)
	for _, v := range values {
		key := keyFn(v)
		result[key] = append(result[key], v)
	}
	return result
}

// pkKey is the identity key of an entity, empty without primary key.
func pkKey(e *entity.Entity) string {
	if e == nil {
		return ""
	}
	pk, ok := e.PrimaryKey()
	if !ok {
		return ""
	}
	return pk.Key()
}

// LoadMany loads entities by primary key with at most one query, reusing
// initialized managed instances. Results follow the order of ids; ids
// without a row yield a nil entity and an ErrNotLoaded error. Its shape
// fits batch loaders keyed by primary key.
func (em *EntityManager) LoadMany(ctx context.Context, name string, ids []value.Value) ([]*entity.Entity, []error) {
	errs := make([]error, len(ids))
	meta, err := em.meta(name)
	if err != nil {
		for i := range errs {
			errs[i] = err
		}
		return make([]*entity.Entity, len(ids)), errs
	}
	keys := make([]string, len(ids))
	var found []*entity.Entity
	var missing []value.Value
	seen := make(map[string]bool)
	for i, id := range ids {
		id = meta.PK().Type.Coerce(id)
		keys[i] = id.Key()
		if seen[keys[i]] {
			continue
		}
		seen[keys[i]] = true
		if e, ok := em.u.IdentityMap().Get(name, id); ok && e.IsInitialized() {
			found = append(found, e)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		loaded, err := em.Find(ctx, name, Filter{meta.PrimaryKey: value.List(missing...)})
		if err != nil {
			for i := range errs {
				errs[i] = err
			}
			return make([]*entity.Entity, len(ids)), errs
		}
		found = append(found, loaded...)
	}
	return OrderByKeys(keys, found, pkKey)
}

// loadAll is LoadMany dropping missing entities.
func (em *EntityManager) loadAll(ctx context.Context, name string, ids []value.Value) ([]*entity.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	entities, errs := em.LoadMany(ctx, name, ids)
	out := make([]*entity.Entity, 0, len(entities))
	for i, e := range entities {
		switch {
		case errs[i] == nil:
			out = append(out, e)
		case !errors.Is(errs[i], ErrNotLoaded):
			return nil, errs[i]
		}
	}
	return out, nil
}

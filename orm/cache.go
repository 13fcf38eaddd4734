package orm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// resultCache stores driver rows of cacheable reads, msgpack encoded.
type resultCache struct {
	adapter orbit.Cache
	ttl     time.Duration
	enabled bool
	logger  *slog.Logger
}

func cacheKey(entity, op string, where dialect.Where, opts dialect.FindOptions) orbit.CacheKey {
	preds := make(map[string]any, len(where))
	for k, v := range where {
		preds[k] = v.Interface()
	}
	order := make([]string, len(opts.OrderBy))
	for i, o := range opts.OrderBy {
		order[i] = o.Property
		if o.Desc {
			order[i] += " desc"
		}
	}
	return orbit.CacheKey{
		Entity:     entity,
		Operation:  op,
		Predicates: fmt.Sprint(preds),
		OrderBy:    strings.Join(order, ","),
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	}
}

// get returns the cached rows of key. Undecodable entries are treated as
// misses.
func (c *resultCache) get(ctx context.Context, meta *schema.EntityMetadata, key orbit.CacheKey) ([]dialect.Row, bool) {
	data, err := c.adapter.Get(ctx, key.Fingerprint())
	if err != nil || data == nil {
		return nil, false
	}
	var raw []map[string]any
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		c.logger.WarnContext(ctx, "dropping undecodable cache entry", "entity", key.Entity, "error", err)
		return nil, false
	}
	rows := make([]dialect.Row, 0, len(raw))
	for _, r := range raw {
		row := make(dialect.Row, len(r))
		for name, rv := range r {
			p, ok := meta.Property(name)
			if !ok {
				continue
			}
			v, err := value.Of(rv)
			if err != nil {
				return nil, false
			}
			if p.Kind == schema.Scalar && p.Type != schema.TypeJSON {
				v = p.Type.Coerce(v)
			}
			row[name] = v
		}
		rows = append(rows, row)
	}
	return rows, true
}

func (c *resultCache) set(ctx context.Context, key orbit.CacheKey, rows []dialect.Row) {
	raw := make([]map[string]any, len(rows))
	for i, row := range rows {
		r := make(map[string]any, len(row))
		for name, v := range row {
			r[name] = v.Interface()
		}
		raw[i] = r
	}
	data, err := msgpack.Marshal(raw)
	if err != nil {
		c.logger.WarnContext(ctx, "result not cached", "entity", key.Entity, "error", err)
		return
	}
	if err := c.adapter.Set(ctx, key.Fingerprint(), data, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "result not cached", "entity", key.Entity, "error", err)
	}
}

// invalidate drops the cached results of entities.
func (c *resultCache) invalidate(ctx context.Context, entities ...string) {
	if !c.enabled {
		return
	}
	for _, name := range entities {
		if err := c.adapter.DeletePrefix(ctx, name+":"); err != nil {
			c.logger.WarnContext(ctx, "cache invalidation failed", "entity", name, "error", err)
		}
	}
}

package sql

import (
	"context"

	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/schema"
)

// indexDef is one index to create.
type indexDef struct {
	entity  string
	name    string
	table   string
	columns []string
	unique  bool
}

// indexes returns the declared indexes of every entity, followed by a
// unique index per pivot table.
func (d *Driver) indexes() ([]indexDef, error) {
	var defs []indexDef
	for _, meta := range d.Metadata().All() {
		for _, idx := range meta.Indexes {
			cols := make([]string, 0, len(idx.Properties))
			for _, name := range idx.Properties {
				p, err := d.property(meta, name)
				if err != nil {
					return nil, err
				}
				if !p.Persisted(true) {
					continue
				}
				cols = append(cols, p.FieldName)
			}
			if len(cols) == 0 {
				continue
			}
			defs = append(defs, indexDef{
				entity:  meta.Name,
				name:    idx.Name,
				table:   meta.Collection,
				columns: cols,
				unique:  idx.Unique,
			})
		}
		for _, p := range meta.Relations() {
			if p.Kind != schema.M2M || p.Pivot == nil {
				continue
			}
			defs = append(defs, indexDef{
				entity:  meta.Name,
				name:    p.Pivot.Table + "_pkey_unique",
				table:   p.Pivot.Table,
				columns: []string{p.Pivot.OwnerColumn, p.Pivot.InverseColumn},
				unique:  true,
			})
		}
	}
	return defs, nil
}

// EnsureIndexes implements dialect.Driver. Tables are expected to exist;
// indexes are created when missing.
func (d *Driver) EnsureIndexes(ctx context.Context) error {
	defs, err := d.indexes()
	if err != nil {
		return err
	}
	c, err := d.conn("ensureIndexes", nil)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if d.platform.dialect == dialect.MySQL {
			exists, err := d.mysqlIndexExists(ctx, c, def)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
		}
		b := NewBuilder(d.platform).WriteString("CREATE ")
		if def.unique {
			b.WriteString("UNIQUE ")
		}
		b.WriteString("INDEX ")
		if d.platform.dialect != dialect.MySQL {
			b.WriteString("IF NOT EXISTS ")
		}
		q, args := b.Ident(def.name).
			WriteString(" ON ").Ident(def.table).
			WriteString(" (").Idents(def.columns...).WriteString(")").
			Query()
		if _, err := c.Exec(ctx, q, args...); err != nil {
			return wrapError(d.Name(), "ensureIndexes", def.entity, err)
		}
		d.logger.DebugContext(ctx, "index ensured", "index", def.name, "table", def.table, "unique", def.unique)
	}
	return nil
}

// mysqlIndexExists reports whether the index exists in the current schema.
// MySQL has no CREATE INDEX IF NOT EXISTS.
func (d *Driver) mysqlIndexExists(ctx context.Context, c Conn, def indexDef) (bool, error) {
	q, args := NewBuilder(d.platform).
		WriteString("SELECT COUNT(*) FROM information_schema.statistics WHERE table_schema = DATABASE() AND table_name = ").Arg(def.table).
		WriteString(" AND index_name = ").Arg(def.name).
		Query()
	rows, err := c.Query(ctx, q, args...)
	if err != nil {
		return false, wrapError(d.Name(), "ensureIndexes", def.entity, err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return false, wrapError(d.Name(), "ensureIndexes", def.entity, err)
		}
	}
	return n > 0, wrapError(d.Name(), "ensureIndexes", def.entity, rows.Err())
}

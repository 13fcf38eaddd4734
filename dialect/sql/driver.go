package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/jmoiron/sqlx"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// Driver is a dialect.Driver implementation for SQL based databases.
// Many-to-many relationships are stored in pivot tables.
type Driver struct {
	*dialect.Base
	platform   *Platform
	connection *Connection
	logger     *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger used for index maintenance messages.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDriver creates a new Driver for the platform and connection.
func NewDriver(p *Platform, c *Connection, opts ...Option) *Driver {
	d := &Driver{
		Base:       dialect.NewBase(p.dialect, p, c),
		platform:   p,
		connection: c,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open returns a Driver for the named dialect ("postgres", "mysql" or
// "sqlite") and data source. The pool is opened by Connect.
func Open(name, source string, opts ...Option) (*Driver, error) {
	p, ok := NewPlatform(name)
	if !ok {
		return nil, fmt.Errorf("dialect/sql: unsupported dialect %q", name)
	}
	return NewDriver(p, NewConnection(p, source), opts...), nil
}

// OpenDB wraps an open database/sql.DB with a Driver.
func OpenDB(name string, db *sql.DB, opts ...Option) (*Driver, error) {
	p, ok := NewPlatform(name)
	if !ok {
		return nil, fmt.Errorf("dialect/sql: unsupported dialect %q", name)
	}
	c := NewConnection(p, "")
	c.db = sqlx.NewDb(db, p.DriverName())
	return NewDriver(p, c, opts...), nil
}

// Dialect returns the dialect name.
func (d *Driver) Dialect() string { return d.platform.dialect }

// DB returns the underlying pool, or nil before Connect.
func (d *Driver) DB() *sqlx.DB { return d.connection.DB() }

// Begin implements dialect.Driver.
func (d *Driver) Begin(ctx context.Context) (dialect.Tx, error) {
	return d.BeginTx(ctx, nil)
}

// BeginTx starts a transaction with options.
func (d *Driver) BeginTx(ctx context.Context, opts *sql.TxOptions) (dialect.Tx, error) {
	db := d.DB()
	if db == nil {
		return nil, d.notConnected("begin")
	}
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return nil, d.Wrap("begin", "", err)
	}
	return &Tx{Conn: Conn{tx, d.platform.dialect}, tx: tx}, nil
}

func (d *Driver) notConnected(op string) error {
	return d.Wrap(op, "", fmt.Errorf("dialect/sql: %s is not connected", d.platform.dialect))
}

// conn returns the Conn a statement runs on: the transaction when given,
// the pool otherwise.
func (d *Driver) conn(op string, tx dialect.Tx) (Conn, error) {
	if tx == nil {
		db := d.DB()
		if db == nil {
			return Conn{}, d.notConnected(op)
		}
		return Conn{db, d.platform.dialect}, nil
	}
	t, ok := dialect.UnwrapTx(tx).(*Tx)
	if !ok {
		return Conn{}, fmt.Errorf("dialect/sql: unexpected transaction type %T", tx)
	}
	return t.Conn, nil
}

// columns returns the physical columns stored on the rows of meta.
func columns(meta *schema.EntityMetadata) []string {
	var cols []string
	for _, p := range meta.Properties() {
		if p.Persisted(true) {
			cols = append(cols, p.FieldName)
		}
	}
	return cols
}

// encode converts composite values to JSON text.
func encode(v any) (any, error) {
	switch v.(type) {
	case nil, []byte:
		return v, nil
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

func (d *Driver) fields(meta *schema.EntityMetadata, row dialect.Row) (map[string]any, error) {
	fields, err := d.Fields(meta, row)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		if fields[k], err = encode(v); err != nil {
			return nil, orbit.ValidationErrorf(meta.Name, k, "%v", err)
		}
	}
	return fields, nil
}

func (d *Driver) conditions(meta *schema.EntityMetadata, where dialect.Where) ([]dialect.Cond, error) {
	conds, err := d.Conditions(meta, where)
	if err != nil {
		return nil, err
	}
	for i, c := range conds {
		if vals, ok := c.Value.([]any); ok && (c.Op == dialect.OpIn || c.Op == dialect.OpNin) {
			for j, v := range vals {
				if vals[j], err = encode(v); err != nil {
					return nil, orbit.ValidationErrorf(meta.Name, c.Field, "%v", err)
				}
			}
			continue
		}
		if conds[i].Value, err = encode(c.Value); err != nil {
			return nil, orbit.ValidationErrorf(meta.Name, c.Field, "%v", err)
		}
	}
	return conds, nil
}

// selectQuery builds the SELECT statement of a find.
func (d *Driver) selectQuery(meta *schema.EntityMetadata, conds []dialect.Cond, opts dialect.FindOptions) (string, []any, error) {
	b := NewBuilder(d.platform).
		WriteString("SELECT ").Idents(columns(meta)...).
		WriteString(" FROM ").Ident(meta.Collection).
		Where(conds)
	if len(opts.OrderBy) > 0 {
		fields := make([]string, len(opts.OrderBy))
		desc := make([]bool, len(opts.OrderBy))
		for i, o := range opts.OrderBy {
			p, ok := meta.Property(o.Property)
			if !ok || !p.Persisted(true) {
				return "", nil, orbit.ValidationErrorf(meta.Name, o.Property, "cannot order by this property")
			}
			fields[i], desc[i] = p.FieldName, o.Desc
		}
		b.OrderBy(fields, desc)
	}
	b.Paginate(opts.Limit, opts.Offset).Lock(opts.Lock)
	q, args := b.Query()
	return q, args, nil
}

func (d *Driver) checkLock(entity string, mode orbit.LockMode, tx dialect.Tx) error {
	if !mode.Pessimistic() {
		return nil
	}
	if !d.platform.SupportsRowLocks() {
		return d.Unsupported("Pessimistic locks")
	}
	if tx == nil {
		return orbit.ValidationErrorf(entity, "", "pessimistic locks require an open transaction")
	}
	return nil
}

// Find implements dialect.Driver.
func (d *Driver) Find(ctx context.Context, entity string, where dialect.Where, opts dialect.FindOptions, tx dialect.Tx) ([]dialect.Row, error) {
	meta, err := d.Entity(entity)
	if err != nil {
		return nil, err
	}
	if err := d.checkLock(entity, opts.Lock, tx); err != nil {
		return nil, err
	}
	conds, err := d.conditions(meta, where)
	if err != nil {
		return nil, err
	}
	q, args, err := d.selectQuery(meta, conds, opts)
	if err != nil {
		return nil, err
	}
	c, err := d.conn("find", tx)
	if err != nil {
		return nil, err
	}
	rows, err := c.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapError(d.Name(), "find", entity, err)
	}
	defer rows.Close()
	var out []dialect.Row
	for rows.Next() {
		raw := make(map[string]any)
		if err := rows.MapScan(raw); err != nil {
			return nil, wrapError(d.Name(), "find", entity, err)
		}
		row, err := d.MapResult(meta, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(d.Name(), "find", entity, err)
	}
	return out, nil
}

// FindOne implements dialect.Driver.
func (d *Driver) FindOne(ctx context.Context, entity string, where dialect.Where, opts dialect.FindOptions, tx dialect.Tx) (dialect.Row, error) {
	opts.Limit = 1
	rows, err := d.Find(ctx, entity, where, opts, tx)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Count implements dialect.Driver.
func (d *Driver) Count(ctx context.Context, entity string, where dialect.Where, tx dialect.Tx) (int64, error) {
	meta, err := d.Entity(entity)
	if err != nil {
		return 0, err
	}
	conds, err := d.conditions(meta, where)
	if err != nil {
		return 0, err
	}
	c, err := d.conn("count", tx)
	if err != nil {
		return 0, err
	}
	q, args := Count(d.platform, meta.Collection, conds)
	rows, err := c.Query(ctx, q, args...)
	if err != nil {
		return 0, wrapError(d.Name(), "count", entity, err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, wrapError(d.Name(), "count", entity, err)
		}
	}
	return n, wrapError(d.Name(), "count", entity, rows.Err())
}

// NativeInsert implements dialect.Driver. Generated keys are read back
// with RETURNING on Postgres and from the last insert id elsewhere.
func (d *Driver) NativeInsert(ctx context.Context, entity string, data dialect.Row, tx dialect.Tx) (dialect.QueryResult, error) {
	res := dialect.QueryResult{InsertID: value.Null()}
	meta, err := d.Entity(entity)
	if err != nil {
		return res, err
	}
	fields, err := d.fields(meta, data)
	if err != nil {
		return res, err
	}
	pk := meta.PK()
	if v, ok := fields[pk.FieldName]; ok && v == nil {
		delete(fields, pk.FieldName)
	}
	_, supplied := fields[pk.FieldName]
	c, err := d.conn("insert", tx)
	if err != nil {
		return res, err
	}
	if !supplied && d.platform.UsesReturningStatement() {
		q, args := Insert(d.platform, meta.Collection, fields, pk.FieldName)
		rows, err := c.Query(ctx, q, args...)
		if err != nil {
			return res, wrapError(d.Name(), "insert", entity, err)
		}
		defer rows.Close()
		var id any
		if rows.Next() {
			if err := rows.Scan(&id); err != nil {
				return res, wrapError(d.Name(), "insert", entity, err)
			}
			res.AffectedRows = 1
			res.InsertID = d.NormalizeID(pk, id)
		}
		return res, wrapError(d.Name(), "insert", entity, rows.Err())
	}
	q, args := Insert(d.platform, meta.Collection, fields, "")
	r, err := c.Exec(ctx, q, args...)
	if err != nil {
		return res, wrapError(d.Name(), "insert", entity, err)
	}
	if res.AffectedRows, err = r.RowsAffected(); err != nil {
		return res, wrapError(d.Name(), "insert", entity, err)
	}
	if !supplied {
		id, err := r.LastInsertId()
		if err != nil {
			return res, wrapError(d.Name(), "insert", entity, err)
		}
		res.InsertID = d.NormalizeID(pk, id)
	}
	return res, nil
}

// NativeUpdate implements dialect.Driver.
func (d *Driver) NativeUpdate(ctx context.Context, entity string, where dialect.Where, data dialect.Row, tx dialect.Tx) (dialect.QueryResult, error) {
	res := dialect.QueryResult{InsertID: value.Null()}
	meta, err := d.Entity(entity)
	if err != nil {
		return res, err
	}
	fields, err := d.fields(meta, data)
	if err != nil {
		return res, err
	}
	conds, err := d.conditions(meta, where)
	if err != nil {
		return res, err
	}
	q, args, err := Update(d.platform, meta.Collection, fields, conds)
	if err != nil {
		return res, orbit.ValidationErrorf(entity, "", "nothing to update")
	}
	return d.exec(ctx, "update", entity, q, args, tx)
}

// NativeDelete implements dialect.Driver.
func (d *Driver) NativeDelete(ctx context.Context, entity string, where dialect.Where, tx dialect.Tx) (dialect.QueryResult, error) {
	meta, err := d.Entity(entity)
	if err != nil {
		return dialect.QueryResult{InsertID: value.Null()}, err
	}
	conds, err := d.conditions(meta, where)
	if err != nil {
		return dialect.QueryResult{InsertID: value.Null()}, err
	}
	q, args := Delete(d.platform, meta.Collection, conds)
	return d.exec(ctx, "delete", entity, q, args, tx)
}

func (d *Driver) exec(ctx context.Context, op, entity, q string, args []any, tx dialect.Tx) (dialect.QueryResult, error) {
	res := dialect.QueryResult{InsertID: value.Null()}
	c, err := d.conn(op, tx)
	if err != nil {
		return res, err
	}
	r, err := c.Exec(ctx, q, args...)
	if err != nil {
		return res, wrapError(d.Name(), op, entity, err)
	}
	res.AffectedRows, err = r.RowsAffected()
	return res, wrapError(d.Name(), op, entity, err)
}

// pivot returns the pivot table of a many-to-many property with the column
// holding the keys of meta and the column holding the keys of the members.
func (d *Driver) pivot(meta *schema.EntityMetadata, p *schema.Property) (*schema.Pivot, string, string, error) {
	if p.Kind != schema.M2M {
		return nil, "", "", orbit.ValidationErrorf(meta.Name, p.Name, "not a many-to-many property")
	}
	if p.Owner() {
		return p.Pivot, p.Pivot.OwnerColumn, p.Pivot.InverseColumn, nil
	}
	target, err := d.Entity(p.Target)
	if err != nil {
		return nil, "", "", err
	}
	owner, ok := target.Property(p.MappedBy)
	if !ok || owner.Pivot == nil {
		return nil, "", "", orbit.ValidationErrorf(meta.Name, p.Name, "missing owning side %s.%s", p.Target, p.MappedBy)
	}
	return owner.Pivot, owner.Pivot.InverseColumn, owner.Pivot.OwnerColumn, nil
}

func (d *Driver) property(meta *schema.EntityMetadata, name string) (*schema.Property, error) {
	p, ok := meta.Property(name)
	if !ok {
		return nil, orbit.ValidationErrorf(meta.Name, name, "unknown property")
	}
	return p, nil
}

func (d *Driver) keys(p *schema.Property, ids []value.Value) ([]any, error) {
	out := make([]any, len(ids))
	for i, id := range ids {
		v, err := d.Native(p, id)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// LoadCollection implements dialect.Driver by reading the pivot table.
func (d *Driver) LoadCollection(ctx context.Context, entity, property string, owners []value.Value, tx dialect.Tx) (map[string][]value.Value, error) {
	meta, err := d.Entity(entity)
	if err != nil {
		return nil, err
	}
	p, err := d.property(meta, property)
	if err != nil {
		return nil, err
	}
	pv, ownerCol, memberCol, err := d.pivot(meta, p)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]value.Value, len(owners))
	if len(owners) == 0 {
		return out, nil
	}
	target, err := d.Entity(p.Target)
	if err != nil {
		return nil, err
	}
	ids, err := d.keys(meta.PK(), owners)
	if err != nil {
		return nil, withEntity(err, entity)
	}
	q, args := NewBuilder(d.platform).
		WriteString("SELECT ").Idents(ownerCol, memberCol).
		WriteString(" FROM ").Ident(pv.Table).
		Where([]dialect.Cond{{Field: ownerCol, Op: dialect.OpIn, Value: ids}}).
		Query()
	c, err := d.conn("loadCollection", tx)
	if err != nil {
		return nil, err
	}
	rows, err := c.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapError(d.Name(), "loadCollection", entity, err)
	}
	defer rows.Close()
	for rows.Next() {
		var owner, member any
		if err := rows.Scan(&owner, &member); err != nil {
			return nil, wrapError(d.Name(), "loadCollection", entity, err)
		}
		key := d.NormalizeID(meta.PK(), owner).Key()
		out[key] = append(out[key], d.NormalizeID(target.PK(), member))
	}
	return out, wrapError(d.Name(), "loadCollection", entity, rows.Err())
}

// SyncCollection implements dialect.Driver by deleting and inserting pivot
// rows of an owning many-to-many property.
func (d *Driver) SyncCollection(ctx context.Context, entity, property string, owner value.Value, added, removed []value.Value, tx dialect.Tx) error {
	meta, err := d.Entity(entity)
	if err != nil {
		return err
	}
	p, err := d.property(meta, property)
	if err != nil {
		return err
	}
	if !p.Owner() || p.Kind != schema.M2M {
		return orbit.ValidationErrorf(entity, property, "only owning many-to-many sides are stored")
	}
	target, err := d.Entity(p.Target)
	if err != nil {
		return err
	}
	oid, err := d.Native(meta.PK(), owner)
	if err != nil {
		return withEntity(err, entity)
	}
	c, err := d.conn("syncCollection", tx)
	if err != nil {
		return err
	}
	pv := p.Pivot
	if len(removed) > 0 {
		ids, err := d.keys(target.PK(), removed)
		if err != nil {
			return withEntity(err, entity)
		}
		q, args := NewBuilder(d.platform).
			WriteString("DELETE FROM ").Ident(pv.Table).
			Where([]dialect.Cond{
				{Field: pv.OwnerColumn, Op: dialect.OpEq, Value: oid},
				{Field: pv.InverseColumn, Op: dialect.OpIn, Value: ids},
			}).
			Query()
		if _, err := c.Exec(ctx, q, args...); err != nil {
			return wrapError(d.Name(), "syncCollection", entity, err)
		}
	}
	if len(added) > 0 {
		ids, err := d.keys(target.PK(), added)
		if err != nil {
			return withEntity(err, entity)
		}
		b := NewBuilder(d.platform).
			WriteString("INSERT INTO ").Ident(pv.Table).
			WriteString(" (").Idents(pv.OwnerColumn, pv.InverseColumn).WriteString(") VALUES ")
		for i, id := range ids {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(").Args(oid, id).WriteString(")")
		}
		q, args := b.Query()
		if _, err := c.Exec(ctx, q, args...); err != nil {
			return wrapError(d.Name(), "syncCollection", entity, err)
		}
	}
	return nil
}

// LockPessimistic implements dialect.Driver with SELECT ... FOR UPDATE or
// FOR SHARE.
func (d *Driver) LockPessimistic(ctx context.Context, entity string, pk value.Value, mode orbit.LockMode, tx dialect.Tx) error {
	if err := d.checkLock(entity, mode, tx); err != nil {
		return err
	}
	meta, err := d.Entity(entity)
	if err != nil {
		return err
	}
	id, err := d.Native(meta.PK(), pk)
	if err != nil {
		return withEntity(err, entity)
	}
	q, args := NewBuilder(d.platform).
		WriteString("SELECT ").Ident(meta.PK().FieldName).
		WriteString(" FROM ").Ident(meta.Collection).
		Where([]dialect.Cond{{Field: meta.PK().FieldName, Op: dialect.OpEq, Value: id}}).
		Lock(mode).
		Query()
	c, err := d.conn("lock", tx)
	if err != nil {
		return err
	}
	rows, err := c.Query(ctx, q, args...)
	if err != nil {
		return wrapError(d.Name(), "lock", entity, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return wrapError(d.Name(), "lock", entity, err)
		}
		return orbit.NewNotFoundError(entity, map[string]any{meta.PrimaryKey: pk.Interface()})
	}
	return nil
}

func withEntity(err error, entity string) error {
	if ve, ok := err.(*orbit.ValidationError); ok && ve.Entity == "" {
		ve.Entity = entity
	}
	return err
}

var _ dialect.Driver = (*Driver)(nil)

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/dialect/document"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// Connection is the link to an in-process store.
type Connection struct {
	name      string
	connected atomic.Bool
}

// Connect implements dialect.Connection.
func (c *Connection) Connect(context.Context) error {
	c.connected.Store(true)
	return nil
}

// IsConnected implements dialect.Connection.
func (c *Connection) IsConnected(context.Context) bool { return c.connected.Load() }

// Close implements dialect.Connection. Stored documents survive a close.
func (c *Connection) Close(context.Context, bool) error {
	c.connected.Store(false)
	return nil
}

// ClientURL implements dialect.Connection.
func (c *Connection) ClientURL() string { return "memory://" + c.name }

// Driver is a dialect.Driver for an in-process document store. Many-to-many
// relationships are stored as id lists on the owning documents.
type Driver struct {
	*dialect.Base
	store  *store
	logger *slog.Logger
}

// Option configures a Driver.
type Option func(*driverConfig)

type driverConfig struct {
	name   string
	logger *slog.Logger
}

// WithName sets the database name reported in the client URL.
func WithName(name string) Option {
	return func(c *driverConfig) { c.name = name }
}

// WithLogger sets the logger used for index maintenance messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *driverConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Driver with an empty store.
func New(opts ...Option) *Driver {
	cfg := driverConfig{name: "orbit", logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Driver{
		Base:   dialect.NewBase(dialect.Memory, Platform{}, &Connection{name: cfg.name}),
		store:  newStore(),
		logger: cfg.logger,
	}
}

// Begin implements dialect.Driver.
func (d *Driver) Begin(context.Context) (dialect.Tx, error) {
	return d.store.begin(), nil
}

func (d *Driver) session(tx dialect.Tx) (session, error) {
	if tx == nil {
		return storeSession{d.store}, nil
	}
	t, ok := dialect.UnwrapTx(tx).(*Tx)
	if !ok || t.s != d.store {
		return nil, fmt.Errorf("dialect/memory: unexpected transaction %T", tx)
	}
	return t, nil
}

// key returns the record key of a native primary key.
func (d *Driver) key(meta *schema.EntityMetadata, id any) string {
	return d.NormalizeID(meta.PK(), id).Key()
}

func (d *Driver) conflict(op, entity, msg string, args ...any) error {
	return &orbit.DriverError{
		Driver:     d.Name(),
		Op:         op,
		Entity:     entity,
		Constraint: orbit.UniqueConstraint,
		Err:        fmt.Errorf(msg, args...),
	}
}

// checkUnique fails when doc collides with another document of the
// collection on a unique index. Documents missing an indexed field are not
// indexed.
func (d *Driver) checkUnique(op string, meta *schema.EntityMetadata, sp space, key string, doc dialect.Document) error {
	for _, idx := range d.store.uniques(meta.Collection) {
		vals, ok := indexValues(doc, idx.fields)
		if !ok {
			continue
		}
		for k, r := range sp[meta.Collection] {
			if k == key {
				continue
			}
			other, ok := indexValues(r.doc, idx.fields)
			if ok && tupleEqual(vals, other) {
				return d.conflict(op, meta.Name, "duplicate key on index %s", idx.name)
			}
		}
	}
	return nil
}

func indexValues(doc dialect.Document, fields []string) ([]any, bool) {
	out := make([]any, len(fields))
	for i, f := range fields {
		v, ok := document.Lookup(doc, f)
		if !ok || v == nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func tupleEqual(a, b []any) bool {
	for i := range a {
		if !document.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// collect returns deep copies of the matching documents of a collection in
// insertion order.
func (d *Driver) collect(sess session, meta *schema.EntityMetadata, conds []dialect.Cond) ([]dialect.Document, error) {
	var (
		docs []dialect.Document
		err  error
	)
	sess.read(func(sp space) {
		for _, r := range sp.sorted(meta.Collection) {
			var ok bool
			if ok, err = document.Match(r.doc, conds); err != nil {
				return
			}
			if ok {
				docs = append(docs, document.CloneDoc(r.doc))
			}
		}
	})
	return docs, err
}

// Find implements dialect.Driver. Pessimistic locks are not supported.
func (d *Driver) Find(_ context.Context, entity string, where dialect.Where, opts dialect.FindOptions, tx dialect.Tx) ([]dialect.Row, error) {
	meta, err := d.Entity(entity)
	if err != nil {
		return nil, err
	}
	if opts.Lock.Pessimistic() {
		return nil, d.Unsupported("Pessimistic locks")
	}
	conds, err := d.Conditions(meta, where)
	if err != nil {
		return nil, err
	}
	fields := make([]string, len(opts.OrderBy))
	desc := make([]bool, len(opts.OrderBy))
	for i, o := range opts.OrderBy {
		p, ok := meta.Property(o.Property)
		if !ok || !p.Persisted(false) {
			return nil, orbit.ValidationErrorf(entity, o.Property, "cannot order by this property")
		}
		fields[i], desc[i] = p.FieldName, o.Desc
	}
	sess, err := d.session(tx)
	if err != nil {
		return nil, err
	}
	docs, err := d.collect(sess, meta, conds)
	if err != nil {
		return nil, d.Wrap("find", entity, err)
	}
	if len(fields) > 0 {
		document.Sort(docs, fields, desc)
	}
	docs = page(docs, opts.Offset, opts.Limit)
	rows := make([]dialect.Row, 0, len(docs))
	for _, doc := range docs {
		row, err := d.MapResult(meta, doc)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func page(docs []dialect.Document, offset, limit int) []dialect.Document {
	if offset > 0 {
		if offset >= len(docs) {
			return nil
		}
		docs = docs[offset:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
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
func (d *Driver) Count(_ context.Context, entity string, where dialect.Where, tx dialect.Tx) (int64, error) {
	meta, err := d.Entity(entity)
	if err != nil {
		return 0, err
	}
	conds, err := d.Conditions(meta, where)
	if err != nil {
		return 0, err
	}
	sess, err := d.session(tx)
	if err != nil {
		return 0, err
	}
	var n int64
	sess.read(func(sp space) {
		for _, r := range sp[meta.Collection] {
			var ok bool
			if ok, err = document.Match(r.doc, conds); err != nil {
				return
			}
			if ok {
				n++
			}
		}
	})
	return n, d.Wrap("count", entity, err)
}

// generate returns a new native primary key: the next integer of the
// collection for integer keys and a random uuid otherwise.
func (d *Driver) generate(meta *schema.EntityMetadata) any {
	if meta.PK().Type == schema.TypeInt {
		return d.store.nextInt(meta.Collection)
	}
	return uuid.New()
}

// NativeInsert implements dialect.Driver. Missing primary keys are
// generated.
func (d *Driver) NativeInsert(_ context.Context, entity string, data dialect.Row, tx dialect.Tx) (dialect.QueryResult, error) {
	res := dialect.QueryResult{InsertID: value.Null()}
	meta, err := d.Entity(entity)
	if err != nil {
		return res, err
	}
	fields, err := d.Fields(meta, data)
	if err != nil {
		return res, err
	}
	pk := meta.PK()
	id := fields[pk.FieldName]
	if id == nil {
		id = d.generate(meta)
		fields[pk.FieldName] = id
		res.InsertID = d.NormalizeID(pk, id)
	} else if n, ok := id.(int64); ok {
		d.store.observe(meta.Collection, n)
	}
	doc := document.Clone(fields).(map[string]any)
	key := d.key(meta, id)
	sess, err := d.session(tx)
	if err != nil {
		return res, err
	}
	seq := d.store.nextSeq()
	err = sess.write(func(sp space, touch func(string, string)) error {
		coll := sp.collection(meta.Collection)
		if _, ok := coll[key]; ok {
			return d.conflict("insert", entity, "duplicate primary key %v", id)
		}
		if err := d.checkUnique("insert", meta, sp, key, doc); err != nil {
			return err
		}
		touch(meta.Collection, key)
		coll[key] = &record{doc: doc, seq: seq}
		return nil
	})
	if err != nil {
		return dialect.QueryResult{InsertID: value.Null()}, d.Wrap("insert", entity, err)
	}
	res.AffectedRows = 1
	return res, nil
}

// NativeUpdate implements dialect.Driver. Primary keys cannot change.
func (d *Driver) NativeUpdate(_ context.Context, entity string, where dialect.Where, data dialect.Row, tx dialect.Tx) (dialect.QueryResult, error) {
	res := dialect.QueryResult{InsertID: value.Null()}
	meta, err := d.Entity(entity)
	if err != nil {
		return res, err
	}
	fields, err := d.Fields(meta, data)
	if err != nil {
		return res, err
	}
	if len(fields) == 0 {
		return res, orbit.ValidationErrorf(entity, "", "nothing to update")
	}
	if _, ok := fields[meta.PK().FieldName]; ok {
		return res, orbit.ValidationErrorf(entity, meta.PrimaryKey, "primary key cannot be updated")
	}
	conds, err := d.Conditions(meta, where)
	if err != nil {
		return res, err
	}
	sess, err := d.session(tx)
	if err != nil {
		return res, err
	}
	err = sess.write(func(sp space, touch func(string, string)) error {
		coll := sp.collection(meta.Collection)
		for k, r := range coll {
			ok, err := document.Match(r.doc, conds)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			doc := document.CloneDoc(r.doc)
			for f, v := range fields {
				doc[f] = document.Clone(v)
			}
			if err := d.checkUnique("update", meta, sp, k, doc); err != nil {
				return err
			}
			touch(meta.Collection, k)
			coll[k] = &record{doc: doc, rev: r.rev, seq: r.seq}
			res.AffectedRows++
		}
		return nil
	})
	if err != nil {
		return dialect.QueryResult{InsertID: value.Null()}, d.Wrap("update", entity, err)
	}
	return res, nil
}

// NativeDelete implements dialect.Driver.
func (d *Driver) NativeDelete(_ context.Context, entity string, where dialect.Where, tx dialect.Tx) (dialect.QueryResult, error) {
	res := dialect.QueryResult{InsertID: value.Null()}
	meta, err := d.Entity(entity)
	if err != nil {
		return res, err
	}
	conds, err := d.Conditions(meta, where)
	if err != nil {
		return res, err
	}
	sess, err := d.session(tx)
	if err != nil {
		return res, err
	}
	err = sess.write(func(sp space, touch func(string, string)) error {
		coll := sp.collection(meta.Collection)
		for k, r := range coll {
			ok, err := document.Match(r.doc, conds)
			if err != nil {
				return err
			}
			if ok {
				touch(meta.Collection, k)
				delete(coll, k)
				res.AffectedRows++
			}
		}
		return nil
	})
	return res, d.Wrap("delete", entity, err)
}

// collection returns the many-to-many property and, for inverse sides, the
// owning property on the target.
func (d *Driver) collection(meta *schema.EntityMetadata, property string) (*schema.Property, *schema.Property, error) {
	p, ok := meta.Property(property)
	if !ok {
		return nil, nil, orbit.ValidationErrorf(meta.Name, property, "unknown property")
	}
	if p.Kind != schema.M2M {
		return nil, nil, orbit.ValidationErrorf(meta.Name, property, "not a many-to-many property")
	}
	if p.Owner() {
		return p, nil, nil
	}
	target, err := d.Entity(p.Target)
	if err != nil {
		return nil, nil, err
	}
	owner, ok := target.Property(p.MappedBy)
	if !ok {
		return nil, nil, orbit.ValidationErrorf(meta.Name, property, "missing owning side %s.%s", p.Target, p.MappedBy)
	}
	return p, owner, nil
}

// LoadCollection implements dialect.Driver. Owning sides read the id list
// of the owner documents; inverse sides search the target documents whose
// list contains the owner.
func (d *Driver) LoadCollection(_ context.Context, entity, property string, owners []value.Value, tx dialect.Tx) (map[string][]value.Value, error) {
	meta, err := d.Entity(entity)
	if err != nil {
		return nil, err
	}
	p, owning, err := d.collection(meta, property)
	if err != nil {
		return nil, err
	}
	target, err := d.Entity(p.Target)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(tx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]value.Value, len(owners))
	if len(owners) == 0 {
		return out, nil
	}
	ids := make(map[string]bool, len(owners))
	for _, o := range owners {
		r, ok := o.Resolve()
		if !ok {
			return nil, orbit.ValidationErrorf(entity, property, "owner without primary key")
		}
		ids[r.Key()] = true
	}
	sess.read(func(sp space) {
		if owning == nil {
			for k, r := range sp[meta.Collection] {
				if !ids[k] {
					continue
				}
				list, _ := r.doc[p.FieldName].([]any)
				for _, member := range list {
					out[k] = append(out[k], d.NormalizeID(target.PK(), member))
				}
			}
			return
		}
		for _, r := range sp.sorted(target.Collection) {
			list, _ := r.doc[owning.FieldName].([]any)
			member := d.NormalizeID(target.PK(), r.doc[target.PK().FieldName])
			for _, o := range list {
				if k := d.NormalizeID(meta.PK(), o).Key(); ids[k] {
					out[k] = append(out[k], member)
				}
			}
		}
	})
	return out, nil
}

// SyncCollection implements dialect.Driver by editing the id list of the
// owner document.
func (d *Driver) SyncCollection(_ context.Context, entity, property string, owner value.Value, added, removed []value.Value, tx dialect.Tx) error {
	meta, err := d.Entity(entity)
	if err != nil {
		return err
	}
	p, owning, err := d.collection(meta, property)
	if err != nil {
		return err
	}
	if owning != nil {
		return orbit.ValidationErrorf(entity, property, "only owning many-to-many sides are stored")
	}
	oid, err := d.Native(meta.PK(), owner)
	if err != nil {
		return err
	}
	add, err := d.Native(p, value.List(added...))
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(removed))
	for _, r := range removed {
		rv, ok := r.Resolve()
		if !ok {
			continue
		}
		drop[rv.Key()] = true
	}
	target, err := d.Entity(p.Target)
	if err != nil {
		return err
	}
	key := d.key(meta, oid)
	sess, err := d.session(tx)
	if err != nil {
		return err
	}
	err = sess.write(func(sp space, touch func(string, string)) error {
		coll := sp.collection(meta.Collection)
		r, ok := coll[key]
		if !ok {
			return orbit.NewNotFoundError(entity, owner.Interface())
		}
		cur, _ := r.doc[p.FieldName].([]any)
		seen := make(map[string]bool, len(cur))
		list := make([]any, 0, len(cur))
		for _, m := range cur {
			k := d.NormalizeID(target.PK(), m).Key()
			if drop[k] || seen[k] {
				continue
			}
			seen[k] = true
			list = append(list, m)
		}
		addList, _ := add.([]any)
		for _, m := range addList {
			if k := d.NormalizeID(target.PK(), m).Key(); !seen[k] {
				seen[k] = true
				list = append(list, m)
			}
		}
		doc := document.CloneDoc(r.doc)
		doc[p.FieldName] = list
		touch(meta.Collection, key)
		coll[key] = &record{doc: doc, rev: r.rev, seq: r.seq}
		return nil
	})
	if orbit.IsNotFound(err) {
		return err
	}
	return d.Wrap("syncCollection", entity, err)
}

// Aggregate implements dialect.Driver by running the pipeline over the raw
// documents of the entity collection.
func (d *Driver) Aggregate(_ context.Context, entity string, pipeline []dialect.Document, tx dialect.Tx) ([]dialect.Document, error) {
	meta, err := d.Entity(entity)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(tx)
	if err != nil {
		return nil, err
	}
	docs, err := d.collect(sess, meta, nil)
	if err != nil {
		return nil, d.Wrap("aggregate", entity, err)
	}
	out, err := aggregate(docs, pipeline)
	if err != nil {
		return nil, orbit.ValidationErrorf(entity, "", "%v", err)
	}
	return out, nil
}

// EnsureIndexes implements dialect.Driver. Unique indexes are enforced on
// later writes; plain indexes are accepted and ignored. Creating a unique
// index over duplicate documents fails.
func (d *Driver) EnsureIndexes(ctx context.Context) error {
	reg := d.Metadata()
	if reg == nil {
		return fmt.Errorf("dialect/memory: driver has no metadata")
	}
	for _, meta := range reg.All() {
		for _, desc := range meta.Indexes {
			if !desc.Unique {
				continue
			}
			idx := uniqueIndex{name: desc.Name}
			for _, name := range desc.Properties {
				p, ok := meta.Property(name)
				if !ok || !p.Persisted(false) {
					return orbit.ValidationErrorf(meta.Name, name, "cannot index this property")
				}
				idx.fields = append(idx.fields, p.FieldName)
			}
			if err := d.verify(meta, idx); err != nil {
				return err
			}
			if d.store.addIndex(meta.Collection, idx) {
				d.logger.DebugContext(ctx, "index ensured",
					slog.String("collection", meta.Collection),
					slog.String("index", idx.name),
					slog.String("fields", strings.Join(idx.fields, ",")),
				)
			}
		}
	}
	return nil
}

// verify fails when stored documents already violate idx.
func (d *Driver) verify(meta *schema.EntityMetadata, idx uniqueIndex) error {
	var err error
	storeSession{d.store}.read(func(sp space) {
		seen := make([][]any, 0, len(sp[meta.Collection]))
		for _, r := range sp.sorted(meta.Collection) {
			vals, ok := indexValues(r.doc, idx.fields)
			if !ok {
				continue
			}
			for _, other := range seen {
				if tupleEqual(vals, other) {
					err = d.conflict("ensureIndexes", meta.Name, "duplicate documents for index %s", idx.name)
					return
				}
			}
			seen = append(seen, vals)
		}
	})
	return err
}

var _ dialect.Driver = (*Driver)(nil)

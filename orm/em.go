package orm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/entity"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/uow"
	"github.com/syssam/orbit/value"
)

// Filter selects entities by property name. Values are converted with
// value.Of: scalars match by equality, slices match any element, nil
// matches missing values and a map of operators ($eq, $ne, $gt, $gte, $lt,
// $lte, $in, $nin) compares. Entities match by primary key.
type Filter map[string]any

// EntityManager is the session façade: it reads through the driver into
// its identity map, tracks changes in its unit of work and writes them on
// Flush. An EntityManager is not safe for concurrent use; fork one per
// request.
type EntityManager struct {
	orm    *ORM
	u      *uow.UnitOfWork
	logger *slog.Logger
}

func newEntityManager(o *ORM) *EntityManager {
	em := &EntityManager{orm: o, logger: o.logger}
	em.u = uow.New(o.drv,
		uow.WithLogger(o.logger),
		uow.WithLoader(em),
		uow.WithCommitHook(func(ctx context.Context, plan *uow.Plan) {
			o.cache.invalidate(ctx, plan.Entities()...)
		}),
	)
	return em
}

// Fork returns an entity manager sharing the ORM with an empty identity
// map and unit of work.
func (em *EntityManager) Fork() *EntityManager { return newEntityManager(em.orm) }

// ORM returns the owning ORM.
func (em *EntityManager) ORM() *ORM { return em.orm }

// UnitOfWork returns the unit of work of the session.
func (em *EntityManager) UnitOfWork() *uow.UnitOfWork { return em.u }

func (em *EntityManager) driver() dialect.Driver { return em.orm.drv }

func (em *EntityManager) meta(name string) (*schema.EntityMetadata, error) {
	meta, ok := em.orm.reg.Get(name)
	if !ok {
		return nil, orbit.ValidationErrorf(name, "", "unknown entity %s", name)
	}
	return meta, nil
}

func (em *EntityManager) where(meta *schema.EntityMetadata, filter Filter) (dialect.Where, error) {
	w := make(dialect.Where, len(filter))
	for k, v := range filter {
		head, _, _ := strings.Cut(k, ".")
		if _, ok := meta.Property(head); !ok {
			return nil, orbit.ValidationErrorf(meta.Name, k, "unknown property")
		}
		val, err := value.Of(v)
		if err != nil {
			return nil, orbit.ValidationErrorf(meta.Name, k, "%v", err)
		}
		w[k] = val
	}
	return w, nil
}

func (em *EntityManager) row(meta *schema.EntityMetadata, data map[string]any) (dialect.Row, error) {
	row := make(dialect.Row, len(data))
	for k, v := range data {
		if _, ok := meta.Property(k); !ok {
			return nil, orbit.ValidationErrorf(meta.Name, k, "unknown property")
		}
		val, err := value.Of(v)
		if err != nil {
			return nil, orbit.ValidationErrorf(meta.Name, k, "%v", err)
		}
		row[k] = val
	}
	return row, nil
}

// Create returns a new, unmanaged entity with data assigned.
func (em *EntityManager) Create(name string, data map[string]any) (*entity.Entity, error) {
	meta, err := em.meta(name)
	if err != nil {
		return nil, err
	}
	e := entity.New(meta)
	if err := entity.Assign(e, data, em); err != nil {
		return nil, err
	}
	return e, nil
}

// Assign sets several properties of e, resolving primary keys of
// relationships to managed references.
func (em *EntityManager) Assign(e *entity.Entity, data map[string]any) error {
	return entity.Assign(e, data, em)
}

// Persist schedules entities for insertion on the next flush.
func (em *EntityManager) Persist(entities ...*entity.Entity) error {
	for _, e := range entities {
		if err := em.u.Persist(e); err != nil {
			return err
		}
		if e.Loader() == nil {
			e.SetLoader(em)
		}
	}
	return nil
}

// PersistAndFlush persists entities and flushes.
func (em *EntityManager) PersistAndFlush(ctx context.Context, entities ...*entity.Entity) error {
	if err := em.Persist(entities...); err != nil {
		return err
	}
	return em.Flush(ctx)
}

// Remove schedules entities for deletion on the next flush.
func (em *EntityManager) Remove(entities ...*entity.Entity) {
	for _, e := range entities {
		em.u.Remove(e)
	}
}

// RemoveAndFlush removes entities and flushes.
func (em *EntityManager) RemoveAndFlush(ctx context.Context, entities ...*entity.Entity) error {
	em.Remove(entities...)
	return em.Flush(ctx)
}

// Flush writes every pending change of the session.
func (em *EntityManager) Flush(ctx context.Context) error {
	return em.u.Commit(ctx)
}

// Clear detaches every entity of the session.
func (em *EntityManager) Clear() { em.u.Clear() }

// State returns the lifecycle state of e in this session.
func (em *EntityManager) State(e *entity.Entity) uow.EntityState { return em.u.State(e) }

// Serialize returns e as a map keyed by property name, with the primary
// key under the name the platform exposes it.
func (em *EntityManager) Serialize(e *entity.Entity) map[string]any {
	field := e.Meta().PK().FieldName
	pkField := em.driver().Platform().SerializedPrimaryKeyField(field)
	if pkField == field {
		pkField = ""
	}
	return e.ToMap(pkField)
}

// Find returns the entities matching filter.
func (em *EntityManager) Find(ctx context.Context, name string, filter Filter, opts ...FindOption) ([]*entity.Entity, error) {
	meta, err := em.meta(name)
	if err != nil {
		return nil, err
	}
	w, err := em.where(meta, filter)
	if err != nil {
		return nil, err
	}
	o := newFindOptions(opts)
	rows, err := em.find(ctx, meta, w, o)
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := em.merge(meta, row, o.refresh)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if len(o.populate) > 0 {
		if err := em.Populate(ctx, out, o.populate...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// find reads rows, from the result cache when the read allows it.
func (em *EntityManager) find(ctx context.Context, meta *schema.EntityMetadata, w dialect.Where, o findOptions) ([]dialect.Row, error) {
	dopts, err := em.dialectOptions(meta, o)
	if err != nil {
		return nil, err
	}
	tx := em.u.Tx()
	rc := em.orm.cache
	cacheable := o.cache && rc.enabled && tx == nil && dopts.Lock == orbit.LockNone
	var key orbit.CacheKey
	if cacheable {
		key = cacheKey(meta.Name, "find", w, dopts)
		if rows, ok := rc.get(ctx, meta, key); ok {
			return rows, nil
		}
	}
	rows, err := em.driver().Find(ctx, meta.Name, w, dopts, tx)
	if err != nil {
		return nil, err
	}
	if cacheable {
		rc.set(ctx, key, rows)
	}
	return rows, nil
}

func (em *EntityManager) dialectOptions(meta *schema.EntityMetadata, o findOptions) (dialect.FindOptions, error) {
	dopts := dialect.FindOptions{OrderBy: o.orderBy, Limit: o.limit, Offset: o.offset}
	for _, ord := range o.orderBy {
		if _, ok := meta.Property(ord.Property); !ok {
			return dopts, orbit.ValidationErrorf(meta.Name, ord.Property, "unknown property")
		}
	}
	if o.lock.Pessimistic() {
		if em.u.Tx() == nil {
			return dopts, orbit.NewValidationError(meta.Name, "", "An open transaction is required for this operation")
		}
		dopts.Lock = o.lock
	}
	return dopts, nil
}

// FindOne returns the first entity matching filter, or nil. A lookup by
// primary key of an initialized managed entity is answered from the
// identity map.
func (em *EntityManager) FindOne(ctx context.Context, name string, filter Filter, opts ...FindOption) (*entity.Entity, error) {
	meta, err := em.meta(name)
	if err != nil {
		return nil, err
	}
	w, err := em.where(meta, filter)
	if err != nil {
		return nil, err
	}
	o := newFindOptions(opts)
	if e := em.cached(meta, w, o); e != nil {
		return e, em.populateOne(ctx, e, o)
	}
	o.limit = 1
	rows, err := em.find(ctx, meta, w, o)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	e, err := em.merge(meta, rows[0], o.refresh)
	if err != nil {
		return nil, err
	}
	return e, em.populateOne(ctx, e, o)
}

func (em *EntityManager) populateOne(ctx context.Context, e *entity.Entity, o findOptions) error {
	if len(o.populate) == 0 {
		return nil
	}
	return em.Populate(ctx, []*entity.Entity{e}, o.populate...)
}

// cached returns the managed entity a primary key lookup designates.
func (em *EntityManager) cached(meta *schema.EntityMetadata, w dialect.Where, o findOptions) *entity.Entity {
	if len(w) != 1 || o.refresh || o.lock != orbit.LockNone {
		return nil
	}
	pk, ok := w[meta.PrimaryKey]
	if !ok {
		return nil
	}
	switch pk.Kind() {
	case value.KindNull, value.KindList, value.KindDoc:
		return nil
	}
	if r, ok := pk.Resolve(); ok {
		pk = r
	}
	e, ok := em.u.IdentityMap().Get(meta.Name, pk)
	if !ok || !e.IsInitialized() {
		return nil
	}
	return e
}

// FindOneOrFail is like FindOne but fails with a NotFoundError.
func (em *EntityManager) FindOneOrFail(ctx context.Context, name string, filter Filter, opts ...FindOption) (*entity.Entity, error) {
	e, err := em.FindOne(ctx, name, filter, opts...)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, orbit.NewNotFoundError(name, map[string]any(filter))
	}
	return e, nil
}

// Count returns the number of entities matching filter.
func (em *EntityManager) Count(ctx context.Context, name string, filter Filter) (int64, error) {
	meta, err := em.meta(name)
	if err != nil {
		return 0, err
	}
	w, err := em.where(meta, filter)
	if err != nil {
		return 0, err
	}
	return em.driver().Count(ctx, name, w, em.u.Tx())
}

// Aggregate runs a backend aggregation pipeline. Backends without
// aggregation fail with an UnsupportedOperationError.
func (em *EntityManager) Aggregate(ctx context.Context, name string, pipeline []dialect.Document) ([]dialect.Document, error) {
	if _, err := em.meta(name); err != nil {
		return nil, err
	}
	return em.driver().Aggregate(ctx, name, pipeline, em.u.Tx())
}

// GetReference returns the managed instance of an identity, or an
// uninitialized reference to it that loads on demand.
func (em *EntityManager) GetReference(name string, pk any) (*entity.Entity, error) {
	v, err := value.Of(pk)
	if err != nil {
		return nil, orbit.ValidationErrorf(name, "", "%v", err)
	}
	return em.Reference(name, v)
}

// Reference implements entity.Referencer.
func (em *EntityManager) Reference(name string, pk value.Value) (*entity.Entity, error) {
	meta, err := em.meta(name)
	if err != nil {
		return nil, err
	}
	if r, ok := pk.Resolve(); ok {
		pk = r
	}
	if pk.IsNull() {
		return nil, orbit.ValidationErrorf(name, meta.PrimaryKey, "primary key required")
	}
	pk = meta.PK().Type.Coerce(pk)
	if e, ok := em.u.IdentityMap().Get(name, pk); ok {
		return e, nil
	}
	e := entity.NewReference(meta, pk)
	e.SetLoader(em)
	if err := em.u.Register(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Refresh reloads the state of a managed entity from the backend,
// discarding unflushed changes.
func (em *EntityManager) Refresh(ctx context.Context, e *entity.Entity) error {
	pk, ok := e.PrimaryKey()
	if !ok {
		return orbit.ValidationErrorf(e.EntityName(), "", "%s has no primary key", e)
	}
	row, err := em.driver().FindOne(ctx, e.EntityName(), dialect.Where{e.Meta().PrimaryKey: pk}, dialect.FindOptions{}, em.u.Tx())
	if err != nil {
		return err
	}
	if row == nil {
		return orbit.NewNotFoundError(e.EntityName(), pk.Interface())
	}
	return em.fill(e, row)
}

// Lock checks or acquires a lock on e. An optimistic lock compares the
// version of e with version; pessimistic locks are delegated to the driver
// and require an open transaction.
func (em *EntityManager) Lock(ctx context.Context, e *entity.Entity, mode orbit.LockMode, version any) error {
	name := e.EntityName()
	pk, ok := e.PrimaryKey()
	if !ok {
		return orbit.ValidationErrorf(name, "", "%s has no primary key", e)
	}
	switch {
	case mode == orbit.LockNone:
		return nil
	case mode == orbit.LockOptimistic:
		vp := e.Meta().VersionProperty()
		if vp == nil {
			return orbit.ValidationErrorf(name, "", "cannot obtain optimistic lock on unversioned entity %s", name)
		}
		if err := e.Init(ctx); err != nil {
			return err
		}
		want, err := value.Of(version)
		if err != nil {
			return orbit.ValidationErrorf(name, vp.Name, "%v", err)
		}
		if cur := e.Get(vp.Name); !cur.Equal(want) {
			lerr := orbit.NewOptimisticLockError(name, pk.Interface())
			lerr.Expected = want.Interface()
			lerr.Actual = cur.Interface()
			return lerr
		}
		return nil
	case mode.Pessimistic():
		tx := em.u.Tx()
		if tx == nil {
			return orbit.NewValidationError(name, "", "An open transaction is required for this operation")
		}
		return em.driver().LockPessimistic(ctx, name, pk, mode, tx)
	}
	return orbit.ValidationErrorf(name, "", "unknown lock mode %d", mode)
}

// Transactional runs fn on a fork of em inside a transaction, flushes the
// fork and commits. Any error, from fn or the flush, rolls the
// transaction back and the fork is discarded. Called within a transaction,
// fn joins it.
func (em *EntityManager) Transactional(ctx context.Context, fn func(context.Context, *EntityManager) error) (err error) {
	if em.u.Tx() != nil {
		return fn(ctx, em)
	}
	fork := em.Fork()
	drv := em.driver()
	if !drv.Platform().SupportsTransactions() {
		if err := fn(ctx, fork); err != nil {
			return err
		}
		return fork.Flush(ctx)
	}
	tx, err := drv.Begin(ctx)
	if err != nil {
		return err
	}
	fork.u.SetTx(tx)
	defer func() {
		fork.u.SetTx(nil)
		if v := recover(); v != nil {
			_ = tx.Rollback()
			panic(v)
		}
	}()
	if err := fn(ctx, fork); err != nil {
		return rollback(tx, err)
	}
	if err := fork.Flush(ctx); err != nil {
		return rollback(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("orm: committing transaction: %w", err)
	}
	return nil
}

// rollback calls to tx.Rollback and wraps the given error with the
// rollback error if occurred.
func rollback(tx dialect.Tx, err error) error {
	if rerr := tx.Rollback(); rerr != nil {
		return &orbit.RollbackError{Err: err, Rollback: rerr}
	}
	return err
}

// NativeInsert inserts a row directly, bypassing the unit of work, and
// returns the generated primary key, if any.
func (em *EntityManager) NativeInsert(ctx context.Context, name string, data map[string]any) (value.Value, error) {
	meta, err := em.meta(name)
	if err != nil {
		return value.Null(), err
	}
	row, err := em.row(meta, data)
	if err != nil {
		return value.Null(), err
	}
	res, err := em.driver().NativeInsert(ctx, name, row, em.u.Tx())
	if err != nil {
		return value.Null(), err
	}
	em.orm.cache.invalidate(ctx, name)
	return res.InsertID, nil
}

// NativeUpdate updates rows directly, bypassing the unit of work, and
// returns the number of affected rows.
func (em *EntityManager) NativeUpdate(ctx context.Context, name string, filter Filter, data map[string]any) (int64, error) {
	meta, err := em.meta(name)
	if err != nil {
		return 0, err
	}
	w, err := em.where(meta, filter)
	if err != nil {
		return 0, err
	}
	row, err := em.row(meta, data)
	if err != nil {
		return 0, err
	}
	res, err := em.driver().NativeUpdate(ctx, name, w, row, em.u.Tx())
	if err != nil {
		return 0, err
	}
	em.orm.cache.invalidate(ctx, name)
	return res.AffectedRows, nil
}

// NativeDelete deletes rows directly, bypassing the unit of work, and
// returns the number of affected rows.
func (em *EntityManager) NativeDelete(ctx context.Context, name string, filter Filter) (int64, error) {
	meta, err := em.meta(name)
	if err != nil {
		return 0, err
	}
	w, err := em.where(meta, filter)
	if err != nil {
		return 0, err
	}
	res, err := em.driver().NativeDelete(ctx, name, w, em.u.Tx())
	if err != nil {
		return 0, err
	}
	em.orm.cache.invalidate(ctx, name)
	return res.AffectedRows, nil
}

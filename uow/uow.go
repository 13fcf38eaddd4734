package uow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/entity"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// EntityState is the lifecycle state of an entity within a unit of work.
type EntityState uint8

// Entity states.
const (
	StateDetached EntityState = iota
	StateNew
	StateManaged
	StateRemoved
)

func (s EntityState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateManaged:
		return "managed"
	case StateRemoved:
		return "removed"
	}
	return "detached"
}

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithLogger sets the logger receiving flush events.
func WithLogger(l *slog.Logger) Option {
	return func(u *UnitOfWork) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithLoader sets the loader bound to entities registered by a flush.
func WithLoader(l entity.Loader) Option {
	return func(u *UnitOfWork) { u.loader = l }
}

// WithCommitHook sets a function called with the plan of every successful
// flush.
func WithCommitHook(fn func(context.Context, *Plan)) Option {
	return func(u *UnitOfWork) { u.hook = fn }
}

// UnitOfWork tracks the entities of one session and writes their changes
// to the driver on Commit.
type UnitOfWork struct {
	drv       dialect.Driver
	logger    *slog.Logger
	loader    entity.Loader
	hook      func(context.Context, *Plan)
	idmap     *IdentityMap
	snapshots map[*entity.Entity]snapshot
	persist   []*entity.Entity
	removal   []*entity.Entity
	removing  map[*entity.Entity]bool
	deleted   map[*entity.Entity]bool
	tx        dialect.Tx
	flushing  bool
}

// New returns an empty unit of work writing through drv.
func New(drv dialect.Driver, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		drv:       drv,
		logger:    slog.Default(),
		idmap:     NewIdentityMap(),
		snapshots: make(map[*entity.Entity]snapshot),
		removing:  make(map[*entity.Entity]bool),
		deleted:   make(map[*entity.Entity]bool),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Driver returns the driver the unit of work writes through.
func (u *UnitOfWork) Driver() dialect.Driver { return u.drv }

// IdentityMap returns the identity map of the session.
func (u *UnitOfWork) IdentityMap() *IdentityMap { return u.idmap }

// Tx returns the transaction flushes join, if any.
func (u *UnitOfWork) Tx() dialect.Tx { return u.tx }

// SetTx sets the transaction flushes join. A flush joining a transaction
// does not commit it.
func (u *UnitOfWork) SetTx(tx dialect.Tx) { u.tx = tx }

func (u *UnitOfWork) managed(e *entity.Entity) bool {
	pk, ok := e.PrimaryKey()
	if !ok {
		return false
	}
	cur, ok := u.idmap.Get(e.EntityName(), pk)
	return ok && cur == e
}

// State returns the lifecycle state of e. An entity deleted by a flush
// stays removed.
func (u *UnitOfWork) State(e *entity.Entity) EntityState {
	switch {
	case u.deleted[e], u.managed(e) && u.removing[e]:
		return StateRemoved
	case u.managed(e):
		return StateManaged
	case slices.Contains(u.persist, e):
		return StateNew
	}
	return StateDetached
}

// Register makes e managed and records its current state as persisted.
// It is used for entities read from the driver.
func (u *UnitOfWork) Register(e *entity.Entity) error {
	if err := u.idmap.Set(e); err != nil {
		return err
	}
	u.snapshots[e] = capture(e)
	for _, c := range e.Collections() {
		c.TakeSnapshot()
	}
	return nil
}

// Snapshot records the current scalar and reference state of a managed
// entity as persisted, after a refresh.
func (u *UnitOfWork) Snapshot(e *entity.Entity) {
	if u.managed(e) {
		u.snapshots[e] = capture(e)
	}
}

// Persist schedules e for insertion. Persisting a managed entity is a
// no-op; persisting an entity scheduled for removal cancels the removal.
// An entity deleted by a flush cannot be persisted again.
func (u *UnitOfWork) Persist(e *entity.Entity) error {
	if u.deleted[e] {
		return orbit.ValidationErrorf(e.EntityName(), "", "%s was removed and cannot be persisted again", e)
	}
	if u.removing[e] {
		delete(u.removing, e)
		u.removal = slices.DeleteFunc(u.removal, func(x *entity.Entity) bool { return x == e })
		return nil
	}
	if u.managed(e) || slices.Contains(u.persist, e) {
		return nil
	}
	if pk, ok := e.PrimaryKey(); ok {
		if cur, ok := u.idmap.Get(e.EntityName(), pk); ok && cur != e {
			return &orbit.IdentityCollisionError{Entity: e.EntityName(), ID: pk.Interface()}
		}
	}
	u.persist = append(u.persist, e)
	return nil
}

// Remove schedules e and the entities reached through remove cascades for
// deletion. Removing an entity that was never flushed unschedules it.
func (u *UnitOfWork) Remove(e *entity.Entity) {
	if !u.managed(e) {
		u.persist = slices.DeleteFunc(u.persist, func(x *entity.Entity) bool { return x == e })
	}
	if !u.removing[e] {
		u.removing[e] = true
		u.removal = append(u.removal, e)
	}
}

// Detach stops tracking e.
func (u *UnitOfWork) Detach(e *entity.Entity) {
	if pk, ok := e.PrimaryKey(); ok && u.managed(e) {
		u.idmap.Remove(e.EntityName(), pk)
	}
	delete(u.snapshots, e)
	delete(u.removing, e)
	u.persist = slices.DeleteFunc(u.persist, func(x *entity.Entity) bool { return x == e })
	u.removal = slices.DeleteFunc(u.removal, func(x *entity.Entity) bool { return x == e })
}

// Clear detaches every entity. Deleted entities stay removed.
func (u *UnitOfWork) Clear() {
	u.idmap.Clear()
	u.snapshots = make(map[*entity.Entity]snapshot)
	u.removing = make(map[*entity.Entity]bool)
	u.persist, u.removal = nil, nil
}

// Plan is the ordered set of writes of a flush.
type Plan struct {
	Inserts     []*ChangeSet
	Patches     []*ChangeSet
	Updates     []*ChangeSet
	Collections []*CollectionChange
	Deletes     []*ChangeSet
}

// Empty reports whether the plan writes nothing.
func (p *Plan) Empty() bool {
	return len(p.Inserts)+len(p.Patches)+len(p.Updates)+len(p.Collections)+len(p.Deletes) == 0
}

// ComputeChangeSets resolves cascades and computes the writes the next
// Commit performs, without writing anything.
func (u *UnitOfWork) ComputeChangeSets() (*Plan, error) {
	plan := &Plan{}

	// Removals.
	deleted := make(map[*entity.Entity]bool)
	dropped := make(map[*entity.Entity]bool)
	var deletes []*entity.Entity
	for _, root := range u.removal {
		for _, e := range Cascade(root, schema.CascadeRemove) {
			switch {
			case deleted[e] || dropped[e]:
			case u.managed(e):
				if len(diff(e, u.snapshots[e])) > 0 {
					return nil, orbit.ValidationErrorf(e.EntityName(), "", "%s was modified after being scheduled for removal", e)
				}
				deleted[e] = true
				deletes = append(deletes, e)
			default:
				dropped[e] = true
			}
		}
	}

	// Insertions reached from scheduled and managed entities.
	inserting := make(map[*entity.Entity]bool)
	var inserts []*entity.Entity
	roots := append(slices.Clone(u.persist), u.idmap.Values()...)
	for _, root := range roots {
		if deleted[root] || dropped[root] || u.deleted[root] {
			continue
		}
		for _, e := range Cascade(root, schema.CascadePersist) {
			if inserting[e] || deleted[e] || dropped[e] || u.deleted[e] || u.managed(e) || !e.IsInitialized() {
				continue
			}
			inserting[e] = true
			inserts = append(inserts, e)
		}
	}
	seen := make(map[string]*entity.Entity)
	for _, e := range inserts {
		pk, ok := e.PrimaryKey()
		if !ok {
			continue
		}
		k := identity(e.EntityName(), pk)
		if cur, ok := u.idmap.Get(e.EntityName(), pk); ok && cur != e {
			return nil, &orbit.IdentityCollisionError{Entity: e.EntityName(), ID: pk.Interface()}
		}
		if cur, ok := seen[k]; ok && cur != e {
			return nil, &orbit.IdentityCollisionError{Entity: e.EntityName(), ID: pk.Interface()}
		}
		seen[k] = e
	}

	var writes []*entity.Entity
	for _, e := range u.idmap.Values() {
		if !deleted[e] {
			writes = append(writes, e)
		}
	}
	writes = append(writes, inserts...)
	known := func(t *entity.Entity) bool {
		if u.managed(t) || inserting[t] {
			return true
		}
		_, ok := t.PrimaryKey()
		return ok && !t.IsInitialized()
	}
	for _, e := range writes {
		if err := u.checkReferences(e, known); err != nil {
			return nil, err
		}
	}

	// Inserts in commit order, deferring references to later inserts.
	placed := make(map[*entity.Entity]bool)
	for _, e := range CommitOrder(inserts) {
		cs := &ChangeSet{Kind: Insert, Entity: e, Payload: dialect.Row{}}
		patch := dialect.Row{}
		for k, v := range e.Values() {
			if v.IsNull() {
				continue
			}
			if r, ok := v.AsRef(); ok {
				if t := r.(*entity.Entity); inserting[t] && !placed[t] {
					patch[k] = v
					continue
				}
			}
			cs.Payload[k] = v
		}
		if vp := e.Meta().VersionProperty(); vp != nil {
			if _, ok := cs.Payload[vp.Name]; !ok {
				cs.Payload[vp.Name] = value.Int(1)
			}
		}
		placed[e] = true
		plan.Inserts = append(plan.Inserts, cs)
		if len(patch) > 0 {
			plan.Patches = append(plan.Patches, &ChangeSet{Kind: Patch, Entity: e, Payload: patch})
		}
	}

	// Updates of managed entities.
	for _, e := range u.idmap.Values() {
		if deleted[e] || !e.IsInitialized() {
			continue
		}
		changes := diff(e, u.snapshots[e])
		delete(changes, e.Meta().PrimaryKey)
		if len(changes) == 0 {
			continue
		}
		cs := &ChangeSet{Kind: Update, Entity: e, Payload: changes}
		if vp := e.Meta().VersionProperty(); vp != nil {
			cs.Version = u.snapshots[e][vp.Name]
			n, _ := cs.Version.AsInt()
			cs.Payload[vp.Name] = value.Int(n + 1)
		}
		plan.Updates = append(plan.Updates, cs)
	}

	// Owning many-to-many collections.
	for _, e := range writes {
		for _, c := range e.Collections() {
			if !owningM2M(c.Property()) {
				continue
			}
			added, removed := c.Diff()
			if len(added) > 0 || len(removed) > 0 {
				plan.Collections = append(plan.Collections, &CollectionChange{Collection: c, Added: added, Removed: removed})
			}
		}
	}
	if u.drv.Platform().UsesPivotTable() {
		for _, e := range deletes {
			for _, c := range e.Collections() {
				switch {
				case c.Property().Kind != schema.M2M:
				case owningM2M(c.Property()) && c.IsInitialized():
					if len(c.Snapshot()) > 0 {
						plan.Collections = append(plan.Collections, &CollectionChange{Collection: c, Removed: c.Snapshot()})
					}
				default:
					plan.Collections = append(plan.Collections, &CollectionChange{Collection: c, Clear: true})
				}
			}
		}
	}

	// Deletes, owners before the entities they reference.
	order := CommitOrder(deletes)
	for i := len(order) - 1; i >= 0; i-- {
		plan.Deletes = append(plan.Deletes, &ChangeSet{Kind: Delete, Entity: order[i]})
	}
	return plan, nil
}

func owningM2M(p *schema.Property) bool { return p.Kind == schema.M2M && p.Owner() }

// checkReferences fails when e references a new entity that no persist
// cascade reaches.
func (u *UnitOfWork) checkReferences(e *entity.Entity, known func(*entity.Entity) bool) error {
	for _, p := range e.Meta().Relations() {
		var targets []*entity.Entity
		switch {
		case p.Kind.ToOne() && p.Owner():
			if t := e.Ref(p.Name).Get(); t != nil {
				targets = append(targets, t)
			}
		case owningM2M(p):
			targets, _ = e.Collection(p.Name).Diff()
		}
		for _, t := range targets {
			if u.deleted[t] {
				return orbit.ValidationErrorf(e.EntityName(), p.Name, "%s references removed entity %s", e, t)
			}
			if !known(t) {
				return orbit.ValidationErrorf(e.EntityName(), p.Name, "new entity %s found through a relationship that does not cascade persist", t)
			}
		}
	}
	return nil
}

// Commit writes the pending changes: inserts in dependency order, deferred
// reference patches, updates, collection changes and finally deletes in
// reverse dependency order. On a transactional platform the writes run in
// one transaction, opened here unless the unit of work joins one. On
// failure, generated primary keys are unassigned and snapshots are left
// untouched, so the entities keep their pre-flush state.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.flushing {
		return orbit.ValidationErrorf("", "", "flush already in progress")
	}
	u.flushing = true
	defer func() { u.flushing = false }()

	plan, err := u.ComputeChangeSets()
	if err != nil {
		return err
	}
	if plan.Empty() {
		u.persist, u.removal = nil, nil
		clear(u.removing)
		return nil
	}
	start := time.Now()
	tx, owned := u.tx, false
	if tx == nil && u.drv.Platform().SupportsTransactions() {
		if tx, err = u.drv.Begin(ctx); err != nil {
			return err
		}
		owned = true
	}
	generated, err := u.execute(ctx, plan, tx)
	if err == nil && owned {
		err = tx.Commit()
		owned = false
	}
	if err != nil {
		for _, e := range generated {
			e.SetPrimaryKey(value.Null())
		}
		if owned {
			if rerr := tx.Rollback(); rerr != nil {
				err = &orbit.RollbackError{Err: err, Rollback: rerr}
			}
		}
		u.logger.WarnContext(ctx, "flush rolled back", "error", err)
		return err
	}
	u.apply(ctx, plan)
	if u.hook != nil {
		u.hook(ctx, plan)
	}
	u.logger.DebugContext(ctx, "flush",
		"inserts", len(plan.Inserts),
		"updates", len(plan.Updates)+len(plan.Patches),
		"deletes", len(plan.Deletes),
		"collections", len(plan.Collections),
		"duration", time.Since(start),
	)
	return nil
}

func where(e *entity.Entity) (dialect.Where, error) {
	pk, ok := e.PrimaryKey()
	if !ok {
		return nil, orbit.ValidationErrorf(e.EntityName(), "", "%s has no primary key", e)
	}
	return dialect.Where{e.Meta().PrimaryKey: pk}, nil
}

// execute runs the writes of plan and returns the entities whose primary
// key was generated by the driver.
func (u *UnitOfWork) execute(ctx context.Context, plan *Plan, tx dialect.Tx) (generated []*entity.Entity, err error) {
	for _, cs := range plan.Inserts {
		res, err := u.drv.NativeInsert(ctx, cs.Name(), cs.Payload, tx)
		if err != nil {
			return generated, err
		}
		if _, ok := cs.Entity.PrimaryKey(); !ok {
			if res.InsertID.IsNull() {
				return generated, fmt.Errorf("uow: driver %s returned no primary key for %s", u.drv.Name(), cs.Name())
			}
			cs.Entity.SetPrimaryKey(res.InsertID)
			generated = append(generated, cs.Entity)
		}
	}
	for _, cs := range plan.Patches {
		w, err := where(cs.Entity)
		if err != nil {
			return generated, err
		}
		if _, err := u.drv.NativeUpdate(ctx, cs.Name(), w, cs.Payload, tx); err != nil {
			return generated, err
		}
	}
	for _, cs := range plan.Updates {
		w, err := where(cs.Entity)
		if err != nil {
			return generated, err
		}
		vp := cs.Entity.Meta().VersionProperty()
		if vp != nil {
			w[vp.Name] = cs.Version
		}
		res, err := u.drv.NativeUpdate(ctx, cs.Name(), w, cs.Payload, tx)
		if err != nil {
			return generated, err
		}
		if vp != nil && res.AffectedRows == 0 {
			lerr := orbit.NewOptimisticLockError(cs.Name(), w[cs.Entity.Meta().PrimaryKey].Interface())
			lerr.Expected = cs.Version.Interface()
			return generated, lerr
		}
	}
	for _, cc := range plan.Collections {
		owner := cc.Collection.Owner()
		pk, ok := owner.PrimaryKey()
		if !ok {
			return generated, orbit.ValidationErrorf(owner.EntityName(), "", "%s has no primary key", owner)
		}
		if cc.Clear {
			if err := u.clearCollection(ctx, cc.Collection, pk, tx); err != nil {
				return generated, err
			}
			continue
		}
		added, err := keys(cc.Added)
		if err != nil {
			return generated, err
		}
		removed, err := keys(cc.Removed)
		if err != nil {
			return generated, err
		}
		if err := u.drv.SyncCollection(ctx, owner.EntityName(), cc.Collection.Property().Name, pk, added, removed, tx); err != nil {
			return generated, err
		}
	}
	for _, cs := range plan.Deletes {
		w, err := where(cs.Entity)
		if err != nil {
			return generated, err
		}
		if _, err := u.drv.NativeDelete(ctx, cs.Name(), w, tx); err != nil {
			return generated, err
		}
	}
	return generated, nil
}

// clearCollection removes the stored memberships of a collection owner.
// Inverse sides are cleared through the owning side of each member.
func (u *UnitOfWork) clearCollection(ctx context.Context, c *entity.Collection, pk value.Value, tx dialect.Tx) error {
	p := c.Property()
	owner := c.Owner().EntityName()
	members, err := u.drv.LoadCollection(ctx, owner, p.Name, []value.Value{pk}, tx)
	if err != nil {
		return err
	}
	ids := members[pk.Key()]
	if len(ids) == 0 {
		return nil
	}
	if p.Owner() {
		return u.drv.SyncCollection(ctx, owner, p.Name, pk, nil, ids, tx)
	}
	for _, id := range ids {
		if err := u.drv.SyncCollection(ctx, p.Target, p.MappedBy, id, nil, []value.Value{pk}, tx); err != nil {
			return err
		}
	}
	return nil
}

func keys(items []*entity.Entity) ([]value.Value, error) {
	out := make([]value.Value, 0, len(items))
	for _, e := range items {
		pk, ok := e.PrimaryKey()
		if !ok {
			return nil, orbit.ValidationErrorf(e.EntityName(), "", "%s has no primary key", e)
		}
		out = append(out, pk)
	}
	return out, nil
}

// apply advances the session after a successful flush. Every collection of
// a managed entity is snapshotted: the flush wrote all owning sides, so
// inverse sides now match the backend too.
func (u *UnitOfWork) apply(ctx context.Context, plan *Plan) {
	for _, cs := range plan.Inserts {
		e := cs.Entity
		if vp := e.Meta().VersionProperty(); vp != nil {
			e.Hydrate(vp.Name, cs.Payload[vp.Name])
		}
		if e.Loader() == nil && u.loader != nil {
			e.SetLoader(u.loader)
		}
		if err := u.idmap.Set(e); err != nil {
			u.logger.ErrorContext(ctx, "inserted entity not registered", "entity", e.EntityName(), "error", err)
		}
	}
	for _, cs := range plan.Updates {
		if vp := cs.Entity.Meta().VersionProperty(); vp != nil {
			cs.Entity.Hydrate(vp.Name, cs.Payload[vp.Name])
		}
	}
	for _, set := range [][]*ChangeSet{plan.Inserts, plan.Patches, plan.Updates} {
		for _, cs := range set {
			u.snapshots[cs.Entity] = capture(cs.Entity)
		}
	}
	gone := make(map[*entity.Entity]bool, len(plan.Deletes))
	for _, cs := range plan.Deletes {
		u.Detach(cs.Entity)
		u.deleted[cs.Entity] = true
		gone[cs.Entity] = true
	}
	for _, e := range u.idmap.Values() {
		u.unlink(e, gone)
		for _, c := range e.Collections() {
			c.TakeSnapshot()
		}
	}
	u.persist, u.removal = nil, nil
	clear(u.removing)
}

// unlink drops deleted entities from the relationships of e. The snapshot
// of a cleared reference is updated so no write follows.
func (u *UnitOfWork) unlink(e *entity.Entity, gone map[*entity.Entity]bool) {
	if len(gone) == 0 {
		return
	}
	for _, p := range e.Meta().Relations() {
		if c := e.Collection(p.Name); c != nil {
			for t := range gone {
				c.Evict(t)
			}
			continue
		}
		if r := e.Ref(p.Name); r != nil && gone[r.Get()] {
			e.HydrateReference(p.Name, nil)
			if s, ok := u.snapshots[e]; ok && p.Owner() {
				s[p.Name] = e.Values()[p.Name]
			}
		}
	}
}

// Entities returns the sorted names of the entities the plan writes.
func (p *Plan) Entities() []string {
	seen := make(map[string]bool)
	for _, set := range [][]*ChangeSet{p.Inserts, p.Patches, p.Updates, p.Deletes} {
		for _, cs := range set {
			seen[cs.Name()] = true
		}
	}
	for _, cc := range p.Collections {
		seen[cc.Collection.Owner().EntityName()] = true
		seen[cc.Collection.Property().Target] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

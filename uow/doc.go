// Package uow implements the unit of work of an entity manager session.
//
// A UnitOfWork keeps one live instance per identity, remembers the state
// of every managed entity as last read or written, and on Commit turns the
// difference into driver writes:
//
//	u := uow.New(drv)
//	a := entity.New(reg.MustGet("Author")).MustSet("name", "Ann")
//	if err := u.Persist(a); err != nil {
//		return err
//	}
//	if err := u.Commit(ctx); err != nil {
//		return err
//	}
//
// Persist and remove propagate along relationships declaring the matching
// cascade. Inserts run in dependency order; references to entities
// inserted later in the same flush are written by a follow-up update.
package uow

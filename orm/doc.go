// Package orm is the entry point of orbit: Init builds the entity registry,
// connects the driver and returns an ORM whose entity managers read,
// track and write entities.
//
//	o, err := orm.Init(ctx, memory.New(), orbit.Options{DBName: "library"}, defs...)
//	if err != nil {
//		return err
//	}
//	em := o.Fork()
//	author, err := em.Create("Author", map[string]any{"name": "Ann"})
//	if err != nil {
//		return err
//	}
//	if err := em.PersistAndFlush(ctx, author); err != nil {
//		return err
//	}
//	books, err := em.Find(ctx, "Book", orm.Filter{"author": author}, orm.OrderBy("title"), orm.WithPopulate("tags"))
//
// Entity managers are not safe for concurrent use. Fork one per unit of
// work, or install Middleware to fork one per HTTP request.
package orm

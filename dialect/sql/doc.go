// Package sql implements the relational driver on top of database/sql and
// sqlx.
//
// One Driver type serves PostgreSQL (lib/pq), MySQL (go-sql-driver/mysql)
// and SQLite (modernc.org/sqlite); the Platform selects the dialect
// differences: identifier quoting, placeholder style, RETURNING support and
// row locks.
//
//	drv, err := sql.Open(dialect.Postgres, "postgres://app@localhost/library")
//	if err != nil {
//	    return err
//	}
//	if err := drv.Connection().Connect(ctx); err != nil {
//	    return err
//	}
//
// # Statements
//
// Statements are built with Builder from the conditions produced by
// dialect.Base; "?" placeholders are rebound to "$n" on PostgreSQL:
//
//	q, args := sql.Insert(sql.PostgresPlatform(), "book", map[string]any{"title": "Go"}, "id")
//	// INSERT INTO "book" ("title") VALUES ($1) RETURNING "id"
//
// # Many-to-many
//
// Owning many-to-many sides are stored in pivot tables and written through
// SyncCollection; both sides are read through LoadCollection.
//
// # Errors
//
// Backend failures are returned as *orbit.DriverError. Unique, foreign key
// and check violations are classified from pq SQLSTATE codes, MySQL error
// numbers and SQLite extended result codes:
//
//	if orbit.IsConstraintError(err) {
//	    // handle duplicate
//	}
//
// # Session Variables
//
// WithVar attaches session variables to a context; they are SET before
// every statement and reset before pooled connections are released:
//
//	ctx = sql.WithVar(ctx, "search_path", "tenant_42")
package sql

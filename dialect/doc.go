// Package dialect provides the backend abstraction of the persistence
// engine.
//
// A backend plugs into the unit of work by implementing Driver, which binds
// one Platform and one Connection. Drivers receive logical property names
// and portable values (package value) and are responsible for renaming
// properties to physical fields, converting identifiers between their
// portable and backend representations, and reporting capability gaps as
// orbit.UnsupportedOperationError instead of degrading silently.
//
// # Supported Dialects
//
//   - Postgres, MySQL and SQLite: package dialect/sql
//   - Memory: an in-process document store, package dialect/memory
//   - DynamoDB: package dialect/dynamodb
//
// # Driver Interface
//
//	type Driver interface {
//	    Find(ctx, entity, where, opts, tx) ([]Row, error)
//	    FindOne(ctx, entity, where, opts, tx) (Row, error)
//	    Count(ctx, entity, where, tx) (int64, error)
//	    NativeInsert(ctx, entity, data, tx) (QueryResult, error)
//	    NativeUpdate(ctx, entity, where, data, tx) (QueryResult, error)
//	    NativeDelete(ctx, entity, where, tx) (QueryResult, error)
//	    Aggregate(ctx, entity, pipeline, tx) ([]Document, error)
//	    EnsureIndexes(ctx) error
//	    ...
//	}
//
// # Platform Defaults
//
// BasePlatform supports transactions, uses implicit transactions, stores
// many-to-many relationships inline, does not use RETURNING statements and
// leaves identifiers unchanged. Platforms embed it and override what differs.
//
// # Decorators
//
// StatsDriver counts driver calls and detects slow ones; DebugDriver logs
// every call:
//
//	drv := dialect.NewDebugDriver(dialect.NewStatsDriver(base))
package dialect

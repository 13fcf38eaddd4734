package dialect

import (
	"context"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// Dialect names.
const (
	MySQL    = "mysql"
	SQLite   = "sqlite"
	Postgres = "postgres"
	Memory   = "memory"
	DynamoDB = "dynamodb"
)

// Where filters rows by logical property name. A scalar value matches by
// equality, a List value matches any of its elements, Null matches missing
// values and a Doc value holds operators ($eq, $ne, $gt, $gte, $lt, $lte,
// $in, $nin).
type Where map[string]value.Value

// Row is a set of property values keyed by logical property name.
type Row map[string]value.Value

// Document is a raw backend document, used by aggregation pipelines.
type Document = map[string]any

// Order is one ORDER BY term.
type Order struct {
	Property string
	Desc     bool
}

// FindOptions holds the options of Find and FindOne.
type FindOptions struct {
	OrderBy []Order
	Limit   int
	Offset  int
	// Lock applies a pessimistic lock to the selected rows. It requires a
	// transaction.
	Lock orbit.LockMode
}

// QueryResult is the outcome of a native write.
type QueryResult struct {
	AffectedRows int64
	// InsertID is the generated primary key of an insert, normalized to its
	// portable representation. It is Null when the caller supplied the key.
	InsertID value.Value
}

// Tx is an open backend transaction.
type Tx interface {
	Commit() error
	Rollback() error
}

// Wrapper is implemented by transactions wrapping another transaction.
type Wrapper interface {
	Unwrap() Tx
}

// UnwrapTx returns the innermost transaction.
func UnwrapTx(tx Tx) Tx {
	for {
		w, ok := tx.(Wrapper)
		if !ok {
			return tx
		}
		tx = w.Unwrap()
	}
}

// Connection is the physical link to a backend.
type Connection interface {
	Connect(ctx context.Context) error
	IsConnected(ctx context.Context) bool
	// Close closes the link. With force, pending work is abandoned.
	Close(ctx context.Context, force bool) error
	ClientURL() string
}

// Platform describes the capabilities and policies of a backend.
type Platform interface {
	SupportsTransactions() bool
	UsesImplicitTransactions() bool
	UsesPivotTable() bool
	UsesReturningStatement() bool
	UsesCascadeStatement() bool
	NamingStrategy() schema.NamingStrategy
	// NormalizePrimaryKey converts a backend identifier to its portable form.
	NormalizePrimaryKey(any) value.Value
	// DenormalizePrimaryKey converts a portable identifier to the backend form.
	DenormalizePrimaryKey(value.Value) any
	// SerializedPrimaryKeyField returns the name under which a primary key
	// field is exposed when serializing entities.
	SerializedPrimaryKeyField(field string) string
}

// Driver translates CRUD intents into backend calls. Every method taking a
// Tx runs inside that transaction when it is not nil.
type Driver interface {
	Name() string
	Platform() Platform
	Connection() Connection
	SetMetadata(*schema.Registry)
	Metadata() *schema.Registry

	Begin(ctx context.Context) (Tx, error)
	Find(ctx context.Context, entity string, where Where, opts FindOptions, tx Tx) ([]Row, error)
	// FindOne returns nil when nothing matches.
	FindOne(ctx context.Context, entity string, where Where, opts FindOptions, tx Tx) (Row, error)
	Count(ctx context.Context, entity string, where Where, tx Tx) (int64, error)
	NativeInsert(ctx context.Context, entity string, data Row, tx Tx) (QueryResult, error)
	NativeUpdate(ctx context.Context, entity string, where Where, data Row, tx Tx) (QueryResult, error)
	NativeDelete(ctx context.Context, entity string, where Where, tx Tx) (QueryResult, error)
	Aggregate(ctx context.Context, entity string, pipeline []Document, tx Tx) ([]Document, error)

	// LoadCollection returns, for each owner key (value.Key of the primary
	// key), the primary keys of the members of a many-to-many property.
	LoadCollection(ctx context.Context, entity, property string, owners []value.Value, tx Tx) (map[string][]value.Value, error)
	// SyncCollection adds and removes members of an owning many-to-many
	// property.
	SyncCollection(ctx context.Context, entity, property string, owner value.Value, added, removed []value.Value, tx Tx) error

	// LockPessimistic locks the row or document of an entity.
	LockPessimistic(ctx context.Context, entity string, pk value.Value, mode orbit.LockMode, tx Tx) error
	// EnsureIndexes creates declared indexes. It is idempotent.
	EnsureIndexes(ctx context.Context) error
}

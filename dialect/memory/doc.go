// Package memory provides an in-process document store driver.
//
// Documents are kept as plain maps grouped in collections named by the
// document naming strategy. Primary keys are generated on insert: a
// per-collection sequence for integer keys and a random uuid otherwise.
// Many-to-many relationships are stored inline as a list of member ids on
// the owning document, and inverse sides are loaded by searching those
// lists.
//
// Transactions are explicit. A transaction reads a snapshot of the store
// taken at Begin plus its own writes, and Commit fails with
// ErrWriteConflict when any document it wrote changed in the store since.
//
// Unique indexes registered by EnsureIndexes are enforced on every write.
// Documents missing an indexed field are not indexed. Aggregate runs a
// small pipeline language:
//
//	drv.Aggregate(ctx, "Book", []dialect.Document{
//		{"$match": map[string]any{"version": map[string]any{"$gt": 1}}},
//		{"$group": map[string]any{"_id": "$author", "n": map[string]any{"$sum": 1}}},
//		{"$sort": map[string]any{"n": -1}},
//	}, nil)
//
// Pessimistic locks are not supported.
package memory

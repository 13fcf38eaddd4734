// Package dynamodb provides a driver for Amazon DynamoDB.
//
// Every collection is a table whose partition key is the primary key
// field. Identifiers are generated on insert: a random uuid string for
// string keys and an atomic counter kept in a sequences table for integer
// keys. Many-to-many relationships are stored inline as a list of member
// ids on the owning item.
//
// Reads by primary key use GetItem; other filters scan the table and are
// evaluated client-side. Updates and deletes are conditional on the
// comparisons of their filter, so an optimistic version check made in the
// filter is enforced by DynamoDB itself.
//
// Transactions are explicit. Writes are buffered, successive writes to one
// item are merged, and Commit sends them in a single TransactWriteItems
// call. Reads inside a transaction see its pending writes.
//
//	drv := dynamodb.New("dynamodb://localhost:8000?region=us-east-1")
//	drv.SetMetadata(reg)
//	if err := drv.Connection().Connect(ctx); err != nil {
//		return err
//	}
//	if err := drv.EnsureIndexes(ctx); err != nil {
//		return err
//	}
//
// Aggregation pipelines and pessimistic locks are not supported.
package dynamodb

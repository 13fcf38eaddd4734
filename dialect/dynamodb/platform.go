package dynamodb

import (
	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/schema"
)

// Platform is the DynamoDB platform: document naming, inline many-to-many
// id lists and explicit transactions.
type Platform struct {
	dialect.BasePlatform
}

// UsesImplicitTransactions implements dialect.Platform.
func (Platform) UsesImplicitTransactions() bool { return false }

// NamingStrategy implements dialect.Platform.
func (Platform) NamingStrategy() schema.NamingStrategy { return schema.DocumentNamingStrategy{} }

// SerializedPrimaryKeyField exposes "_id" as "id".
func (Platform) SerializedPrimaryKeyField(field string) string {
	if field == "_id" {
		return "id"
	}
	return field
}

var _ dialect.Platform = Platform{}

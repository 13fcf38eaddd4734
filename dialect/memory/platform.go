package memory

import (
	"github.com/google/uuid"

	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// Platform is the document platform: generated uuid identifiers, inline
// many-to-many id lists and explicit transactions.
type Platform struct {
	dialect.BasePlatform
}

// UsesImplicitTransactions implements dialect.Platform.
func (Platform) UsesImplicitTransactions() bool { return false }

// NamingStrategy implements dialect.Platform.
func (Platform) NamingStrategy() schema.NamingStrategy { return schema.DocumentNamingStrategy{} }

// NormalizePrimaryKey converts native uuid identifiers to strings.
func (p Platform) NormalizePrimaryKey(v any) value.Value {
	if id, ok := v.(uuid.UUID); ok {
		return value.String(id.String())
	}
	return p.BasePlatform.NormalizePrimaryKey(v)
}

// DenormalizePrimaryKey converts strings holding a uuid to native uuid
// identifiers. Other values are stored unchanged.
func (Platform) DenormalizePrimaryKey(v value.Value) any {
	if s, ok := v.AsString(); ok {
		if id, err := uuid.Parse(s); err == nil {
			return id
		}
	}
	return v.Interface()
}

// SerializedPrimaryKeyField exposes "_id" as "id".
func (Platform) SerializedPrimaryKeyField(field string) string {
	if field == "_id" {
		return "id"
	}
	return field
}

var _ dialect.Platform = Platform{}

package dialect

import (
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

// BasePlatform provides the default platform policy. Backend platforms embed
// it and override what differs.
type BasePlatform struct{}

// SupportsTransactions implements Platform.
func (BasePlatform) SupportsTransactions() bool { return true }

// UsesImplicitTransactions implements Platform.
func (BasePlatform) UsesImplicitTransactions() bool { return true }

// UsesPivotTable implements Platform.
func (BasePlatform) UsesPivotTable() bool { return false }

// UsesReturningStatement implements Platform.
func (BasePlatform) UsesReturningStatement() bool { return false }

// UsesCascadeStatement implements Platform.
func (BasePlatform) UsesCascadeStatement() bool { return false }

// NamingStrategy implements Platform.
func (BasePlatform) NamingStrategy() schema.NamingStrategy { return schema.UnderscoreNamingStrategy{} }

// NormalizePrimaryKey implements Platform.
func (BasePlatform) NormalizePrimaryKey(v any) value.Value {
	out, err := value.Of(v)
	if err != nil {
		return value.Null()
	}
	return out
}

// DenormalizePrimaryKey implements Platform.
func (BasePlatform) DenormalizePrimaryKey(v value.Value) any { return v.Interface() }

// SerializedPrimaryKeyField implements Platform.
func (BasePlatform) SerializedPrimaryKeyField(field string) string { return field }

var _ Platform = BasePlatform{}

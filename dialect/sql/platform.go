package sql

import (
	"github.com/jmoiron/sqlx"

	"github.com/syssam/orbit/dialect"
)

// Platform describes one relational engine.
type Platform struct {
	dialect.BasePlatform
	dialect string
}

// PostgresPlatform returns the PostgreSQL platform.
func PostgresPlatform() *Platform { return &Platform{dialect: dialect.Postgres} }

// MySQLPlatform returns the MySQL platform.
func MySQLPlatform() *Platform { return &Platform{dialect: dialect.MySQL} }

// SQLitePlatform returns the SQLite platform.
func SQLitePlatform() *Platform { return &Platform{dialect: dialect.SQLite} }

// NewPlatform returns the platform of the named dialect.
func NewPlatform(name string) (*Platform, bool) {
	switch name {
	case dialect.Postgres, dialect.MySQL, dialect.SQLite:
		return &Platform{dialect: name}, true
	}
	return nil, false
}

// Dialect returns the dialect name.
func (p *Platform) Dialect() string { return p.dialect }

// UsesPivotTable implements dialect.Platform.
func (p *Platform) UsesPivotTable() bool { return true }

// UsesReturningStatement implements dialect.Platform.
func (p *Platform) UsesReturningStatement() bool { return p.dialect == dialect.Postgres }

// UsesCascadeStatement implements dialect.Platform.
func (p *Platform) UsesCascadeStatement() bool { return true }

// SupportsRowLocks reports whether SELECT ... FOR UPDATE is available.
func (p *Platform) SupportsRowLocks() bool { return p.dialect != dialect.SQLite }

// DriverName returns the database/sql driver name.
func (p *Platform) DriverName() string { return p.dialect }

// bindType returns the placeholder style of the platform.
func (p *Platform) bindType() int {
	if p.dialect == dialect.Postgres {
		return sqlx.DOLLAR
	}
	return sqlx.QUESTION
}

// Quote quotes an identifier.
func (p *Platform) Quote(ident string) string {
	if p.dialect == dialect.MySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

var _ dialect.Platform = (*Platform)(nil)

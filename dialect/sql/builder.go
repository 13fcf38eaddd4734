package sql

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/dialect"
)

var comparisons = map[string]string{
	dialect.OpEq:  "=",
	dialect.OpNe:  "<>",
	dialect.OpGt:  ">",
	dialect.OpGte: ">=",
	dialect.OpLt:  "<",
	dialect.OpLte: "<=",
}

// Builder builds one SQL statement with "?" placeholders and rebinds it to
// the platform placeholder style.
type Builder struct {
	platform *Platform
	sb       strings.Builder
	args     []any
}

// NewBuilder returns a statement builder for the platform.
func NewBuilder(p *Platform) *Builder {
	return &Builder{platform: p}
}

// WriteString appends raw SQL.
func (b *Builder) WriteString(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// Ident appends a quoted identifier.
func (b *Builder) Ident(s string) *Builder {
	b.sb.WriteString(b.platform.Quote(s))
	return b
}

// Idents appends a comma separated list of quoted identifiers.
func (b *Builder) Idents(s ...string) *Builder {
	for i, ident := range s {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.Ident(ident)
	}
	return b
}

// Arg appends a placeholder bound to v.
func (b *Builder) Arg(v any) *Builder {
	b.sb.WriteByte('?')
	b.args = append(b.args, v)
	return b
}

// Args appends a comma separated list of placeholders.
func (b *Builder) Args(vs ...any) *Builder {
	for i, v := range vs {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.Arg(v)
	}
	return b
}

// Query returns the statement and its arguments.
func (b *Builder) Query() (string, []any) {
	return sqlx.Rebind(b.platform.bindType(), b.sb.String()), b.args
}

// Where appends a WHERE clause for the conditions, if any.
func (b *Builder) Where(conds []dialect.Cond) *Builder {
	for i, c := range conds {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.cond(c)
	}
	return b
}

func (b *Builder) cond(c dialect.Cond) {
	switch c.Op {
	case dialect.OpIn, dialect.OpNin:
		vals, _ := c.Value.([]any)
		if len(vals) == 0 {
			if c.Op == dialect.OpIn {
				b.WriteString("1 = 0")
			} else {
				b.WriteString("1 = 1")
			}
			return
		}
		b.Ident(c.Field)
		if c.Op == dialect.OpNin {
			b.WriteString(" NOT")
		}
		b.WriteString(" IN (").Args(vals...).WriteString(")")
	case dialect.OpEq, dialect.OpNe:
		if c.Value == nil {
			b.Ident(c.Field)
			if c.Op == dialect.OpEq {
				b.WriteString(" IS NULL")
			} else {
				b.WriteString(" IS NOT NULL")
			}
			return
		}
		fallthrough
	default:
		b.Ident(c.Field).WriteString(" " + comparisons[c.Op] + " ").Arg(c.Value)
	}
}

// OrderBy appends ORDER BY terms.
func (b *Builder) OrderBy(fields []string, desc []bool) *Builder {
	for i, f := range fields {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.Ident(f)
		if desc[i] {
			b.WriteString(" DESC")
		} else {
			b.WriteString(" ASC")
		}
	}
	return b
}

// Paginate appends LIMIT and OFFSET.
func (b *Builder) Paginate(limit, offset int) *Builder {
	switch {
	case limit > 0:
		b.WriteString(" LIMIT " + strconv.Itoa(limit))
	case offset > 0 && b.platform.dialect == dialect.MySQL:
		b.WriteString(" LIMIT 18446744073709551615")
	case offset > 0 && b.platform.dialect == dialect.SQLite:
		b.WriteString(" LIMIT -1")
	}
	if offset > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(offset))
	}
	return b
}

// Lock appends a row lock clause.
func (b *Builder) Lock(mode orbit.LockMode) *Builder {
	switch mode {
	case orbit.LockPessimisticWrite:
		b.WriteString(" FOR UPDATE")
	case orbit.LockPessimisticRead:
		b.WriteString(" FOR SHARE")
	}
	return b
}

// sortedFields returns the keys of fields in a stable order.
func sortedFields(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Insert builds an INSERT statement. With returning set, the statement
// returns that column.
func Insert(p *Platform, table string, fields map[string]any, returning string) (string, []any) {
	b := NewBuilder(p).WriteString("INSERT INTO ").Ident(table)
	if len(fields) == 0 {
		if p.dialect == dialect.MySQL {
			b.WriteString(" () VALUES ()")
		} else {
			b.WriteString(" DEFAULT VALUES")
		}
	} else {
		names := sortedFields(fields)
		vals := make([]any, len(names))
		for i, n := range names {
			vals[i] = fields[n]
		}
		b.WriteString(" (").Idents(names...).WriteString(") VALUES (").Args(vals...).WriteString(")")
	}
	if returning != "" {
		b.WriteString(" RETURNING ").Ident(returning)
	}
	return b.Query()
}

// Update builds an UPDATE statement.
func Update(p *Platform, table string, fields map[string]any, conds []dialect.Cond) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("dialect/sql: update %s: no fields", table)
	}
	b := NewBuilder(p).WriteString("UPDATE ").Ident(table).WriteString(" SET ")
	for i, n := range sortedFields(fields) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(n).WriteString(" = ").Arg(fields[n])
	}
	q, args := b.Where(conds).Query()
	return q, args, nil
}

// Delete builds a DELETE statement.
func Delete(p *Platform, table string, conds []dialect.Cond) (string, []any) {
	return NewBuilder(p).WriteString("DELETE FROM ").Ident(table).Where(conds).Query()
}

// Count builds a SELECT COUNT(*) statement.
func Count(p *Platform, table string, conds []dialect.Cond) (string, []any) {
	return NewBuilder(p).WriteString("SELECT COUNT(*) FROM ").Ident(table).Where(conds).Query()
}

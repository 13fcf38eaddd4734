package sql

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/syssam/orbit"
)

// PostgreSQL SQLSTATE codes for constraint violations (Class 23).
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// MySQL error numbers for constraint violations.
const (
	mysqlDuplicateEntry         = 1062
	mysqlForeignKeyParent       = 1451 // Cannot delete or update a parent row
	mysqlForeignKeyChild        = 1452 // Cannot add or update a child row
	mysqlCheckConstraintViolate = 3819
)

// sqlStateError is implemented by errors that provide SQLSTATE codes.
type sqlStateError interface {
	SQLState() string
}

// Classify reports which kind of constraint, if any, err violated.
func Classify(err error) orbit.ConstraintKind {
	if err == nil {
		return orbit.NoConstraint
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return classifyState(pe.SQLState())
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlDuplicateEntry:
			return orbit.UniqueConstraint
		case mysqlForeignKeyParent, mysqlForeignKeyChild:
			return orbit.ForeignKeyConstraint
		case mysqlCheckConstraintViolate:
			return orbit.CheckConstraint
		}
		return orbit.NoConstraint
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return orbit.UniqueConstraint
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return orbit.ForeignKeyConstraint
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return orbit.CheckConstraint
		}
	}
	if e, ok := asError[sqlStateError](err); ok {
		if k := classifyState(e.SQLState()); k != orbit.NoConstraint {
			return k
		}
	}
	// Fallback to string matching for drivers that don't expose codes.
	msg := err.Error()
	switch {
	case containsAny(msg, "Error 1062", "violates unique constraint", "UNIQUE constraint failed"):
		return orbit.UniqueConstraint
	case containsAny(msg, "Error 1451", "Error 1452", "violates foreign key constraint", "FOREIGN KEY constraint failed"):
		return orbit.ForeignKeyConstraint
	case containsAny(msg, "Error 3819", "violates check constraint", "CHECK constraint failed"):
		return orbit.CheckConstraint
	}
	return orbit.NoConstraint
}

func classifyState(state string) orbit.ConstraintKind {
	switch state {
	case pgUniqueViolation:
		return orbit.UniqueConstraint
	case pgForeignKeyViolation:
		return orbit.ForeignKeyConstraint
	case pgCheckViolation:
		return orbit.CheckConstraint
	}
	return orbit.NoConstraint
}

// wrapError wraps a backend error into an orbit.DriverError carrying its
// constraint classification.
func wrapError(driver, op, entity string, err error) error {
	if err == nil {
		return nil
	}
	var de *orbit.DriverError
	if errors.As(err, &de) {
		return err
	}
	return &orbit.DriverError{
		Driver:     driver,
		Op:         op,
		Entity:     entity,
		Constraint: Classify(err),
		Err:        err,
	}
}

// asError attempts to extract an error implementing interface T from the error chain.
func asError[T any](err error) (T, bool) {
	var target T
	for err != nil {
		if e, ok := err.(T); ok {
			return e, true
		}
		err = errors.Unwrap(err)
	}
	return target, false
}

// containsAny returns true if s contains any of the substrings.
func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

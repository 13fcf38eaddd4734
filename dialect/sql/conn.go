package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/syssam/orbit/dialect"
)

// validIdentifierRe validates SQL identifiers (alphanumeric, underscores, dots for schema.name)
var validIdentifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// isValidIdentifier checks if the string is a valid SQL identifier.
func isValidIdentifier(s string) bool {
	return s != "" && len(s) <= 128 && validIdentifierRe.MatchString(s)
}

// escapeStringValue escapes a string value for safe use in SQL.
// It escapes both single quotes (by doubling) and backslashes (for MySQL compatibility).
func escapeStringValue(s string) string {
	if !strings.ContainsAny(s, `'\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", "''")
	return s
}

// Connection is the dialect.Connection of a relational database. The pool
// is opened lazily by Connect and is safe for concurrent use by multiple
// sessions.
type Connection struct {
	platform *Platform
	dsn      string

	mu sync.RWMutex
	db *sqlx.DB
}

// NewConnection returns an unopened connection to dsn.
func NewConnection(p *Platform, dsn string) *Connection {
	return &Connection{platform: p, dsn: dsn}
}

// Connect opens the pool, if needed, and verifies the database is reachable.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		db, err := sqlx.Open(c.platform.DriverName(), c.dsn)
		if err != nil {
			return err
		}
		c.db = db
	}
	return c.db.PingContext(ctx)
}

// IsConnected reports whether the database answers a ping.
func (c *Connection) IsConnected(ctx context.Context) bool {
	db := c.DB()
	return db != nil && db.PingContext(ctx) == nil
}

// Close closes the pool. Running statements are awaited unless force is
// set, in which case idle and in-use connections are dropped as they return.
func (c *Connection) Close(_ context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	if force {
		c.db.SetMaxIdleConns(0)
		c.db.SetConnMaxLifetime(time.Nanosecond)
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// DB returns the pool, or nil before Connect.
func (c *Connection) DB() *sqlx.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// ClientURL returns the connection URL with the password redacted.
func (c *Connection) ClientURL() string {
	switch c.platform.dialect {
	case dialect.MySQL:
		cfg, err := mysql.ParseDSN(c.dsn)
		if err != nil {
			return "mysql://"
		}
		u := url.URL{Scheme: "mysql", Host: cfg.Addr, Path: "/" + cfg.DBName}
		if cfg.User != "" {
			u.User = url.UserPassword(cfg.User, cfg.Passwd)
			if cfg.Passwd == "" {
				u.User = url.User(cfg.User)
			}
		}
		return u.Redacted()
	case dialect.SQLite:
		path, _, _ := strings.Cut(strings.TrimPrefix(c.dsn, "file:"), "?")
		return "sqlite://" + path
	default:
		u, err := url.Parse(c.dsn)
		if err != nil || u.Scheme == "" {
			return c.platform.dialect + "://"
		}
		u.RawQuery = ""
		return u.Redacted()
	}
}

// ExecQuerier wraps the Exec and Query methods shared by pools,
// connections and transactions.
type ExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

// Conn executes statements on an ExecQuerier.
type Conn struct {
	ExecQuerier
	dialect string
}

// Rows wraps sqlx.Rows with an optional close hook.
type Rows struct {
	*sqlx.Rows
	closer func() error
}

// Close closes the rows and calls the close hook.
func (r *Rows) Close() error {
	err := r.Rows.Close()
	if r.closer != nil {
		err = errors.Join(err, r.closer())
	}
	return err
}

// Exec executes a statement that returns no rows.
func (c Conn) Exec(ctx context.Context, query string, args ...any) (_ sql.Result, rerr error) {
	ex, cf, err := c.maySetVars(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: exec: set session vars: %w", err)
	}
	if cf != nil {
		defer func() { rerr = errors.Join(rerr, cf()) }()
	}
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: exec: %w", err)
	}
	return res, nil
}

// Query executes a statement that returns rows. The caller must close them.
func (c Conn) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	ex, cf, err := c.maySetVars(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: query: set session vars: %w", err)
	}
	rows, err := ex.QueryxContext(ctx, query, args...)
	if err != nil {
		if cf != nil {
			err = errors.Join(err, cf())
		}
		return nil, fmt.Errorf("dialect/sql: query: %w", err)
	}
	return &Rows{Rows: rows, closer: cf}, nil
}

// ctxVarsKey is the key used for attaching and reading the context variables.
type ctxVarsKey struct{}

// sessionVars holds sessions/transactions variables to set before every statement.
type sessionVars struct {
	vars []struct{ k, v string }
}

// WithVar returns a new context that holds the session variable to be executed before every query.
func WithVar(ctx context.Context, name, value string) context.Context {
	sv, _ := ctx.Value(ctxVarsKey{}).(sessionVars)
	sv.vars = append(sv.vars, struct {
		k, v string
	}{
		k: name,
		v: value,
	})
	return context.WithValue(ctx, ctxVarsKey{}, sv)
}

// VarFromContext returns the session variable value from the context.
func VarFromContext(ctx context.Context, name string) (string, bool) {
	sv, _ := ctx.Value(ctxVarsKey{}).(sessionVars)
	for _, s := range sv.vars {
		if s.k == name {
			return s.v, true
		}
	}
	return "", false
}

// WithIntVar calls WithVar with the string representation of the value.
func WithIntVar(ctx context.Context, name string, value int) context.Context {
	return WithVar(ctx, name, strconv.Itoa(value))
}

// maySetVars sets the session variables before executing a query.
func (c Conn) maySetVars(ctx context.Context) (ExecQuerier, func() error, error) {
	sv, _ := ctx.Value(ctxVarsKey{}).(sessionVars)
	if len(sv.vars) == 0 {
		return c.ExecQuerier, nil, nil
	}
	var (
		ex    ExecQuerier  // Underlying ExecQuerier.
		cf    func() error // Close function.
		reset []string     // Reset variables.
		seen  = make(map[string]struct{}, len(sv.vars))
	)
	switch e := c.ExecQuerier.(type) {
	case *sqlx.Tx:
		ex = e
	case *sqlx.DB:
		conn, err := e.Connx(ctx)
		if err != nil {
			return nil, nil, err
		}
		ex, cf = conn, conn.Close
	default:
		return nil, nil, fmt.Errorf("unsupported ExecQuerier type: %T", c.ExecQuerier)
	}
	for _, s := range sv.vars {
		if !isValidIdentifier(s.k) {
			if cf != nil {
				_ = cf()
			}
			return nil, nil, fmt.Errorf("invalid session variable name: %q", s.k)
		}
		if _, ok := seen[s.k]; !ok {
			switch c.dialect {
			case dialect.Postgres:
				reset = append(reset, fmt.Sprintf("RESET %s", s.k))
			case dialect.MySQL:
				reset = append(reset, fmt.Sprintf("SET %s = NULL", s.k))
			}
			seen[s.k] = struct{}{}
		}
		if _, err := ex.ExecContext(ctx, fmt.Sprintf("SET %s = '%s'", s.k, escapeStringValue(s.v))); err != nil {
			if cf != nil {
				err = errors.Join(err, cf())
			}
			return nil, nil, err
		}
	}
	// Pooled connections are cleaned up before they return to the pool,
	// with a fresh context so a canceled request still resets them.
	if cls := cf; cf != nil && len(reset) > 0 {
		cf = func() error {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, q := range reset {
				if _, err := ex.ExecContext(cleanupCtx, q); err != nil {
					return errors.Join(err, cls())
				}
			}
			return cls()
		}
	}
	return ex, cf, nil
}

// Tx is an open database transaction.
type Tx struct {
	Conn
	tx *sqlx.Tx
}

// Commit implements dialect.Tx.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback implements dialect.Tx.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

var (
	_ dialect.Connection = (*Connection)(nil)
	_ dialect.Tx         = (*Tx)(nil)
)

package sql

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"
)

func library(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Build(schema.UnderscoreNamingStrategy{},
		schema.Entity("Author").
			Fields(schema.Int("id").Primary(), schema.String("name").Unique()),
		schema.Entity("Book").
			Fields(
				schema.Int("id").Primary(),
				schema.String("title"),
				schema.Version("version"),
				schema.JSON("meta").Nullable(),
			).
			Edges(
				schema.ManyToOne("author", "Author").Nullable(),
				schema.ManyToMany("tags", "Tag"),
			),
		schema.Entity("Tag").
			Fields(schema.Int("id").Primary(), schema.String("name")).
			Edges(schema.ManyToMany("books", "Book").MappedBy("tags")),
	)
	require.NoError(t, err)
	return reg
}

func mockDriver(t *testing.T, name string) (*Driver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	drv, err := OpenDB(name, db)
	require.NoError(t, err)
	drv.SetMetadata(library(t))
	return drv, mock
}

// TestOpenDB tests wrapping a database handle per dialect.
func TestOpenDB(t *testing.T) {
	tests := []struct {
		name      string
		dialect   string
		returning bool
		rowLocks  bool
	}{
		{"Postgres", dialect.Postgres, true, true},
		{"MySQL", dialect.MySQL, false, true},
		{"SQLite", dialect.SQLite, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			drv, err := OpenDB(tt.dialect, db)
			require.NoError(t, err)
			assert.Equal(t, tt.dialect, drv.Dialect())
			assert.Equal(t, tt.dialect, drv.Name())
			assert.True(t, drv.Platform().UsesPivotTable())
			assert.True(t, drv.Platform().SupportsTransactions())
			assert.Equal(t, tt.returning, drv.Platform().UsesReturningStatement())
			assert.Equal(t, tt.rowLocks, drv.platform.SupportsRowLocks())
		})
	}

	_, err := Open("oracle", "")
	require.Error(t, err)
}

// TestDriverFind tests SELECT generation and result hydration.
func TestDriverFind(t *testing.T) {
	ctx := context.Background()

	t.Run("Postgres", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.Postgres)
		mock.ExpectQuery(`SELECT "id", "title", "version", "meta", "author_id" FROM "book" WHERE "title" = $1 ORDER BY "id" DESC LIMIT 10 OFFSET 5`).
			WithArgs("Go").
			WillReturnRows(sqlmock.NewRows([]string{"id", "title", "version", "meta", "author_id"}).
				AddRow(int64(1), "Go", int64(1), []byte(`{"pages":300}`), int64(7)).
				AddRow(int64(2), "Go", int64(3), nil, nil))

		rows, err := drv.Find(ctx, "Book", dialect.Where{"title": value.String("Go")}, dialect.FindOptions{
			OrderBy: []dialect.Order{{Property: "id", Desc: true}},
			Limit:   10,
			Offset:  5,
		}, nil)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, value.Int(1), rows[0]["id"])
		assert.Equal(t, value.String("Go"), rows[0]["title"])
		assert.Equal(t, value.Doc(map[string]any{"pages": float64(300)}), rows[0]["meta"])
		assert.Equal(t, value.Int(7), rows[0]["author"])
		assert.True(t, rows[1]["author"].IsNull())
		assert.True(t, rows[1]["meta"].IsNull())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Operators", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.Postgres)
		mock.ExpectQuery(`SELECT "id", "title", "version", "meta", "author_id" FROM "book" WHERE "author_id" IS NULL AND "id" NOT IN ($1, $2) AND "version" >= $3 AND "version" < $4`).
			WithArgs(int64(1), int64(2), int64(2), int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		rows, err := drv.Find(ctx, "Book", dialect.Where{
			"author":  value.Null(),
			"id":      value.Doc(map[string]any{"$nin": []any{1, 2}}),
			"version": value.Doc(map[string]any{"$gte": 2, "$lt": 5}),
		}, dialect.FindOptions{}, nil)
		require.NoError(t, err)
		assert.Empty(t, rows)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MySQLIn", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.MySQL)
		mock.ExpectQuery("SELECT `id`, `title`, `version`, `meta`, `author_id` FROM `book` WHERE `id` IN (?, ?) LIMIT 1").
			WithArgs(int64(1), int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow([]byte("1"), []byte("Go")))

		row, err := drv.FindOne(ctx, "Book", dialect.Where{"id": value.List(value.Int(1), value.Int(2))}, dialect.FindOptions{}, nil)
		require.NoError(t, err)
		assert.Equal(t, value.Int(1), row["id"])
		assert.Equal(t, value.String("Go"), row["title"])
	})

	t.Run("Validation", func(t *testing.T) {
		drv, _ := mockDriver(t, dialect.Postgres)
		_, err := drv.Find(ctx, "Book", dialect.Where{"isbn": value.String("x")}, dialect.FindOptions{}, nil)
		assert.True(t, orbit.IsValidationError(err))
		_, err = drv.Find(ctx, "Book", dialect.Where{"tags": value.Int(1)}, dialect.FindOptions{}, nil)
		assert.True(t, orbit.IsValidationError(err))
		_, err = drv.Find(ctx, "Magazine", nil, dialect.FindOptions{}, nil)
		assert.True(t, orbit.IsValidationError(err))
		_, err = drv.Find(ctx, "Book", dialect.Where{"version": value.Doc(map[string]any{"$regex": "x"})}, dialect.FindOptions{}, nil)
		assert.True(t, orbit.IsValidationError(err))
	})
}

// TestDriverWrites tests INSERT, UPDATE and DELETE generation.
func TestDriverWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("PostgresReturning", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.Postgres)
		mock.ExpectQuery(`INSERT INTO "book" ("author_id", "meta", "title", "version") VALUES ($1, $2, $3, $4) RETURNING "id"`).
			WithArgs(int64(7), `{"pages":300}`, "Go", int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

		res, err := drv.NativeInsert(ctx, "Book", dialect.Row{
			"id":      value.Null(),
			"title":   value.String("Go"),
			"version": value.Int(1),
			"meta":    value.Doc(map[string]any{"pages": 300}),
			"author":  value.Int(7),
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.AffectedRows)
		assert.Equal(t, value.Int(42), res.InsertID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MySQLLastInsertID", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.MySQL)
		mock.ExpectExec("INSERT INTO `author` (`name`) VALUES (?)").
			WithArgs("Ann").
			WillReturnResult(sqlmock.NewResult(9, 1))

		res, err := drv.NativeInsert(ctx, "Author", dialect.Row{"name": value.String("Ann")}, nil)
		require.NoError(t, err)
		assert.Equal(t, value.Int(9), res.InsertID)
	})

	t.Run("SuppliedKey", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.Postgres)
		mock.ExpectExec(`INSERT INTO "author" ("id", "name") VALUES ($1, $2)`).
			WithArgs(int64(3), "Ann").
			WillReturnResult(sqlmock.NewResult(0, 1))

		res, err := drv.NativeInsert(ctx, "Author", dialect.Row{"id": value.Int(3), "name": value.String("Ann")}, nil)
		require.NoError(t, err)
		assert.True(t, res.InsertID.IsNull())
		assert.Equal(t, int64(1), res.AffectedRows)
	})

	t.Run("VersionedUpdate", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.Postgres)
		mock.ExpectExec(`UPDATE "book" SET "title" = $1, "version" = $2 WHERE "id" = $3 AND "version" = $4`).
			WithArgs("Go 2", int64(2), int64(1), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		res, err := drv.NativeUpdate(ctx, "Book",
			dialect.Where{"id": value.Int(1), "version": value.Int(1)},
			dialect.Row{"title": value.String("Go 2"), "version": value.Int(2)}, nil)
		require.NoError(t, err)
		assert.Zero(t, res.AffectedRows)
	})

	t.Run("Delete", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.SQLite)
		mock.ExpectExec(`DELETE FROM "book" WHERE "id" IN (?, ?)`).
			WithArgs(int64(1), int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 2))

		res, err := drv.NativeDelete(ctx, "Book", dialect.Where{"id": value.List(value.Int(1), value.Int(2))}, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.AffectedRows)
	})

	t.Run("ConstraintViolation", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.MySQL)
		mock.ExpectExec("INSERT INTO `author` (`name`) VALUES (?)").
			WithArgs("Ann").
			WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'Ann'"})

		_, err := drv.NativeInsert(ctx, "Author", dialect.Row{"name": value.String("Ann")}, nil)
		require.Error(t, err)
		assert.True(t, orbit.IsDriverError(err))
		assert.True(t, orbit.IsConstraintError(err))
		var de *orbit.DriverError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, orbit.UniqueConstraint, de.Constraint)
		assert.Equal(t, "insert", de.Op)
		assert.Equal(t, "Author", de.Entity)
	})
}

// TestDriverCollections tests pivot table reads and writes.
func TestDriverCollections(t *testing.T) {
	ctx := context.Background()
	drv, mock := mockDriver(t, dialect.Postgres)

	t.Run("Sync", func(t *testing.T) {
		mock.ExpectExec(`DELETE FROM "book_tags" WHERE "book_id" = $1 AND "tag_id" IN ($2, $3)`).
			WithArgs(int64(1), int64(4), int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(`INSERT INTO "book_tags" ("book_id", "tag_id") VALUES ($1, $2), ($3, $4)`).
			WithArgs(int64(1), int64(6), int64(1), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 2))

		err := drv.SyncCollection(ctx, "Book", "tags", value.Int(1),
			[]value.Value{value.Int(6), value.Int(7)},
			[]value.Value{value.Int(4), value.Int(5)}, nil)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("LoadInverse", func(t *testing.T) {
		mock.ExpectQuery(`SELECT "tag_id", "book_id" FROM "book_tags" WHERE "tag_id" IN ($1, $2)`).
			WithArgs(int64(6), int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"tag_id", "book_id"}).
				AddRow(int64(6), int64(1)).
				AddRow(int64(6), int64(2)).
				AddRow(int64(7), int64(1)))

		got, err := drv.LoadCollection(ctx, "Tag", "books", []value.Value{value.Int(6), value.Int(7)}, nil)
		require.NoError(t, err)
		assert.Equal(t, []value.Value{value.Int(1), value.Int(2)}, got[value.Int(6).Key()])
		assert.Equal(t, []value.Value{value.Int(1)}, got[value.Int(7).Key()])
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("InverseSync", func(t *testing.T) {
		err := drv.SyncCollection(ctx, "Tag", "books", value.Int(1), []value.Value{value.Int(2)}, nil, nil)
		assert.True(t, orbit.IsValidationError(err))
	})
}

// TestDriverLocks tests pessimistic locking per dialect.
func TestDriverLocks(t *testing.T) {
	ctx := context.Background()

	t.Run("SQLiteUnsupported", func(t *testing.T) {
		drv, _ := mockDriver(t, dialect.SQLite)
		err := drv.LockPessimistic(ctx, "Book", value.Int(1), orbit.LockPessimisticWrite, nil)
		require.True(t, orbit.IsUnsupportedOperation(err))
		assert.Contains(t, err.Error(), "sqlite")
		_, err = drv.Find(ctx, "Book", nil, dialect.FindOptions{Lock: orbit.LockPessimisticRead}, nil)
		assert.True(t, orbit.IsUnsupportedOperation(err))
	})

	t.Run("RequiresTransaction", func(t *testing.T) {
		drv, _ := mockDriver(t, dialect.Postgres)
		err := drv.LockPessimistic(ctx, "Book", value.Int(1), orbit.LockPessimisticWrite, nil)
		assert.True(t, orbit.IsValidationError(err))
	})

	t.Run("ForUpdate", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.Postgres)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT "id" FROM "book" WHERE "id" = $1 FOR UPDATE`).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
		mock.ExpectQuery(`SELECT "id" FROM "book" WHERE "id" = $1 FOR SHARE`).
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		tx, err := drv.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, drv.LockPessimistic(ctx, "Book", value.Int(1), orbit.LockPessimisticWrite, tx))
		err = drv.LockPessimistic(ctx, "Book", value.Int(2), orbit.LockPessimisticRead, tx)
		assert.True(t, orbit.IsNotFound(err))
		require.NoError(t, tx.Rollback())
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

// TestDriverTransaction tests statements issued inside a wrapped transaction.
func TestDriverTransaction(t *testing.T) {
	ctx := context.Background()
	drv, mock := mockDriver(t, dialect.Postgres)
	debug := dialect.NewDebugDriver(drv, dialect.DebugWithLog(func(context.Context, ...any) {}))

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "author" WHERE "id" = $1`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := debug.Begin(ctx)
	require.NoError(t, err)
	_, ok := tx.(dialect.Wrapper)
	require.True(t, ok)
	_, err = debug.NativeDelete(ctx, "Author", dialect.Where{"id": value.Int(1)}, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestDriverCount tests COUNT generation.
func TestDriverCount(t *testing.T) {
	drv, mock := mockDriver(t, dialect.MySQL)
	mock.ExpectQuery("SELECT COUNT(*) FROM `book` WHERE `title` = ?").
		WithArgs("Go").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := drv.Count(context.Background(), "Book", dialect.Where{"title": value.String("Go")}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = drv.Aggregate(context.Background(), "Book", nil, nil)
	require.True(t, orbit.IsUnsupportedOperation(err))
	assert.Contains(t, err.Error(), "mysql")
}

// TestEnsureIndexes tests index creation statements.
func TestEnsureIndexes(t *testing.T) {
	t.Run("Postgres", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.Postgres)
		mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS "author_name_unique" ON "author" ("name")`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS "book_tags_pkey_unique" ON "book_tags" ("book_id", "tag_id")`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		require.NoError(t, drv.EnsureIndexes(context.Background()))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MySQL", func(t *testing.T) {
		drv, mock := mockDriver(t, dialect.MySQL)
		const exists = "SELECT COUNT(*) FROM information_schema.statistics WHERE table_schema = DATABASE() AND table_name = ? AND index_name = ?"
		mock.ExpectQuery(exists).
			WithArgs("author", "author_name_unique").
			WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)))
		mock.ExpectQuery(exists).
			WithArgs("book_tags", "book_tags_pkey_unique").
			WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(0)))
		mock.ExpectExec("CREATE UNIQUE INDEX `book_tags_pkey_unique` ON `book_tags` (`book_id`, `tag_id`)").
			WillReturnResult(sqlmock.NewResult(0, 0))
		require.NoError(t, drv.EnsureIndexes(context.Background()))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

// TestClassify tests constraint classification of backend errors.
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want orbit.ConstraintKind
	}{
		{"nil", nil, orbit.NoConstraint},
		{"pq_unique", &pq.Error{Code: "23505"}, orbit.UniqueConstraint},
		{"pq_foreign_key", &pq.Error{Code: "23503"}, orbit.ForeignKeyConstraint},
		{"pq_check", &pq.Error{Code: "23514"}, orbit.CheckConstraint},
		{"pq_other", &pq.Error{Code: "42P01"}, orbit.NoConstraint},
		{"mysql_duplicate", &mysql.MySQLError{Number: 1062}, orbit.UniqueConstraint},
		{"mysql_parent", &mysql.MySQLError{Number: 1451}, orbit.ForeignKeyConstraint},
		{"mysql_check", &mysql.MySQLError{Number: 3819}, orbit.CheckConstraint},
		{"sqlite_unique", errors.New("constraint failed: UNIQUE constraint failed: author.name (2067)"), orbit.UniqueConstraint},
		{"sqlite_fk", errors.New("FOREIGN KEY constraint failed"), orbit.ForeignKeyConstraint},
		{"wrapped", errors.Join(errors.New("exec"), &mysql.MySQLError{Number: 1452}), orbit.ForeignKeyConstraint},
		{"plain", errors.New("connection refused"), orbit.NoConstraint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

// TestClientURL tests password redaction of connection URLs.
func TestClientURL(t *testing.T) {
	tests := []struct {
		name    string
		dialect string
		dsn     string
		want    string
	}{
		{"postgres", dialect.Postgres, "postgres://app:secret@db:5432/library?sslmode=disable", "postgres://app:xxxxx@db:5432/library"},
		{"postgres_kv", dialect.Postgres, "host=db user=app", "postgres://"},
		{"mysql", dialect.MySQL, "app:secret@tcp(db:3306)/library?parseTime=true", "mysql://app:xxxxx@db:3306/library"},
		{"mysql_no_password", dialect.MySQL, "app@tcp(db:3306)/library", "mysql://app@db:3306/library"},
		{"sqlite", dialect.SQLite, "file:/tmp/library.db?_pragma=foreign_keys(1)", "sqlite:///tmp/library.db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := NewPlatform(tt.dialect)
			require.True(t, ok)
			assert.Equal(t, tt.want, NewConnection(p, tt.dsn).ClientURL())
		})
	}
}

// TestWithVars tests session variables set around statements.
func TestWithVars(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	drv, err := OpenDB(dialect.Postgres, db)
	require.NoError(t, err)
	c, err := drv.conn("query", nil)
	require.NoError(t, err)

	mock.ExpectExec("SET foo = 'bar'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("RESET foo").WillReturnResult(sqlmock.NewResult(0, 0))
	rows, err := c.Query(WithVar(context.Background(), "foo", "bar"), "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, rows.Close(), "rows should be closed to release the connection")
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectExec("SET foo = 'it''s escaped'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO users DEFAULT VALUES").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RESET foo").WillReturnResult(sqlmock.NewResult(0, 0))
	_, err = c.Exec(WithVar(context.Background(), "foo", "it's escaped"), "INSERT INTO users DEFAULT VALUES")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = c.Query(WithVar(context.Background(), "foo; DROP TABLE users; --", "bar"), "SELECT 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid session variable name")

	v, ok := VarFromContext(WithIntVar(context.Background(), "limit", 5), "limit")
	require.True(t, ok)
	assert.Equal(t, "5", v)
}

// TestIsValidIdentifier tests SQL identifier validation.
func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"valid_simple", "foo", true},
		{"valid_with_underscore", "foo_bar", true},
		{"valid_with_dot", "schema.table", true},
		{"invalid_empty", "", false},
		{"invalid_starting_number", "123foo", false},
		{"invalid_with_quote", "foo'bar", false},
		{"invalid_with_semicolon", "foo;DROP TABLE", false},
		{"invalid_too_long", string(make([]byte, 129)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isValidIdentifier(tt.input))
		})
	}
}

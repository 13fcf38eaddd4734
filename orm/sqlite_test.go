package orm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/dialect"
	sqldialect "github.com/syssam/orbit/dialect/sql"
	"github.com/syssam/orbit/entity"
)

const sqliteSchema = `
CREATE TABLE author (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);
CREATE TABLE book (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL UNIQUE,
	version INTEGER NOT NULL DEFAULT 1,
	author_id INTEGER REFERENCES author(id)
);
CREATE TABLE tag (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);
CREATE TABLE book_tags (
	book_id INTEGER NOT NULL REFERENCES book(id),
	tag_id INTEGER NOT NULL REFERENCES tag(id),
	PRIMARY KEY (book_id, tag_id)
);
CREATE TABLE note (id INTEGER PRIMARY KEY AUTOINCREMENT, text TEXT NOT NULL);
`

type SQLiteTestSuite struct {
	suite.Suite

	ctx context.Context
	orm *ORM
}

func TestSQLiteTestSuite(t *testing.T) {
	suite.Run(t, new(SQLiteTestSuite))
}

func (suite *SQLiteTestSuite) SetupTest() {
	suite.ctx = context.Background()
	dsn := "file:" + filepath.Join(suite.T().TempDir(), "library.db") + "?_pragma=foreign_keys(1)"
	drv, err := sqldialect.Open(dialect.SQLite, dsn)
	suite.Require().NoError(err)
	o, err := Init(suite.ctx, drv, orbit.Options{DBName: "library"}, library()...)
	suite.Require().NoError(err)
	_, err = drv.DB().ExecContext(suite.ctx, sqliteSchema)
	suite.Require().NoError(err)
	suite.orm = o
}

func (suite *SQLiteTestSuite) TearDownTest() {
	suite.NoError(suite.orm.Close(suite.ctx, false))
}

func (suite *SQLiteTestSuite) create(em *EntityManager, name string, data map[string]any) *entity.Entity {
	e, err := em.Create(name, data)
	suite.Require().NoError(err)
	return e
}

func (suite *SQLiteTestSuite) count(name string, filter Filter) int64 {
	n, err := suite.orm.Fork().Count(suite.ctx, name, filter)
	suite.Require().NoError(err)
	return n
}

// TestGraph tests flushing and populating a graph through a pivot table.
func (suite *SQLiteTestSuite) TestGraph() {
	em := suite.orm.Fork()
	ann := suite.create(em, "Author", map[string]any{"name": "Ann"})
	tgo := suite.create(em, "Tag", map[string]any{"name": "go"})
	tdb := suite.create(em, "Tag", map[string]any{"name": "db"})
	b1 := suite.create(em, "Book", map[string]any{"title": "Go", "author": ann})
	b2 := suite.create(em, "Book", map[string]any{"title": "SQL", "author": ann})
	b1.Collection("tags").Add(tgo, tdb)
	b2.Collection("tags").Add(tdb)
	suite.Require().NoError(em.Persist(b1, b2))
	suite.Require().NoError(em.PersistAndFlush(suite.ctx, ann))

	suite.Equal(int64(2), suite.count("Book", nil))
	suite.Equal(int64(2), suite.count("Tag", nil))

	other := suite.orm.Fork()
	authors, err := other.Find(suite.ctx, "Author", nil, WithPopulate("books.tags"))
	suite.Require().NoError(err)
	suite.Require().Len(authors, 1)
	books, err := authors[0].Collection("books").Items()
	suite.Require().NoError(err)
	suite.Len(books, 2)
	var goBook *entity.Entity
	for _, b := range books {
		if b.Get("title").Interface() == "Go" {
			goBook = b
		}
	}
	suite.Require().NotNil(goBook)
	tags, err := goBook.Collection("tags").Items()
	suite.Require().NoError(err)
	suite.Len(tags, 2)

	goBook.Collection("tags").Remove(tags[0])
	suite.Require().NoError(other.Flush(suite.ctx))
	reloaded, err := suite.orm.Fork().FindOneOrFail(suite.ctx, "Book", Filter{"title": "Go"})
	suite.Require().NoError(err)
	tags, err = reloaded.Collection("tags").Load(suite.ctx)
	suite.Require().NoError(err)
	suite.Len(tags, 1)

	tagged, err := tdb.Collection("books").Load(suite.ctx)
	suite.Require().NoError(err)
	suite.NotEmpty(tagged)
}

// TestRemove tests cascading removal of owners and pivot rows.
func (suite *SQLiteTestSuite) TestRemove() {
	em := suite.orm.Fork()
	ann := suite.create(em, "Author", map[string]any{"name": "Ann"})
	b := suite.create(em, "Book", map[string]any{"title": "Go", "author": ann})
	b.Collection("tags").Add(suite.create(em, "Tag", map[string]any{"name": "go"}))
	suite.Require().NoError(em.PersistAndFlush(suite.ctx, ann, b))

	em = suite.orm.Fork()
	found, err := em.FindOneOrFail(suite.ctx, "Author", Filter{"name": "Ann"}, WithPopulate("books"))
	suite.Require().NoError(err)
	suite.Require().NoError(em.RemoveAndFlush(suite.ctx, found))
	suite.Zero(suite.count("Author", nil))
	suite.Zero(suite.count("Book", nil))
	suite.Equal(int64(1), suite.count("Tag", nil))
}

// TestOptimisticLock tests concurrent updates of a versioned row.
func (suite *SQLiteTestSuite) TestOptimisticLock() {
	em := suite.orm.Fork()
	suite.Require().NoError(em.PersistAndFlush(suite.ctx, suite.create(em, "Book", map[string]any{"title": "Go"})))

	first, second := suite.orm.Fork(), suite.orm.Fork()
	b1, err := first.FindOneOrFail(suite.ctx, "Book", Filter{"title": "Go"})
	suite.Require().NoError(err)
	b2, err := second.FindOneOrFail(suite.ctx, "Book", Filter{"title": "Go"})
	suite.Require().NoError(err)

	b1.MustSet("title", "Go 2")
	suite.Require().NoError(first.Flush(suite.ctx))
	b2.MustSet("title", "Go 3")
	err = second.Flush(suite.ctx)
	suite.True(orbit.IsOptimisticLock(err))
	suite.Equal(int64(1), suite.count("Book", Filter{"title": "Go 2"}))
}

// TestTransactional tests that a failed block leaves no rows behind.
func (suite *SQLiteTestSuite) TestTransactional() {
	errAbort := errors.New("abort")
	err := suite.orm.EM().Transactional(suite.ctx, func(ctx context.Context, em *EntityManager) error {
		suite.Require().NoError(em.Persist(suite.create(em, "Note", map[string]any{"text": "a"})))
		if err := em.Flush(ctx); err != nil {
			return err
		}
		suite.Equal(int64(1), must(em.Count(ctx, "Note", nil)))
		return errAbort
	})
	suite.ErrorIs(err, errAbort)
	suite.Zero(suite.count("Note", nil))

	em := suite.orm.Fork()
	b1 := suite.create(em, "Book", map[string]any{"title": "Go"})
	b2 := suite.create(em, "Book", map[string]any{"title": "Go"})
	err = em.PersistAndFlush(suite.ctx, b1, b2)
	suite.True(orbit.IsConstraintError(err))
	suite.Zero(suite.count("Book", nil))
}

// TestUnsupported tests operations the SQL backend does not offer.
func (suite *SQLiteTestSuite) TestUnsupported() {
	_, err := suite.orm.Fork().Aggregate(suite.ctx, "Book", []dialect.Document{{"$count": "n"}})
	suite.True(orbit.IsUnsupportedOperation(err))
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

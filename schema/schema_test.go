package schema_test

import (
	"testing"

	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func library() []*schema.EntityBuilder {
	return []*schema.EntityBuilder{
		schema.Entity("Author").
			Fields(
				schema.Int("id").Primary(),
				schema.String("name"),
				schema.String("email").Unique(),
				schema.Time("createdAt").Nullable(),
			).
			Edges(
				schema.OneToMany("books", "Book").MappedBy("author").Cascade(schema.CascadePersist),
			),
		schema.Entity("Book").
			Fields(
				schema.Int("id").Primary(),
				schema.String("title"),
				schema.Version("version"),
			).
			Edges(
				schema.ManyToOne("author", "Author"),
				schema.ManyToOne("publisher", "Publisher").Nullable(),
				schema.ManyToMany("tags", "BookTag").Cascade(schema.CascadeAll),
			).
			Indexes(schema.Index("title", "version").Unique()),
		schema.Entity("Publisher").
			Fields(schema.Int("id").Primary(), schema.String("name")),
		schema.Entity("BookTag").
			Fields(schema.Int("id").Primary(), schema.String("name")).
			Edges(schema.ManyToMany("books", "Book").MappedBy("tags")),
	}
}

// TestBuild tests compiling declarations into a registry.
func TestBuild(t *testing.T) {
	reg, err := schema.Build(schema.UnderscoreNamingStrategy{}, library()...)
	require.NoError(t, err)
	assert.Equal(t, []string{"Author", "Book", "Publisher", "BookTag"}, reg.Names())

	t.Run("Names", func(t *testing.T) {
		author := reg.MustGet("Author")
		assert.Equal(t, "author", author.Collection)
		assert.Equal(t, "id", author.PrimaryKey)
		assert.Equal(t, "created_at", author.FieldName("createdAt"))
		p, ok := author.PropertyByField("created_at")
		require.True(t, ok)
		assert.Equal(t, "createdAt", p.Name)
		assert.Equal(t, "book_tag", reg.MustGet("BookTag").Collection)
	})

	t.Run("Owning sides", func(t *testing.T) {
		book := reg.MustGet("Book")
		author, _ := book.Property("author")
		assert.True(t, author.Owner())
		assert.Equal(t, "author_id", author.FieldName)
		assert.Equal(t, "books", author.InversedBy)
		assert.False(t, author.Nullable)

		tags, _ := book.Property("tags")
		assert.True(t, tags.Owner())
		require.NotNil(t, tags.Pivot)
		assert.Equal(t, &schema.Pivot{Table: "book_tags", OwnerColumn: "book_id", InverseColumn: "book_tag_id"}, tags.Pivot)
		assert.True(t, tags.Persisted(false))
		assert.False(t, tags.Persisted(true))
		assert.Equal(t, "books", tags.InversedBy)
		assert.Equal(t, []string{"Author", "Publisher"}, book.Dependencies())
	})

	t.Run("Inverse sides", func(t *testing.T) {
		books, _ := reg.MustGet("Author").Property("books")
		assert.False(t, books.Owner())
		assert.Empty(t, books.FieldName)
		assert.False(t, books.Persisted(false))
		assert.Equal(t, "author", books.Inverse())
		assert.True(t, books.Cascade.Has(schema.CascadePersist))
		assert.False(t, books.Cascade.Has(schema.CascadeRemove))
	})

	t.Run("Indexes", func(t *testing.T) {
		author := reg.MustGet("Author")
		require.Len(t, author.Indexes, 1)
		assert.Equal(t, "author_email_unique", author.Indexes[0].Name)
		assert.True(t, author.Indexes[0].Unique)

		book := reg.MustGet("Book")
		require.Len(t, book.Indexes, 1)
		assert.Equal(t, "book_title_version_unique", book.Indexes[0].Name)
		assert.Equal(t, "version", book.VersionProperty().Name)
		assert.Nil(t, author.VersionProperty())
	})
}

// TestBuildDocumentNaming tests the document naming strategy.
func TestBuildDocumentNaming(t *testing.T) {
	reg, err := schema.Build(schema.DocumentNamingStrategy{}, library()...)
	require.NoError(t, err)
	book := reg.MustGet("Book")
	assert.Equal(t, "book", book.Collection)
	assert.Equal(t, "bookTag", reg.MustGet("BookTag").Collection)
	author, _ := book.Property("author")
	assert.Equal(t, "author", author.FieldName)
	tags, _ := book.Property("tags")
	assert.Equal(t, "tags", tags.FieldName)
	assert.Equal(t, "createdAt", reg.MustGet("Author").FieldName("createdAt"))
}

// TestBuildErrors tests declaration errors.
func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		defs []*schema.EntityBuilder
		want string
	}{
		{
			name: "missing primary key",
			defs: []*schema.EntityBuilder{schema.Entity("A").Fields(schema.String("name"))},
			want: "primary key is required",
		},
		{
			name: "composite primary key",
			defs: []*schema.EntityBuilder{schema.Entity("A").Fields(schema.Int("a").Primary(), schema.Int("b").Primary())},
			want: "composite primary keys are not supported",
		},
		{
			name: "unknown target",
			defs: []*schema.EntityBuilder{schema.Entity("A").Fields(schema.Int("id").Primary()).Edges(schema.ManyToOne("b", "B"))},
			want: `unknown target entity "B"`,
		},
		{
			name: "one-to-many without mappedBy",
			defs: []*schema.EntityBuilder{schema.Entity("A").Fields(schema.Int("id").Primary()).Edges(schema.OneToMany("as", "A"))},
			want: "one-to-many requires mappedBy",
		},
		{
			name: "duplicate entity",
			defs: []*schema.EntityBuilder{
				schema.Entity("A").Fields(schema.Int("id").Primary()),
				schema.Entity("A").Fields(schema.Int("id").Primary()),
			},
			want: `duplicate entity "A"`,
		},
		{
			name: "mappedBy to non-owner",
			defs: []*schema.EntityBuilder{
				schema.Entity("A").Fields(schema.Int("id").Primary()).Edges(schema.OneToMany("bs", "B").MappedBy("name")),
				schema.Entity("B").Fields(schema.Int("id").Primary(), schema.String("name")),
			},
			want: `mappedBy "name" is not an owning relationship`,
		},
		{
			name: "two versions",
			defs: []*schema.EntityBuilder{schema.Entity("A").Fields(schema.Int("id").Primary(), schema.Version("v1"), schema.Version("v2"))},
			want: "multiple version fields",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.Build(nil, tt.defs...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// TestSelfReferencingPivot tests pivot columns of a self-referencing
// many-to-many.
func TestSelfReferencingPivot(t *testing.T) {
	reg, err := schema.Build(schema.UnderscoreNamingStrategy{},
		schema.Entity("User").
			Fields(schema.Int("id").Primary()).
			Edges(
				schema.ManyToMany("friends", "User").Pivot("friendships"),
				schema.ManyToOne("invitedBy", "User").Nullable(),
			),
	)
	require.NoError(t, err)
	friends, _ := reg.MustGet("User").Property("friends")
	assert.Equal(t, &schema.Pivot{Table: "friendships", OwnerColumn: "user_1_id", InverseColumn: "user_2_id"}, friends.Pivot)
	invited, _ := reg.MustGet("User").Property("invitedBy")
	assert.Equal(t, "invited_by_id", invited.FieldName)
}

// TestCoerce tests coercion of raw backend values.
func TestCoerce(t *testing.T) {
	tests := []struct {
		typ  schema.FieldType
		in   value.Value
		want value.Value
	}{
		{schema.TypeInt, value.Float(3), value.Int(3)},
		{schema.TypeInt, value.Bytes([]byte("42")), value.Int(42)},
		{schema.TypeBool, value.Int(1), value.Bool(true)},
		{schema.TypeBool, value.Int(0), value.Bool(false)},
		{schema.TypeString, value.Bytes([]byte("x")), value.String("x")},
		{schema.TypeFloat, value.Int(2), value.Float(2)},
		{schema.TypeString, value.Null(), value.Null()},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String()+"/"+tt.in.String(), func(t *testing.T) {
			got := tt.typ.Coerce(tt.in)
			assert.True(t, tt.want.Equal(got), "got %v", got)
			assert.Equal(t, tt.want.Kind(), got.Kind())
		})
	}
}

// TestCascade tests cascade sets.
func TestCascade(t *testing.T) {
	assert.True(t, schema.CascadeAll.Has(schema.CascadeRemove))
	assert.True(t, schema.CascadeAll.Has(schema.CascadePersist|schema.CascadeRemove))
	assert.False(t, schema.CascadePersist.Has(schema.CascadeRemove))
	assert.False(t, schema.Cascade(0).Has(0))
	assert.Equal(t, "[persist,remove]", (schema.CascadePersist | schema.CascadeRemove).String())
}

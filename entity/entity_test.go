package entity_test

import (
	"context"
	"testing"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/entity"
	"github.com/syssam/orbit/schema"
	"github.com/syssam/orbit/value"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Build(schema.UnderscoreNamingStrategy{},
		schema.Entity("Author").
			Fields(schema.Int("id").Primary(), schema.String("name")).
			Edges(
				schema.OneToMany("books", "Book").MappedBy("author"),
				schema.OneToOne("profile", "Profile").InversedBy("author").Nullable(),
			),
		schema.Entity("Book").
			Fields(schema.Int("id").Primary(), schema.String("title")).
			Edges(
				schema.ManyToOne("author", "Author").Nullable(),
				schema.ManyToMany("tags", "Tag"),
			),
		schema.Entity("Tag").
			Fields(schema.Int("id").Primary(), schema.String("name")).
			Edges(schema.ManyToMany("books", "Book").MappedBy("tags")),
		schema.Entity("Profile").
			Fields(schema.Int("id").Primary()).
			Edges(schema.OneToOne("author", "Author").MappedBy("profile")),
	)
	require.NoError(t, err)
	return reg
}

type referencer map[string]*entity.Entity

func (r referencer) Reference(name string, pk value.Value) (*entity.Entity, error) {
	if e, ok := r[name+pk.Key()]; ok {
		return e, nil
	}
	return nil, orbit.NewNotFoundError(name, pk)
}

// TestEntity tests scalar access and primary keys.
func TestEntity(t *testing.T) {
	reg := registry(t)
	a := entity.New(reg.MustGet("Author"))
	assert.True(t, a.IsInitialized())
	assert.Equal(t, "Author(new)", a.String())
	_, ok := a.PrimaryKey()
	assert.False(t, ok)

	require.NoError(t, a.Set("name", "Ann"))
	assert.Equal(t, value.String("Ann"), a.Get("name"))
	require.NoError(t, a.Set("id", 1))
	pk, ok := a.PrimaryKey()
	require.True(t, ok)
	assert.Equal(t, value.Int(1), pk)
	assert.Equal(t, "Author(1)", a.String())

	err := a.Set("id", 2)
	assert.True(t, orbit.IsValidationError(err))
	err = a.Set("missing", 2)
	assert.True(t, orbit.IsValidationError(err))
	err = a.Set("name", entity.New(reg.MustGet("Book")))
	assert.True(t, orbit.IsValidationError(err))

	ref := entity.NewReference(reg.MustGet("Author"), value.Int(9))
	assert.False(t, ref.IsInitialized())
	pk, _ = ref.PrimaryKey()
	assert.Equal(t, value.Int(9), pk)
	assert.Error(t, ref.Init(context.Background()))
}

// TestReferenceSync tests bidirectional sync of to-one relationships.
func TestReferenceSync(t *testing.T) {
	reg := registry(t)
	a1 := entity.New(reg.MustGet("Author"))
	a2 := entity.New(reg.MustGet("Author"))
	b := entity.New(reg.MustGet("Book"))

	require.NoError(t, b.Set("author", a1))
	assert.True(t, a1.Collection("books").Contains(b))
	assert.Same(t, a1, b.Ref("author").Get())

	require.NoError(t, b.Set("author", a2))
	assert.False(t, a1.Collection("books").Contains(b))
	assert.True(t, a2.Collection("books").Contains(b))

	a2.Collection("books").Remove(b)
	assert.Nil(t, b.Ref("author").Get())
	assert.True(t, b.Get("author").IsNull())

	a1.Collection("books").Add(b)
	assert.Same(t, a1, b.Ref("author").Get())

	p := entity.New(reg.MustGet("Profile"))
	require.NoError(t, a1.Set("profile", p))
	assert.Same(t, a1, p.Ref("author").Get())
	require.NoError(t, a1.Set("profile", nil))
	assert.Nil(t, p.Ref("author").Get())

	err := b.Set("author", p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid reference value provided for 'Book.author'")
	err = b.Set("author", 5)
	assert.True(t, orbit.IsValidationError(err))
}

// TestCollectionDiff tests membership tracking.
func TestCollectionDiff(t *testing.T) {
	reg := registry(t)
	b := entity.New(reg.MustGet("Book"))
	t1 := entity.New(reg.MustGet("Tag"))
	t2 := entity.New(reg.MustGet("Tag"))
	t3 := entity.New(reg.MustGet("Tag"))
	tags := b.Collection("tags")
	tags.Hydrate([]*entity.Entity{t1, t2, t3})
	assert.False(t, tags.Dirty())

	tags.Set(t2)
	assert.True(t, tags.Dirty())
	added, removed := tags.Diff()
	assert.Empty(t, added)
	assert.Equal(t, []*entity.Entity{t1, t3}, removed)
	items, err := tags.Items()
	require.NoError(t, err)
	assert.Equal(t, []*entity.Entity{t2}, items)

	tags.TakeSnapshot()
	assert.False(t, tags.Dirty())

	tags.Add(t1)
	assert.True(t, t1.Collection("books").Contains(b))
	tags.Remove(t1)
	assert.False(t, t1.Collection("books").Contains(b))
	assert.False(t, tags.Dirty())

	t.Run("Evict", func(t *testing.T) {
		tags.Add(t3)
		tags.TakeSnapshot()
		assert.True(t, tags.Evict(t3))
		assert.False(t, tags.Contains(t3))
		assert.Equal(t, []*entity.Entity{t2}, tags.Snapshot())
		assert.False(t, tags.Dirty())
		assert.True(t, t3.Collection("books").Contains(b))
		assert.False(t, tags.Evict(t3))
	})
}

// TestUnloadedCollection tests changes recorded before loading.
func TestUnloadedCollection(t *testing.T) {
	reg := registry(t)
	b := entity.NewReference(reg.MustGet("Book"), value.Int(1))
	t1 := entity.New(reg.MustGet("Tag"))
	t2 := entity.New(reg.MustGet("Tag"))
	tags := b.Collection("tags")
	assert.Equal(t, entity.Unloaded, tags.State())
	_, err := tags.Items()
	assert.True(t, orbit.IsValidationError(err))

	tags.Add(t1)
	added, _ := tags.Diff()
	assert.Equal(t, []*entity.Entity{t1}, added)

	tags.Hydrate([]*entity.Entity{t2})
	items, err := tags.Items()
	require.NoError(t, err)
	assert.Equal(t, []*entity.Entity{t2, t1}, items)
	added, removed := tags.Diff()
	assert.Equal(t, []*entity.Entity{t1}, added)
	assert.Empty(t, removed)

	_, err = entity.New(reg.MustGet("Author")).Collection("books").Load(context.Background())
	assert.NoError(t, err)
}

// TestAssign tests assigning several properties.
func TestAssign(t *testing.T) {
	reg := registry(t)
	a := entity.New(reg.MustGet("Author"))
	a.MustSet("id", 3)
	tag := entity.New(reg.MustGet("Tag")).MustSet("id", 4)
	refs := referencer{"Author" + value.Int(3).Key(): a, "Tag" + value.Int(4).Key(): tag}

	b := entity.New(reg.MustGet("Book"))
	require.NoError(t, entity.Assign(b, map[string]any{
		"title":  "Dune",
		"author": 3,
		"tags":   []any{4},
	}, refs))
	assert.Same(t, a, b.Ref("author").Get())
	assert.True(t, b.Collection("tags").Contains(tag))
	assert.Equal(t, value.String("Dune"), b.Get("title"))

	err := entity.Assign(b, map[string]any{"author": map[string]any{"x": 1}}, refs)
	require.Error(t, err)
	assert.Equal(t, "orbit: Invalid reference value provided for 'Book.author' (Book.author)", err.Error())

	err = entity.Assign(b, map[string]any{"tags": "nope"}, refs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid collection values provided for 'Book.tags'")
}

// TestToMap tests serialization.
func TestToMap(t *testing.T) {
	reg := registry(t)
	a := entity.New(reg.MustGet("Author")).MustSet("id", 1).MustSet("name", "Ann")
	b := entity.New(reg.MustGet("Book")).MustSet("id", 2).MustSet("author", a)
	m := b.ToMap("")
	assert.Equal(t, int64(2), m["id"])
	assert.Equal(t, int64(1), m["author"])
	assert.Equal(t, []any{}, m["tags"])

	m = a.ToMap("_key")
	assert.Equal(t, int64(1), m["_key"])
	assert.Equal(t, []any{int64(2)}, m["books"])
	assert.NotContains(t, m, "id")
}

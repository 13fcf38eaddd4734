// Package schema provides the entity metadata consumed by the unit of work
// and the drivers, and the builders used to declare it.
//
// Metadata is declared once at startup and compiled into an immutable
// Registry that is shared by every session:
//
//	author := schema.Entity("Author").
//	    Fields(
//	        schema.Int("id").Primary(),
//	        schema.String("name"),
//	        schema.String("email").Unique(),
//	    ).
//	    Edges(
//	        schema.OneToMany("books", "Book").MappedBy("author").Cascade(schema.CascadePersist),
//	    )
//
//	book := schema.Entity("Book").
//	    Fields(
//	        schema.Int("id").Primary(),
//	        schema.String("title"),
//	        schema.Version("version"),
//	    ).
//	    Edges(
//	        schema.ManyToOne("author", "Author").InversedBy("books"),
//	        schema.ManyToMany("tags", "Tag").Cascade(schema.CascadePersist),
//	    ).
//	    Indexes(schema.Index("title"))
//
//	reg, err := schema.Build(schema.UnderscoreNamingStrategy{}, author, book, tag)
//
// # Relationships
//
// Every relationship has an owning side, which holds the physical link:
//
//	schema.ManyToOne("author", "Author")          // owner, foreign key column author_id
//	schema.OneToMany("books", "Book").MappedBy("author")  // inverse, no column
//	schema.OneToOne("profile", "Profile")         // owner unless MappedBy is set
//	schema.ManyToMany("tags", "Tag")              // owner, pivot table book_tags
//	schema.ManyToMany("books", "Book").MappedBy("tags")   // inverse
//
// Relational platforms store owning many-to-many sides in a pivot table,
// document platforms store them as a list of identifiers on the owner.
//
// # Custom types
//
// A Type converts between the value held by an entity and its storage
// representation. ToDatabase runs on writes only, FromDatabase on hydration
// only.
package schema

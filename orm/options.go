package orm

import (
	"github.com/syssam/orbit"
	"github.com/syssam/orbit/dialect"
)

type findOptions struct {
	orderBy  []dialect.Order
	limit    int
	offset   int
	lock     orbit.LockMode
	populate []string
	refresh  bool
	cache    bool
}

// FindOption configures Find and FindOne.
type FindOption func(*findOptions)

func newFindOptions(opts []FindOption) findOptions {
	var o findOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OrderBy appends ascending sort terms.
func OrderBy(properties ...string) FindOption {
	return func(o *findOptions) {
		for _, p := range properties {
			o.orderBy = append(o.orderBy, dialect.Order{Property: p})
		}
	}
}

// OrderByDesc appends descending sort terms.
func OrderByDesc(properties ...string) FindOption {
	return func(o *findOptions) {
		for _, p := range properties {
			o.orderBy = append(o.orderBy, dialect.Order{Property: p, Desc: true})
		}
	}
}

// Limit caps the number of results.
func Limit(n int) FindOption {
	return func(o *findOptions) { o.limit = n }
}

// Offset skips results.
func Offset(n int) FindOption {
	return func(o *findOptions) { o.offset = n }
}

// WithLock applies a pessimistic lock to the selected rows. It requires a
// transaction.
func WithLock(mode orbit.LockMode) FindOption {
	return func(o *findOptions) { o.lock = mode }
}

// WithPopulate loads the given relationship paths ("author",
// "books.tags") of the results in batches.
func WithPopulate(paths ...string) FindOption {
	return func(o *findOptions) { o.populate = append(o.populate, paths...) }
}

// WithRefresh overwrites the state of already managed entities with the
// rows read.
func WithRefresh() FindOption {
	return func(o *findOptions) { o.refresh = true }
}

// WithCache serves the read from the result cache when caching is enabled
// and no transaction is open.
func WithCache() FindOption {
	return func(o *findOptions) { o.cache = true }
}

package orm

import (
	"context"
	"net/http"
)

type ctxKey struct{}

// WithRequestContext returns a context carrying a fork of em, so that every
// request works on its own identity map.
func WithRequestContext(ctx context.Context, em *EntityManager) context.Context {
	return context.WithValue(ctx, ctxKey{}, em.Fork())
}

// FromContext returns the entity manager stored by WithRequestContext.
func FromContext(ctx context.Context) (*EntityManager, bool) {
	em, ok := ctx.Value(ctxKey{}).(*EntityManager)
	return em, ok
}

// Context returns the entity manager of ctx, or fallback when ctx carries
// none.
func Context(ctx context.Context, fallback *EntityManager) *EntityManager {
	if em, ok := FromContext(ctx); ok {
		return em
	}
	return fallback
}

// Middleware forks the root entity manager of o for every request.
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/books", func(w http.ResponseWriter, r *http.Request) {
//		em, _ := orm.FromContext(r.Context())
//		books, err := em.Find(r.Context(), "Book", nil)
//		...
//	})
//	http.ListenAndServe(":8080", orm.Middleware(o)(mux))
func Middleware(o *ORM) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithRequestContext(r.Context(), o.EM())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

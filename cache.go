package orbit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Cache is the adapter interface for caching query results.
// The cache package ships a null adapter, which is always a valid
// configuration, and an in-memory adapter.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with an optional TTL.
	// If ttl is 0, the value should not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes all values with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Clear removes all values from the cache.
	Clear(ctx context.Context) error
}

// CacheKey describes a read whose result may be cached.
type CacheKey struct {
	Entity     string
	Operation  string
	Predicates string
	OrderBy    string
	Limit      int
	Offset     int
}

// String returns the string representation of the cache key.
func (k CacheKey) String() string {
	return k.Entity + ":" + k.Operation + ":" + k.Predicates + ":" + k.OrderBy + ":" +
		strconv.Itoa(k.Limit) + ":" + strconv.Itoa(k.Offset)
}

// Fingerprint returns the opaque key under which the result is stored. All
// fingerprints of an entity share the Entity+":" prefix so writes can
// invalidate them with DeletePrefix.
func (k CacheKey) Fingerprint() string {
	h := sha256.Sum256([]byte(k.String()))
	return fmt.Sprintf("%s:%s", k.Entity, hex.EncodeToString(h[:12]))
}

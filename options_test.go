package orbit_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/syssam/orbit"
)

// TestNormalize tests the derived option settings.
func TestNormalize(t *testing.T) {
	opts := orbit.DefaultOptions()
	assert.Equal(t, time.Minute, opts.Cache.TTL)
	opts.Normalize()
	assert.NotNil(t, opts.Logger)
	assert.False(t, opts.Discovery.RequireEntitiesArray)

	opts = orbit.Options{
		Cache:     orbit.CacheOptions{Enabled: true},
		Discovery: orbit.DiscoveryOptions{DisableDynamicFileAccess: true},
	}
	opts.Normalize()
	assert.True(t, opts.Discovery.RequireEntitiesArray)
	assert.False(t, opts.Cache.Enabled)
}

// TestLockMode tests lock mode classification.
func TestLockMode(t *testing.T) {
	tests := []struct {
		mode        orbit.LockMode
		name        string
		pessimistic bool
	}{
		{orbit.LockNone, "none", false},
		{orbit.LockOptimistic, "optimistic", false},
		{orbit.LockPessimisticRead, "pessimistic_read", true},
		{orbit.LockPessimisticWrite, "pessimistic_write", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.mode.String())
			assert.Equal(t, tt.pessimistic, tt.mode.Pessimistic())
		})
	}
}

// TestCacheKey tests cache key fingerprints.
func TestCacheKey(t *testing.T) {
	k := orbit.CacheKey{Entity: "Book", Operation: "find", Predicates: "map[title:Go]", OrderBy: "title", Limit: 10}
	assert.Equal(t, "Book:find:map[title:Go]:title:10:0", k.String())

	fp := k.Fingerprint()
	assert.True(t, strings.HasPrefix(fp, "Book:"))
	assert.Equal(t, fp, k.Fingerprint())
	other := k
	other.Offset = 10
	assert.NotEqual(t, fp, other.Fingerprint())
}

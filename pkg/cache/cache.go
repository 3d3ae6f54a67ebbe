// Package cache memoizes expensive read-only lookups, keyed by the
// hash of the call that produced them. Only content-addressed calls
// are memoized: an argument list with no digest-pinned pullspec
// bypasses the region entirely.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/config"
)

// Backend is a pluggable key-value store with time-based expiration.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Region wraps a backend with the memoization policy. Backend faults
// degrade to a direct call and are never surfaced to the caller.
type Region struct {
	backend Backend
	ttl     time.Duration
	log     *logrus.Entry
}

// New builds the region the configuration selects.
func New(cfg *config.Config) (*Region, error) {
	var backend Backend
	switch cfg.DogpileBackend {
	case "redis":
		var err error
		if backend, err = newRedisBackend(cfg.DogpileArguments["url"]); err != nil {
			return nil, api.ConfigErrorf("failed to configure the redis cache backend: %v", err)
		}
	default:
		backend = newMemoryBackend()
	}
	return &Region{
		backend: backend,
		ttl:     cfg.DogpileExpiration(),
		log:     logrus.WithField("component", "cache"),
	}, nil
}

// Key derives the cache key for a call. Equivalent argument lists
// always produce the same key.
func Key(function string, args ...string) string {
	hash := sha256.New()
	io.WriteString(hash, function)
	for _, arg := range args {
		hash.Write([]byte{0})
		io.WriteString(hash, arg)
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// Cacheable reports whether an argument list is content-addressed,
// i.e. pinned by at least one digest.
func Cacheable(args ...string) bool {
	for _, arg := range args {
		if strings.Contains(arg, "@sha256:") {
			return true
		}
	}
	return false
}

// Memoize returns the cached result of the named call, computing and
// storing it on a miss. Calls that are not content-addressed neither
// read nor populate the cache. Failed computations are not cached.
func (r *Region) Memoize(ctx context.Context, function string, args []string, compute func() ([]byte, error)) ([]byte, error) {
	if !Cacheable(args...) {
		return compute()
	}
	key := Key(function, args...)
	value, ok, err := r.backend.Get(ctx, key)
	if err != nil {
		r.log.WithError(err).Warning("The cache backend failed on read; computing directly")
	} else if ok {
		return value, nil
	}
	if value, err = compute(); err != nil {
		return nil, err
	}
	if err := r.backend.Set(ctx, key, value, r.ttl); err != nil {
		r.log.WithError(err).Warning("The cache backend failed on write")
	}
	return value, nil
}

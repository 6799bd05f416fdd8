// Package kvstore is the shared key-value cache used for cross-request
// coordination: rate-limit counters, the seen-nonce set, and the preview
// artifact cache. It is eventually consistent and offers no multi-key
// transactions; callers decide per-operation whether an error fails open or
// closed.
package kvstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

// Store is the subset of cache behavior the trust layer needs. Implemented
// by Redis in production and by fakes/miniredis in tests.
type Store interface {
	// IncrWindow atomically increments key, setting ttl on first increment,
	// and returns the post-increment count.
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetNX sets key only if absent; reports whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes key with ttl, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Ping verifies store reachability for readiness probes.
	Ping(ctx context.Context) error
}

var ErrNotFound = xerrors.New("kvstore: key not found")

// opTimeout bounds every store round trip; a slow dependency is treated the
// same as a down dependency.
const opTimeout = 2 * time.Second

// counter increment and first-write expiry have to happen on the server side
// in one step, otherwise a crash between INCR and EXPIRE leaks an immortal
// counter
var incrWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := incrWindowScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, xerrors.Wrap(err, "kvstore: incr window")
	}
	return res, nil
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(err, "kvstore: setnx")
	}
	return ok, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(err, "kvstore: get")
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return xerrors.Wrap(err, "kvstore: set")
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "kvstore: ping")
	}
	return nil
}

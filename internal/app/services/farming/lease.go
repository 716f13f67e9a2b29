package farming

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Lease is a TTL-guarded mutual exclusion primitive keyed by string. The
// scheduler takes a per-currency lease at tick start so only one tick per
// currency is ever in flight, including across process instances when the
// lease is backed by redis. The TTL bounds how long a crashed holder can
// block its successor.
type Lease interface {
	// Acquire takes the lease when free, returning false when held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees the lease if still held by this acquirer.
	Release(ctx context.Context, key string) error
}

// LocalLease is an in-process Lease for single-instance deployments and
// tests.
type LocalLease struct {
	clock clockwork.Clock

	mu   sync.Mutex
	held map[string]time.Time // key -> expiry
}

// NewLocalLease creates an in-process lease keyed on the given clock.
func NewLocalLease(clock clockwork.Clock) *LocalLease {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocalLease{clock: clock, held: make(map[string]time.Time)}
}

func (l *LocalLease) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if expiry, ok := l.held[key]; ok && expiry.After(now) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

func (l *LocalLease) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
	return nil
}

// RedisLease backs the lease with redis SET NX PX so the single-tick
// guarantee holds across processes. Release only deletes the key when the
// stored token matches, so an expired lease taken over by another process is
// never released from here.
type RedisLease struct {
	client *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLease creates a redis-backed lease.
func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client, tokens: make(map[string]string)}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()
	return true, nil
}

func (l *RedisLease) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}

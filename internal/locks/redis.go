package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLease is how long a Redis lock survives a crashed holder. It must
	// exceed the longest critical section (the ingest operation timeout).
	DefaultLease = 2 * time.Minute
	retryInterval = 25 * time.Millisecond
)

// unlockScript deletes the key only if it still carries our token, so an
// expired lease never releases another holder's lock.
const unlockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// redisClient is the subset of *redis.Client used by Redis.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a Locker backed by SET NX PX with a per-acquisition token.
type Redis struct {
	client  redisClient
	prefix  string
	timeout time.Duration
	lease   time.Duration

	mu   sync.Mutex
	keys map[string]int // refcount per key held or waited on
}

// NewRedis returns a Redis locker. Keys are namespaced with prefix.
func NewRedis(client *redis.Client, prefix string, timeout, lease time.Duration) *Redis {
	return newRedis(client, prefix, timeout, lease)
}

func newRedis(client redisClient, prefix string, timeout, lease time.Duration) *Redis {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Redis{client: client, prefix: prefix, timeout: timeout, lease: lease, keys: make(map[string]int)}
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	rkey := r.prefix + key
	token := uuid.NewString()
	r.ref(key)
	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()
	for {
		ok, err := r.client.SetNX(ctx, rkey, token, r.lease).Result()
		if err != nil {
			r.unref(key)
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(retryInterval):
		case <-deadline.C:
			r.unref(key)
			return nil, ErrBusy
		case <-ctx.Done():
			r.unref(key)
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// release must run even when the caller's ctx is already done
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
			defer cancel()
			_ = r.client.Eval(rctx, unlockScript, []string{rkey}, token).Err()
			r.unref(key)
		})
	}, nil
}

func (r *Redis) ref(key string) {
	r.mu.Lock()
	r.keys[key]++
	r.mu.Unlock()
}

func (r *Redis) unref(key string) {
	r.mu.Lock()
	if r.keys[key]--; r.keys[key] <= 0 {
		delete(r.keys, key)
	}
	r.mu.Unlock()
}

// Active returns the number of distinct keys this process holds or waits on.
func (r *Redis) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

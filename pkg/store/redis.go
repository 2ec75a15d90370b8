package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs Store with a shared Redis instance, so that the
// server scales horizontally: the subscription hub stays process-local
// (§5) but sessions/tokens/mailboxes live in a store every process can
// reach. This is the backend selected whenever SIGNALING_REDIS_URL is
// set.
type RedisStore struct {
	cli *redis.Client
}

// OpenRedisStore parses rawURL (redis:// or rediss://) and dials a
// client. requireTLS mirrors SIGNALING_REDIS_REQUIRE_TLS: a plaintext
// redis:// URL is refused when the operator has asked for TLS-only.
func OpenRedisStore(rawURL string, requireTLS bool) (*RedisStore, error) {
	if requireTLS && !strings.HasPrefix(rawURL, "rediss://") {
		return nil, fmt.Errorf("store: SIGNALING_REDIS_REQUIRE_TLS set but url %q is not rediss://", redactURL(rawURL))
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	if strings.HasPrefix(rawURL, "rediss://") && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &RedisStore{cli: redis.NewClient(opts)}, nil
}

func redactURL(u string) string {
	if i := strings.Index(u, "@"); i != -1 {
		return "redis://***" + u[i:]
	}
	return u
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.cli.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ok, err := r.cli.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// casScript performs GET/compare/SET atomically: this is what
// CompareAndSwap needs and what plain redis.Client can't express without
// a server-side script (Redis transactions via WATCH/MULTI race with
// other clients between the watch and the exec; EVAL does not).
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
  if cur then return 0 end
else
  if cur ~= ARGV[1] then return 0 end
end
redis.call("SET", KEYS[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

func (r *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error {
	expArg := ""
	if expected != nil {
		expArg = string(expected)
	}
	res, err := casScript.Run(ctx, r.cli, []string{key}, expArg, string(value), ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		cur, getErr := r.Get(ctx, key)
		if getErr == ErrNotFound && expected != nil {
			return ErrNotFound
		}
		_ = cur
		return ErrVersionMismatch
	}
	return nil
}

var getDelScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then redis.call("DEL", KEYS[1]) end
return v
`)

func (r *RedisStore) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	res, err := getDelScript.Run(ctx, r.cli, []string{key}).Result()
	if err == redis.Nil || res == nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s, ok := res.(string)
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(s), nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.cli.Del(ctx, key).Err()
}

func (r *RedisStore) Touch(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := r.cli.Expire(ctx, key, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

var appendListScript = redis.NewScript(`
local n = redis.call("LLEN", KEYS[1])
if n >= tonumber(ARGV[2]) then return -1 end
redis.call("RPUSH", KEYS[1], ARGV[1])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return n
`)

func (r *RedisStore) AppendList(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) (int, error) {
	idx, err := appendListScript.Run(ctx, r.cli, []string{key}, value, maxLen, ttl.Milliseconds()).Int()
	if err != nil {
		return 0, err
	}
	if idx < 0 {
		return 0, ErrListFull
	}
	return idx, nil
}

func (r *RedisStore) ListRange(ctx context.Context, key string) ([][]byte, error) {
	vals, err := r.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) Close() error { return r.cli.Close() }

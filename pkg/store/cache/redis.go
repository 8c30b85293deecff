package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis stores entries in a redis server. All keys live under prefix so Clear
// never touches data it did not write.
type Redis struct {
	log    *zap.Logger
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var (
	_ Cache         = (*Redis)(nil)
	_ PrefixClearer = (*Redis)(nil)
)

// OpenRedis connects to a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, log *zap.Logger, address, prefix string, ttl time.Duration) (*Redis, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, Error.New("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, Error.New("ping failed: %w", err)
	}

	log.Info("Schema cache backed by redis",
		zap.String("address", opts.Addr),
		zap.Duration("ttl", ttl),
	)

	return &Redis{log: log, client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Error.New("get failed: %w", err)
	}
	return val, true, nil
}

func (r *Redis) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return Error.New("set failed: %w", err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return Error.New("del failed: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	return r.ClearPrefix(ctx, "")
}

// globEscaper quotes the SCAN MATCH metacharacters.
var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// ClearPrefix deletes every key that literally starts with prefix.
func (r *Redis) ClearPrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, globEscaper.Replace(r.key(prefix))+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return Error.New("del failed: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return Error.New("scan failed: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return Error.New("del failed: %w", err)
		}
	}
	return nil
}

func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

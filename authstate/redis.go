package authstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis keeps the auth state under <prefix>:creds and
// <prefix>:keys:<kind>:<id>.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to the server at url, such as redis://localhost:6379/0.
func OpenRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedis(client, prefix), nil
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "hark"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) ReadCreds(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.credsKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading creds: %w", err)
	}
	return data, nil
}

func (r *Redis) WriteCreds(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, r.credsKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("writing creds: %w", err)
	}
	return nil
}

func (r *Redis) GetKeys(
	ctx context.Context, kind string, ids ...string,
) (map[string][]byte, error) {
	found := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.keyOf(kind, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s keys: %w", kind, err)
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			found[ids[i]] = []byte(s)
		}
	}
	return found, nil
}

func (r *Redis) SetKeys(ctx context.Context, kind string, values map[string][]byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, value := range values {
			if value == nil {
				pipe.Del(ctx, r.keyOf(kind, id))
			} else {
				pipe.Set(ctx, r.keyOf(kind, id), value, 0)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing %s keys: %w", kind, err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting keys: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) credsKey() string {
	return r.prefix + ":creds"
}

func (r *Redis) keyOf(kind, id string) string {
	return r.prefix + ":keys:" + kind + ":" + id
}

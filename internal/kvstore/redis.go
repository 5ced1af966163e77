package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 500 * time.Millisecond

// Redis is the shared backend for multi-replica deployments. Batches are
// committed through a transactional pipeline (MULTI/EXEC).
type Redis struct {
	client *redis.Client
}

// OpenRedis parses redisURL, creates a client and verifies the connection
// with a PING.
func OpenRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kvstore: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("kvstore: ping: %w", err)
	}

	return &Redis{client: cli}, nil
}

// NewRedisFromClient wraps an existing client. The caller owns its lifecycle.
func NewRedisFromClient(cli *redis.Client) *Redis {
	return &Redis{client: cli}
}

func (r *Redis) Get(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: GET: %w", err)
	}
	return val, true, nil
}

func (r *Redis) WriteBatch(set map[string][]byte, del []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := r.client.TxPipeline()
	for k, v := range set {
		pipe.Set(ctx, k, v, 0)
	}
	if len(del) > 0 {
		pipe.Del(ctx, del...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvstore: batch exec: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

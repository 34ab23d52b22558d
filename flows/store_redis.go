package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "flows:correlation:"

// RedisStore keeps correlations in redis so a pending flow survives a
// restart and can be finalized by any instance.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL connects using a redis:// URL and pings the server.
func NewRedisStoreFromURL(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not reach redis: %w", err)
	}
	return NewRedisStore(client), nil
}

func (s *RedisStore) Put(ctx context.Context, stateToken string, c Correlation, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+stateToken, data, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, stateToken string) (Correlation, error) {
	return decodeCorrelation(s.client.Get(ctx, redisKeyPrefix+stateToken).Bytes())
}

func (s *RedisStore) Take(ctx context.Context, stateToken string) (Correlation, error) {
	return decodeCorrelation(s.client.GetDel(ctx, redisKeyPrefix+stateToken).Bytes())
}

func (s *RedisStore) Delete(ctx context.Context, stateToken string) error {
	return s.client.Del(ctx, redisKeyPrefix+stateToken).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeCorrelation(data []byte, err error) (Correlation, error) {
	if errors.Is(err, redis.Nil) {
		return Correlation{}, ErrCorrelationNotFound
	}
	if err != nil {
		return Correlation{}, err
	}
	var c Correlation
	if err = json.Unmarshal(data, &c); err != nil {
		return Correlation{}, fmt.Errorf("corrupt correlation entry: %w", err)
	}
	return c, nil
}

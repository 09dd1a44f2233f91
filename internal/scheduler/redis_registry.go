package scheduler

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry keeps each namespace's registered partition keys in a Redis
// set, shared by every scheduler instance.
type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) key(namespace string) string {
	return "expstats:partitions:" + namespace
}

func (r *RedisRegistry) GetDynamicPartitions(ctx context.Context, namespace string) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.key(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list partitions for %s: %w", namespace, err)
	}
	return keys, nil
}

func (r *RedisRegistry) RegisterPartitions(ctx context.Context, namespace string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	if err := r.client.SAdd(ctx, r.key(namespace), members...).Err(); err != nil {
		return fmt.Errorf("registry: register %d partitions for %s: %w", len(keys), namespace, err)
	}
	return nil
}

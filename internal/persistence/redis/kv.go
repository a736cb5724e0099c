// Package redis implements the key-value store on a Redis server. Durability of Set
// depends on the server's persistence configuration (appendfsync always for strict durability).
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// KV namespaces keys under a profile prefix.
type KV struct {
	client *goredis.Client
	prefix string
}

// NewKV constructs a KV using client; keys are stored as "<profileID>:<key>".
func NewKV(client *goredis.Client, profileID string) *KV {
	prefix := ""
	if profileID != "" {
		prefix = profileID + ":"
	}
	return &KV{client: client, prefix: prefix}
}

// Get implements persistence.KV.
func (k *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := k.client.Get(ctx, k.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements persistence.KV.
func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := k.client.Set(ctx, k.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Remove implements persistence.KV.
func (k *KV) Remove(ctx context.Context, key string) error {
	if err := k.client.Del(ctx, k.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis: remove %s: %w", key, err)
	}
	return nil
}

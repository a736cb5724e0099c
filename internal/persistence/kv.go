// Package persistence defines the durable key-value primitive used by the schedule store.
package persistence

import "context"

// KV is a durable key-value store. Set must be durable before it returns.
// Get reports found=false for missing keys rather than an error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

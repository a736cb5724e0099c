// Package memory implements an in-process key-value store.
package memory

import (
	"context"
	"sync"
)

// KV stores values in a map. It backs tests and the degraded-mode fallback.
type KV struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewKV constructs an empty KV.
func NewKV() *KV {
	return &KV{values: make(map[string][]byte)}
}

// Get implements persistence.KV.
func (k *KV) Get(_ context.Context, key string) ([]byte, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	value, ok := k.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set implements persistence.KV.
func (k *KV) Set(_ context.Context, key string, value []byte) error {
	k.mu.Lock()
	k.values[key] = append([]byte(nil), value...)
	k.mu.Unlock()
	return nil
}

// Remove implements persistence.KV.
func (k *KV) Remove(_ context.Context, key string) error {
	k.mu.Lock()
	delete(k.values, key)
	k.mu.Unlock()
	return nil
}

// Keys returns the stored keys in no particular order.
func (k *KV) Keys() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.values))
	for key := range k.values {
		out = append(out, key)
	}
	return out
}

// Package cache provides the shared read cache for catalog data. Values are stored
// as JSON so the in-process and Redis stores are interchangeable.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is a JSON value cache with per-entry expiry.
type Store interface {
	// Get decodes the value for key into dest. It reports false on a miss.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Recorder receives hit and miss counts.
type Recorder interface {
	RecordCacheLookup(cache string, hit bool)
}

// Loader fetches a value when the cache misses.
type Loader[T any] func(ctx context.Context) (T, error)

// Typed is a Store view for one key prefix and value type.
type Typed[T any] struct {
	store    Store
	name     string
	ttl      time.Duration
	recorder Recorder
}

// NewTyped wraps store. name prefixes every key and labels the lookup metrics.
func NewTyped[T any](store Store, name string, ttl time.Duration, recorder Recorder) *Typed[T] {
	return &Typed[T]{store: store, name: name, ttl: ttl, recorder: recorder}
}

func (t *Typed[T]) key(k string) string {
	return t.name + ":" + k
}

// GetOrLoad returns the cached value for k, calling load and caching its result on a
// miss. A failing store read is treated as a miss; a failing store write is ignored.
func (t *Typed[T]) GetOrLoad(ctx context.Context, k string, load Loader[T]) (T, error) {
	var cached T
	hit, err := t.store.Get(ctx, t.key(k), &cached)
	if err == nil && hit {
		t.record(true)
		return cached, nil
	}
	t.record(false)

	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	_ = t.store.Set(ctx, t.key(k), value, t.ttl)
	return value, nil
}

// Invalidate drops the cached values for keys.
func (t *Typed[T]) Invalidate(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = t.key(k)
	}
	return t.store.Delete(ctx, prefixed...)
}

func (t *Typed[T]) record(hit bool) {
	if t.recorder != nil {
		t.recorder.RecordCacheLookup(t.name, hit)
	}
}

func encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	return data, nil
}

func decode(data []byte, dest any) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode cache value: %w", err)
	}
	return nil
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

// Codec converts values to and from their cached string form.
type Codec[V any] interface {
	Encode(V) (string, error)
	Decode(string) (V, error)
}

// JSONCodec is the default Codec.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (JSONCodec[V]) Decode(s string) (V, error) {
	var v V
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

// StringCodec stores strings verbatim.
type StringCodec struct{}

func (StringCodec) Encode(v string) (string, error) { return v, nil }
func (StringCodec) Decode(s string) (string, error) { return s, nil }

// AsideConfig parameterizes an Aside decorator.
type AsideConfig[A any, V any] struct {
	// Purpose labels metrics, e.g. "authorization".
	Purpose string
	TTL     time.Duration
	// Key must be a pure function of args.
	Key     func(A) string
	Compute func(context.Context, A) (V, error)
	// Codec defaults to JSONCodec.
	Codec   Codec[V]
	Metrics *metrics.Metrics
}

// Aside is a read-through/write-through cache in front of a compute function.
type Aside[A any, V any] struct {
	cache   KeyValueCache
	purpose string
	ttl     time.Duration
	key     func(A) string
	compute func(context.Context, A) (V, error)
	codec   Codec[V]
	metrics *metrics.Metrics
}

// NewAside builds a cache-aside decorator over cache.
func NewAside[A any, V any](cache KeyValueCache, cfg AsideConfig[A, V]) *Aside[A, V] {
	codec := cfg.Codec
	if codec == nil {
		codec = JSONCodec[V]{}
	}
	return &Aside[A, V]{
		cache:   cache,
		purpose: cfg.Purpose,
		ttl:     cfg.TTL,
		key:     cfg.Key,
		compute: cfg.Compute,
		codec:   codec,
		metrics: cfg.Metrics,
	}
}

// Get returns the cached value for args, computing and caching it on a miss.
func (a *Aside[A, V]) Get(ctx context.Context, args A) (V, error) {
	var zero V
	key := a.key(args)

	cached, found, err := a.cache.Get(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("%s cache read failed: %w", a.purpose, err)
	}
	if found {
		if v, err := a.codec.Decode(cached); err == nil {
			a.metrics.RecordCacheLookup(a.purpose, true)
			return v, nil
		}
		// Undecodable entries are dropped so the conditional write below can replace them.
		if err := a.cache.Delete(ctx, key); err != nil {
			return zero, fmt.Errorf("%s cache delete failed: %w", a.purpose, err)
		}
	}
	a.metrics.RecordCacheLookup(a.purpose, false)

	v, err := a.compute(ctx, args)
	if err != nil {
		return zero, err
	}

	encoded, err := a.codec.Encode(v)
	if err != nil {
		return zero, fmt.Errorf("%s cache encode failed: %w", a.purpose, err)
	}
	// Losing the conditional write to a concurrent filler is fine; both computed the same thing.
	if _, err := a.cache.Set(ctx, key, encoded, a.ttl); err != nil {
		return zero, fmt.Errorf("%s cache write failed: %w", a.purpose, err)
	}
	return v, nil
}

// Invalidate removes the cached value for args.
func (a *Aside[A, V]) Invalidate(ctx context.Context, args A) error {
	return a.cache.Delete(ctx, a.key(args))
}

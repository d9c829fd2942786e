package keys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/media-storage-gateway/internal/audit"
	"github.com/kenneth/media-storage-gateway/internal/cache"
	"github.com/kenneth/media-storage-gateway/internal/metrics"
	"github.com/kenneth/media-storage-gateway/internal/storage"
)

const keyContentType = "application/octet-stream"

// PublicKeyCacheKey is the cache key of the base64 public key for objectKey. It doubles
// as the single-flight key, so the creation lock is "Lock:KeyPair:public:<objectKey>".
func PublicKeyCacheKey(objectKey string) string {
	return cache.JoinKey("KeyPair", "public", objectKey)
}

// PrivateKeyCacheKey is the cache key of the base64 private key for objectKey.
func PrivateKeyCacheKey(objectKey string) string {
	return cache.JoinKey("KeyPair", "private", objectKey)
}

// KeyPairOptions configures a KeyPairProvider.
type KeyPairOptions struct {
	PublicBucket  string
	PrivateBucket string
	// TTL applies to both cache entries.
	TTL     time.Duration
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Logger  *logrus.Logger
}

// KeyPairProvider provisions one curve25519 key pair per object key. Public and private
// halves live in separate buckets and are cached independently.
type KeyPairProvider struct {
	store         storage.BlobStore
	flight        *cache.SingleFlight
	private       *cache.Aside[string, string]
	publicBucket  string
	privateBucket string
	ttl           time.Duration
	metrics       *metrics.Metrics
	audit         audit.Logger
	logger        *logrus.Logger
}

// NewKeyPairProvider creates a provider. flight must wrap kv.
func NewKeyPairProvider(kv cache.KeyValueCache, flight *cache.SingleFlight, store storage.BlobStore, opts KeyPairOptions) *KeyPairProvider {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNopLogger()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	p := &KeyPairProvider{
		store:         store,
		flight:        flight,
		publicBucket:  opts.PublicBucket,
		privateBucket: opts.PrivateBucket,
		ttl:           opts.TTL,
		metrics:       opts.Metrics,
		audit:         opts.Audit,
		logger:        opts.Logger,
	}
	p.private = cache.NewAside(kv, cache.AsideConfig[string, string]{
		Purpose: "private_key",
		TTL:     opts.TTL,
		Key:     PrivateKeyCacheKey,
		Compute: p.loadPrivateKey,
		Codec:   cache.StringCodec{},
		Metrics: opts.Metrics,
	})
	return p
}

// GetPublicKeyOrCreatePair returns the base64 public key for objectKey, creating and
// persisting a pair on first use. Concurrent callers fleet-wide share one producer.
func (p *KeyPairProvider) GetPublicKeyOrCreatePair(ctx context.Context, objectKey string) (string, error) {
	if objectKey == "" {
		return "", errors.New("object key is required")
	}
	return p.flight.Do(ctx, PublicKeyCacheKey(objectKey), p.ttl, func(ctx context.Context) (string, error) {
		return p.producePair(ctx, objectKey)
	})
}

// GetPrivateKeyOrThrow returns the raw private key for objectKey. It never creates a pair:
// a missing key yields ErrNotFound.
func (p *KeyPairProvider) GetPrivateKeyOrThrow(ctx context.Context, objectKey string) ([]byte, error) {
	encoded, err := p.private.Get(ctx, objectKey)
	p.audit.LogPrivateKeyRead(objectKey, err)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("cached private key for %s is corrupt: %w", objectKey, err)
	}
	return raw, nil
}

func (p *KeyPairProvider) loadPrivateKey(ctx context.Context, objectKey string) (string, error) {
	key, err := p.readKey(ctx, p.privateBucket, objectKey)
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", fmt.Errorf("private key for %s: %w", objectKey, ErrNotFound)
	}
	return EncodeKey(key), nil
}

// producePair runs while holding the creation lock. It caches the private half itself;
// the public half is cached by the caller.
func (p *KeyPairProvider) producePair(ctx context.Context, objectKey string) (string, error) {
	start := time.Now()
	pair, created, err := p.loadOrCreate(ctx, objectKey)
	if created {
		p.audit.LogKeyPairCreated(objectKey, err, time.Since(start))
	}
	if err != nil {
		return "", err
	}
	if created {
		p.metrics.RecordKeyPairCreated()
		p.logger.WithFields(logrus.Fields{
			"object_key": objectKey,
			"duration":   time.Since(start),
		}).Info("Created key pair")
	}

	if _, err := p.flight.Set(ctx, PrivateKeyCacheKey(objectKey), EncodeKey(pair.Private), p.ttl); err != nil {
		return "", fmt.Errorf("failed to cache private key for %s: %w", objectKey, err)
	}
	return EncodeKey(pair.Public), nil
}

// loadOrCreate returns the stored pair, or generates and persists one when the stored
// halves are missing or do not match. created reports whether this call attempted a write.
// Whatever is written, the result is the pair re-read from storage, so a producer whose
// lock expired mid-write never reports a pair that storage does not hold.
func (p *KeyPairProvider) loadOrCreate(ctx context.Context, objectKey string) (*KeyPair, bool, error) {
	stored, err := p.readPair(ctx, objectKey)
	if err != nil {
		return nil, false, err
	}
	if stored.Complete() {
		return stored, false, nil
	}

	// A complete pair is never overwritten. Half-written or mismatched pairs are replaced whole.
	createOnly := stored.Public == nil && stored.Private == nil
	if !createOnly {
		p.logger.WithFields(logrus.Fields{
			"object_key":      objectKey,
			"has_public_key":  stored.Public != nil,
			"has_private_key": stored.Private != nil,
		}).Warn("Replacing half-written key pair")
	}

	pair, err := GenerateKeyPair()
	if err != nil {
		return nil, true, err
	}

	if err := p.writeKey(ctx, p.publicBucket, objectKey, pair.Public, createOnly); err != nil {
		if !lostCreate(err, createOnly) {
			return nil, true, &StorageWriteError{Side: SidePublic, ObjectKey: objectKey, Err: err}
		}
		existing, err := p.confirmPair(ctx, objectKey)
		return existing, false, err
	}
	if err := p.writeKey(ctx, p.privateBucket, objectKey, pair.Private, createOnly); err != nil {
		if !lostCreate(err, createOnly) {
			return nil, true, &StorageWriteError{Side: SidePrivate, ObjectKey: objectKey, Err: err}
		}
	}

	persisted, err := p.confirmPair(ctx, objectKey)
	if err != nil {
		return nil, true, err
	}
	if *persisted.Public != *pair.Public {
		p.logger.WithField("object_key", objectKey).Warn("Another producer replaced the key pair, using the stored one")
	}
	return persisted, true, nil
}

func lostCreate(err error, createOnly bool) bool {
	return createOnly && errors.Is(err, storage.ErrAlreadyExists)
}

// confirmPair re-reads the stored pair and fails unless its halves belong together.
func (p *KeyPairProvider) confirmPair(ctx context.Context, objectKey string) (*KeyPair, error) {
	stored, err := p.readPair(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	if !stored.Complete() {
		return nil, fmt.Errorf("%w: stored halves for %s do not match", ErrKeyPairConflict, objectKey)
	}
	return stored, nil
}

func (p *KeyPairProvider) readPair(ctx context.Context, objectKey string) (*KeyPair, error) {
	pub, err := p.readKey(ctx, p.publicBucket, objectKey)
	if err != nil {
		return nil, err
	}
	priv, err := p.readKey(ctx, p.privateBucket, objectKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// readKey returns nil without error when the blob does not exist.
func (p *KeyPairProvider) readKey(ctx context.Context, bucket, objectKey string) (*[KeySize]byte, error) {
	data, err := p.store.GetObject(ctx, bucket, objectKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s/%s: %w", bucket, objectKey, err)
	}
	key, err := keyFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("stored key %s/%s is corrupt: %w", bucket, objectKey, err)
	}
	return key, nil
}

func (p *KeyPairProvider) writeKey(ctx context.Context, bucket, objectKey string, key *[KeySize]byte, createOnly bool) error {
	return p.store.PutObject(ctx, bucket, objectKey, key[:], storage.PutOptions{
		ContentType: keyContentType,
		IfNotExists: createOnly,
	})
}

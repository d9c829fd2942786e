package keys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"

	"github.com/kenneth/media-storage-gateway/internal/audit"
	"github.com/kenneth/media-storage-gateway/internal/cache"
	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

// PrivateKeySource yields the server private key of a room.
type PrivateKeySource interface {
	GetPrivateKeyOrThrow(ctx context.Context, objectKey string) ([]byte, error)
}

// SymmetricKeyRequest identifies one envelope to open.
type SymmetricKeyRequest struct {
	MediaID         string
	RoomID          string
	ClientPublicKey string
	EncryptedKey    string
}

// SymmetricKeyOptions configures a SymmetricKeyProvider.
type SymmetricKeyOptions struct {
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Logger  *logrus.Logger
}

// SymmetricKeyProvider recovers per-media symmetric keys sealed by clients to the room's
// public key. Recovered keys are never written to durable storage.
type SymmetricKeyProvider struct {
	keys    PrivateKeySource
	metrics *metrics.Metrics
	audit   audit.Logger
	logger  *logrus.Logger
}

// NewSymmetricKeyProvider creates a provider reading room private keys from keys.
func NewSymmetricKeyProvider(keys PrivateKeySource, opts SymmetricKeyOptions) *SymmetricKeyProvider {
	if opts.Audit == nil {
		opts.Audit = audit.NewNopLogger()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &SymmetricKeyProvider{
		keys:    keys,
		metrics: opts.Metrics,
		audit:   opts.Audit,
		logger:  opts.Logger,
	}
}

// GetBase64SymmetricKey opens the envelope with the shared secret of the room private key
// and the client public key. Authentication failures return ErrDecryptionFailed.
func (p *SymmetricKeyProvider) GetBase64SymmetricKey(ctx context.Context, mediaID, roomID, clientPublicKey, encryptedKey string) (string, error) {
	return p.open(ctx, SymmetricKeyRequest{
		MediaID:         mediaID,
		RoomID:          roomID,
		ClientPublicKey: clientPublicKey,
		EncryptedKey:    encryptedKey,
	})
}

func (p *SymmetricKeyProvider) open(ctx context.Context, req SymmetricKeyRequest) (string, error) {
	rawPrivate, err := p.keys.GetPrivateKeyOrThrow(ctx, req.RoomID)
	if err != nil {
		return "", err
	}
	serverPrivate, err := keyFromBytes(rawPrivate)
	if err != nil {
		return "", fmt.Errorf("private key for %s: %w", req.RoomID, err)
	}

	start := time.Now()
	plaintext, err := p.decrypt(serverPrivate, req)
	p.metrics.RecordDecryption(err == nil)
	p.audit.LogDecrypt(req.MediaID, req.RoomID, err, time.Since(start))
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"media_id": req.MediaID,
			"room_id":  req.RoomID,
		}).WithError(err).Warn("Envelope decryption failed")
		return "", err
	}
	return base64.StdEncoding.EncodeToString(plaintext), nil
}

func (p *SymmetricKeyProvider) decrypt(serverPrivate *[KeySize]byte, req SymmetricKeyRequest) ([]byte, error) {
	clientPublic, err := DecodeKey(req.ClientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: client public key: %v", ErrDecryptionFailed, err)
	}

	var shared [KeySize]byte
	box.Precompute(&shared, clientPublic, serverPrivate)
	return openWithShared(req.EncryptedKey, &shared)
}

// SymmetricKeyCacheKey is the cache key of a recovered symmetric key.
func SymmetricKeyCacheKey(mediaID string) string {
	return cache.JoinKey("SymmetricKey", mediaID)
}

// CachedSymmetricKeyProvider memoizes recovered keys per media id.
type CachedSymmetricKeyProvider struct {
	aside *cache.Aside[SymmetricKeyRequest, string]
}

// NewCachedSymmetricKeyProvider wraps inner with a cache-aside layer of the given ttl.
func NewCachedSymmetricKeyProvider(inner *SymmetricKeyProvider, kv cache.KeyValueCache, ttl time.Duration, m *metrics.Metrics) *CachedSymmetricKeyProvider {
	return &CachedSymmetricKeyProvider{
		aside: cache.NewAside(kv, cache.AsideConfig[SymmetricKeyRequest, string]{
			Purpose: "symmetric_key",
			TTL:     ttl,
			Key: func(req SymmetricKeyRequest) string {
				return SymmetricKeyCacheKey(req.MediaID)
			},
			Compute: inner.open,
			Codec:   cache.StringCodec{},
			Metrics: m,
		}),
	}
}

// GetBase64SymmetricKey returns the cached key for mediaID or opens the envelope.
func (c *CachedSymmetricKeyProvider) GetBase64SymmetricKey(ctx context.Context, mediaID, roomID, clientPublicKey, encryptedKey string) (string, error) {
	if mediaID == "" {
		return "", errors.New("media id is required")
	}
	return c.aside.Get(ctx, SymmetricKeyRequest{
		MediaID:         mediaID,
		RoomID:          roomID,
		ClientPublicKey: clientPublicKey,
		EncryptedKey:    encryptedKey,
	})
}

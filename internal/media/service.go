package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/media-storage-gateway/internal/authz"
	"github.com/kenneth/media-storage-gateway/internal/cache"
	"github.com/kenneth/media-storage-gateway/internal/metrics"
	"github.com/kenneth/media-storage-gateway/internal/storage"
	"github.com/kenneth/media-storage-gateway/internal/upload"
)

// PublicKeyProvider hands out a room's server public key, creating the pair on first use.
type PublicKeyProvider interface {
	GetPublicKeyOrCreatePair(ctx context.Context, objectKey string) (string, error)
}

// SymmetricKeyProvider recovers a media key from its client envelope.
type SymmetricKeyProvider interface {
	GetBase64SymmetricKey(ctx context.Context, mediaID, roomID, clientPublicKey, encryptedKey string) (string, error)
}

// ValidationScheduler checks later that an upload actually happened.
type ValidationScheduler interface {
	ScheduleValidation(objectKey, mediaID string, findInput map[string]string, onMissing upload.MissingFunc)
}

// Store is the repository plus query cache invalidation.
type Store interface {
	Repository
	Invalidate(ctx context.Context, queries ...map[string]string) error
}

// Options configures a Service.
type Options struct {
	Bucket          string
	PresignExpiry   time.Duration
	DownloadInfoTTL time.Duration
	Cache           cache.KeyValueCache
	Metrics         *metrics.Metrics
	Logger          *logrus.Logger
}

// Service composes authorization, metadata, presigning and key provisioning.
type Service struct {
	store      Store
	authorizer authz.Authorizer
	presigner  storage.Presigner
	publicKeys PublicKeyProvider
	symmetric  SymmetricKeyProvider
	validator  ValidationScheduler
	downloads  *cache.Aside[downloadRequest, DownloadInfo]
	bucket     string
	expiry     time.Duration
	logger     *logrus.Logger
	tracer     trace.Tracer
	newID      func() string
}

type downloadRequest struct {
	MediaID         string
	RoomID          string
	UserID          string
	ClientPublicKey string
	EncryptedKey    string
}

// DownloadInfoCacheKey is the cache key of a download bundle.
func DownloadInfoCacheKey(mediaID, roomID, userID string) string {
	return cache.JoinKey("DownloadInfo", mediaID, roomID, userID)
}

// NewService wires a Service.
func NewService(
	store Store,
	authorizer authz.Authorizer,
	presigner storage.Presigner,
	publicKeys PublicKeyProvider,
	symmetric SymmetricKeyProvider,
	validator ValidationScheduler,
	opts Options,
) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Service{
		store:      store,
		authorizer: authorizer,
		presigner:  presigner,
		publicKeys: publicKeys,
		symmetric:  symmetric,
		validator:  validator,
		bucket:     opts.Bucket,
		expiry:     opts.PresignExpiry,
		logger:     logger,
		tracer:     otel.Tracer("media-storage-gateway/media"),
		newID:      func() string { return uuid.New().String() },
	}
	s.downloads = cache.NewAside(opts.Cache, cache.AsideConfig[downloadRequest, DownloadInfo]{
		Purpose: "download_info",
		TTL:     opts.DownloadInfoTTL,
		Key: func(r downloadRequest) string {
			return DownloadInfoCacheKey(r.MediaID, r.RoomID, r.UserID)
		},
		Compute: s.buildDownloadInfo,
		Metrics: opts.Metrics,
	})
	return s
}

// UploadInfo registers a new media object and returns where and with which key to upload it.
func (s *Service) UploadInfo(ctx context.Context, roomID, userID, token, mimeType, description string) (info *UploadInfo, err error) {
	ctx, span := s.tracer.Start(ctx, "media.UploadInfo", trace.WithAttributes(
		attribute.String("media.room_id", roomID),
	))
	defer func() { endSpan(span, err) }()

	if !s.authorizer.IsAuthorized(ctx, userID, roomID, token) {
		return nil, ErrUnauthorized
	}
	if mimeType == "" {
		return nil, fmt.Errorf("mime type is required")
	}

	mediaID := s.newID()
	objectKey := ObjectKey(roomID, mediaID)
	row := &Metadata{
		ID:          mediaID,
		RoomID:      roomID,
		UserID:      userID,
		MimeType:    mimeType,
		Description: description,
		BucketName:  s.bucket,
		ObjectKey:   objectKey,
	}
	if err := s.store.Create(ctx, row); err != nil {
		return nil, err
	}
	findInput := RoomQuery(roomID)
	if err := s.store.Invalidate(ctx, findInput); err != nil {
		s.discard(ctx, mediaID)
		return nil, err
	}

	publicKey, err := s.publicKeys.GetPublicKeyOrCreatePair(ctx, roomID)
	if err != nil {
		s.discard(ctx, mediaID)
		return nil, fmt.Errorf("failed to provision room key: %w", err)
	}

	url, err := s.presigner.PresignPut(ctx, s.bucket, objectKey, mimeType, s.expiry)
	if err != nil {
		s.discard(ctx, mediaID)
		return nil, err
	}

	// Rows for uploads that never arrive are removed once the grace period passes.
	s.validator.ScheduleValidation(objectKey, mediaID, findInput, s.removeMissing)

	s.logger.WithFields(logrus.Fields{
		"media_id": mediaID,
		"room_id":  roomID,
		"user_id":  userID,
	}).Debug("Issued upload info")

	return &UploadInfo{
		MediaID:               mediaID,
		PresignedURL:          url,
		Base64ServerPublicKey: publicKey,
	}, nil
}

// DownloadInfo returns a presigned URL and the unwrapped media key.
func (s *Service) DownloadInfo(ctx context.Context, mediaID, roomID, userID, token, clientPublicKey, encryptedKey string) (info *DownloadInfo, err error) {
	ctx, span := s.tracer.Start(ctx, "media.DownloadInfo", trace.WithAttributes(
		attribute.String("media.id", mediaID),
		attribute.String("media.room_id", roomID),
	))
	defer func() { endSpan(span, err) }()

	if !s.authorizer.IsAuthorized(ctx, userID, roomID, token) {
		return nil, ErrUnauthorized
	}
	// Bundles are cached per user and outlive a deleted row, so the row is checked
	// first. The lookup is served from the metadata cache, which Delete invalidates.
	if _, err := s.store.FindByID(ctx, mediaID); err != nil {
		return nil, err
	}

	result, err := s.downloads.Get(ctx, downloadRequest{
		MediaID:         mediaID,
		RoomID:          roomID,
		UserID:          userID,
		ClientPublicKey: clientPublicKey,
		EncryptedKey:    encryptedKey,
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RoomQuery is the lookup listing a room's media.
func RoomQuery(roomID string) map[string]string {
	return map[string]string{"room_id": roomID}
}

// ListMedia returns the metadata of every media object in a room.
func (s *Service) ListMedia(ctx context.Context, roomID, userID, token string) (rows []Metadata, err error) {
	ctx, span := s.tracer.Start(ctx, "media.ListMedia", trace.WithAttributes(
		attribute.String("media.room_id", roomID),
	))
	defer func() { endSpan(span, err) }()

	if !s.authorizer.IsAuthorized(ctx, userID, roomID, token) {
		return nil, ErrUnauthorized
	}
	return s.store.Find(ctx, RoomQuery(roomID))
}

func (s *Service) buildDownloadInfo(ctx context.Context, r downloadRequest) (DownloadInfo, error) {
	row, err := s.store.FindByID(ctx, r.MediaID)
	if err != nil {
		return DownloadInfo{}, err
	}
	// Media from another room is reported as absent.
	if row.RoomID != r.RoomID {
		return DownloadInfo{}, fmt.Errorf("%s: %w", r.MediaID, ErrNotFound)
	}

	url, err := s.presigner.PresignGet(ctx, row.BucketName, row.ObjectKey, s.expiry)
	if err != nil {
		return DownloadInfo{}, err
	}

	key, err := s.symmetric.GetBase64SymmetricKey(ctx, r.MediaID, r.RoomID, r.ClientPublicKey, r.EncryptedKey)
	if err != nil {
		return DownloadInfo{}, err
	}

	return DownloadInfo{
		PresignedURL:       url,
		MimeType:           row.MimeType,
		Base64SymmetricKey: key,
	}, nil
}

func (s *Service) removeMissing(ctx context.Context, mediaID string, findInput map[string]string) {
	fields := logrus.Fields{"media_id": mediaID}
	if err := s.store.Delete(ctx, mediaID); err != nil {
		s.logger.WithFields(fields).WithError(err).Error("Failed to delete metadata of missing upload")
		return
	}
	if err := s.store.Invalidate(ctx, findInput); err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("Failed to invalidate cached media queries")
	}
	s.logger.WithFields(fields).Info("Deleted metadata of missing upload")
}

func (s *Service) discard(ctx context.Context, mediaID string) {
	if err := s.store.Delete(ctx, mediaID); err != nil {
		s.logger.WithField("media_id", mediaID).WithError(err).Warn("Failed to discard metadata row")
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrUnauthorized) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

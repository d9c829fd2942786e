package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/media-storage-gateway/internal/cache"
	"github.com/kenneth/media-storage-gateway/internal/upload"
)

type mockAuthorizer struct {
	allowed map[string]bool
}

func (m *mockAuthorizer) IsAuthorized(ctx context.Context, endUserID, roomID, token string) bool {
	return token != "" && m.allowed[endUserID+"@"+roomID]
}

type mockPresigner struct {
	err error
}

func (m *mockPresigner) PresignPut(ctx context.Context, bucket, key, contentType string, expiry time.Duration) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "https://blob/" + bucket + "/" + key + "?put&ct=" + contentType + "&exp=" + expiry.String(), nil
}

func (m *mockPresigner) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "https://blob/" + bucket + "/" + key + "?get&exp=" + expiry.String(), nil
}

type mockKeys struct {
	mu        sync.Mutex
	publicErr error
	unwraps   int
}

func (m *mockKeys) GetPublicKeyOrCreatePair(ctx context.Context, objectKey string) (string, error) {
	if m.publicErr != nil {
		return "", m.publicErr
	}
	return "pub-" + objectKey, nil
}

func (m *mockKeys) GetBase64SymmetricKey(ctx context.Context, mediaID, roomID, clientPublicKey, encryptedKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unwraps++
	return "sym-" + mediaID + "-" + encryptedKey, nil
}

type scheduled struct {
	objectKey string
	mediaID   string
	findInput map[string]string
	onMissing upload.MissingFunc
}

type mockScheduler struct {
	calls []scheduled
}

func (m *mockScheduler) ScheduleValidation(objectKey, mediaID string, findInput map[string]string, onMissing upload.MissingFunc) {
	m.calls = append(m.calls, scheduled{objectKey, mediaID, findInput, onMissing})
}

type serviceFixture struct {
	service   *Service
	store     *CachedRepository
	kv        cache.KeyValueCache
	presigner *mockPresigner
	keys      *mockKeys
	scheduler *mockScheduler
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	kv := cache.NewMemoryCache()
	f := &serviceFixture{
		store:     NewCachedRepository(newTestRepository(t), kv, time.Hour, nil),
		kv:        kv,
		presigner: &mockPresigner{},
		keys:      &mockKeys{},
		scheduler: &mockScheduler{},
	}
	authorizer := &mockAuthorizer{allowed: map[string]bool{"alice@room-1": true}}
	f.service = NewService(f.store, authorizer, f.presigner, f.keys, f.keys, f.scheduler, Options{
		Bucket:          "media",
		PresignExpiry:   15 * time.Minute,
		DownloadInfoTTL: 14 * time.Minute,
		Cache:           kv,
		Logger:          logger,
	})
	f.service.newID = func() string { return "media-1" }
	return f
}

func TestService_UploadInfo(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	info, err := f.service.UploadInfo(ctx, "room-1", "alice", "token", "image/png", "holiday")
	require.NoError(t, err)
	assert.Equal(t, "media-1", info.MediaID)
	assert.Equal(t, "pub-room-1", info.Base64ServerPublicKey)
	assert.Equal(t, "https://blob/media/room-1/media-1?put&ct=image/png&exp=15m0s", info.PresignedURL)

	row, err := f.store.FindByID(ctx, "media-1")
	require.NoError(t, err)
	assert.Equal(t, "holiday", row.Description)
	assert.Equal(t, "room-1/media-1", row.ObjectKey)

	require.Len(t, f.scheduler.calls, 1)
	call := f.scheduler.calls[0]
	assert.Equal(t, "room-1/media-1", call.objectKey)
	assert.Equal(t, "media-1", call.mediaID)
	assert.Equal(t, map[string]string{"room_id": "room-1"}, call.findInput)
}

func TestService_UploadInfoUnauthorized(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.UploadInfo(ctx, "room-1", "mallory", "token", "image/png", "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	rows, err := f.store.Find(ctx, map[string]string{"room_id": "room-1"})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, f.scheduler.calls)
}

func TestService_UploadInfoDiscardsRowOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *serviceFixture)
	}{
		{name: "key provisioning", setup: func(f *serviceFixture) { f.keys.publicErr = errors.New("storage down") }},
		{name: "presign", setup: func(f *serviceFixture) { f.presigner.err = errors.New("no credentials") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			tt.setup(f)
			ctx := context.Background()

			_, err := f.service.UploadInfo(ctx, "room-1", "alice", "token", "image/png", "")
			require.Error(t, err)

			_, err = f.store.FindByID(ctx, "media-1")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Empty(t, f.scheduler.calls)
		})
	}
}

func TestService_MissingUploadRemovesRow(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.UploadInfo(ctx, "room-1", "alice", "token", "image/png", "")
	require.NoError(t, err)

	rows, err := f.service.ListMedia(ctx, "room-1", "alice", "token")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	call := f.scheduler.calls[0]
	call.onMissing(ctx, call.mediaID, call.findInput)

	_, err = f.store.FindByID(ctx, "media-1")
	assert.ErrorIs(t, err, ErrNotFound)

	rows, err = f.service.ListMedia(ctx, "room-1", "alice", "token")
	require.NoError(t, err)
	assert.Empty(t, rows, "cached query result is invalidated")
}

func TestService_MissingUploadHidesCachedDownloadInfo(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.UploadInfo(ctx, "room-1", "alice", "token", "image/png", "")
	require.NoError(t, err)
	_, err = f.service.DownloadInfo(ctx, "media-1", "room-1", "alice", "token", "client-pub", "envelope")
	require.NoError(t, err)

	call := f.scheduler.calls[0]
	call.onMissing(ctx, call.mediaID, call.findInput)

	_, found, _ := f.kv.Get(ctx, DownloadInfoCacheKey("media-1", "room-1", "alice"))
	require.True(t, found, "the bundle itself is still cached")

	_, err = f.service.DownloadInfo(ctx, "media-1", "room-1", "alice", "token", "client-pub", "envelope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, f.keys.unwraps)
}

func TestService_ListMedia(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	rows, err := f.service.ListMedia(ctx, "room-1", "alice", "token")
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = f.service.UploadInfo(ctx, "room-1", "alice", "token", "video/mp4", "lecture")
	require.NoError(t, err)

	rows, err = f.service.ListMedia(ctx, "room-1", "alice", "token")
	require.NoError(t, err)
	require.Len(t, rows, 1, "a new upload invalidates the cached listing")
	assert.Equal(t, "lecture", rows[0].Description)

	_, err = f.service.ListMedia(ctx, "room-1", "mallory", "token")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_DownloadInfo(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.UploadInfo(ctx, "room-1", "alice", "token", "image/png", "")
	require.NoError(t, err)

	info, err := f.service.DownloadInfo(ctx, "media-1", "room-1", "alice", "token", "client-pub", "envelope")
	require.NoError(t, err)
	assert.Equal(t, "image/png", info.MimeType)
	assert.Equal(t, "sym-media-1-envelope", info.Base64SymmetricKey)
	assert.Equal(t, "https://blob/media/room-1/media-1?get&exp=15m0s", info.PresignedURL)

	again, err := f.service.DownloadInfo(ctx, "media-1", "room-1", "alice", "token", "client-pub", "envelope")
	require.NoError(t, err)
	assert.Equal(t, info, again)
	assert.Equal(t, 1, f.keys.unwraps, "bundle is served from cache")

	_, found, _ := f.kv.Get(ctx, DownloadInfoCacheKey("media-1", "room-1", "alice"))
	assert.True(t, found)
}

func TestService_DownloadInfoErrors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, sampleRow("other-room", "room-2", "bob")))

	_, err := f.service.DownloadInfo(ctx, "missing", "room-1", "alice", "token", "pub", "env")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.service.DownloadInfo(ctx, "other-room", "room-1", "alice", "token", "pub", "env")
	assert.ErrorIs(t, err, ErrNotFound, "media of another room is hidden")

	_, err = f.service.DownloadInfo(ctx, "other-room", "room-2", "alice", "token", "pub", "env")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.service.DownloadInfo(ctx, "other-room", "room-1", "alice", "", "pub", "env")
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Equal(t, 0, f.keys.unwraps)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/media-storage-gateway/internal/authz"
	"github.com/kenneth/media-storage-gateway/internal/cache"
	"github.com/kenneth/media-storage-gateway/internal/keys"
	"github.com/kenneth/media-storage-gateway/internal/media"
	"github.com/kenneth/media-storage-gateway/internal/metrics"
	"github.com/kenneth/media-storage-gateway/internal/stats"
)

type mockMedia struct {
	err      error
	lastUser string
	lastArgs []string
}

func (m *mockMedia) UploadInfo(ctx context.Context, roomID, userID, token, mimeType, description string) (*media.UploadInfo, error) {
	m.lastUser = userID
	m.lastArgs = []string{roomID, token, mimeType, description}
	if m.err != nil {
		return nil, m.err
	}
	return &media.UploadInfo{MediaID: "m1", PresignedURL: "https://put", Base64ServerPublicKey: "pub"}, nil
}

func (m *mockMedia) DownloadInfo(ctx context.Context, mediaID, roomID, userID, token, clientPublicKey, encryptedKey string) (*media.DownloadInfo, error) {
	m.lastUser = userID
	m.lastArgs = []string{mediaID, roomID, token, clientPublicKey, encryptedKey}
	if m.err != nil {
		return nil, m.err
	}
	return &media.DownloadInfo{PresignedURL: "https://get", MimeType: "image/png", Base64SymmetricKey: "sym"}, nil
}

func (m *mockMedia) ListMedia(ctx context.Context, roomID, userID, token string) ([]media.Metadata, error) {
	m.lastUser = userID
	m.lastArgs = []string{roomID, token}
	if m.err != nil {
		return nil, m.err
	}
	return nil, nil
}

type mockTokens struct{}

func (mockTokens) Parse(ctx context.Context, token string) (authz.TokenClaims, error) {
	if !strings.HasPrefix(token, "valid-") {
		return authz.TokenClaims{}, errors.New("signature is invalid")
	}
	return authz.TokenClaims{UserID: strings.TrimPrefix(token, "valid-")}, nil
}

func newTestRouter(service MediaService, recorder StatsRecorder, ready Pinger) *mux.Router {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	h := NewHandler(service, mockTokens{}, recorder, ready, logger, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func doRequest(router http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.AddCookie(&http.Cookie{Name: "access", Value: token})
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_UploadInfo(t *testing.T) {
	svc := &mockMedia{}
	recorder := stats.NewRecorder()
	router := newTestRouter(svc, recorder, nil)

	w := doRequest(router, "POST", "/rooms/room-1/media", `{"mime_type":"image/png","description":"cat"}`, "valid-alice")
	require.Equal(t, http.StatusCreated, w.Code)

	var info media.UploadInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "m1", info.MediaID)
	assert.Equal(t, "pub", info.Base64ServerPublicKey)
	assert.Equal(t, "alice", svc.lastUser)
	assert.Equal(t, []string{"room-1", "valid-alice", "image/png", "cat"}, svc.lastArgs)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	in := recorder.Drain()
	assert.Equal(t, int64(1), in.Counters["uploadInfo"]["requests"])
	assert.Equal(t, []string{"alice"}, in.Sets["uploadInfo"]["users"])
}

func TestHandler_DownloadInfoWithBearerToken(t *testing.T) {
	svc := &mockMedia{}
	router := newTestRouter(svc, nil, nil)

	req := httptest.NewRequest("POST", "/rooms/room-1/media/m1/download",
		strings.NewReader(`{"client_public_key":"cpk","encrypted_key":"env"}`))
	req.Header.Set("Authorization", "Bearer valid-bob")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var info media.DownloadInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "sym", info.Base64SymmetricKey)
	assert.Equal(t, "bob", svc.lastUser)
	assert.Equal(t, []string{"m1", "room-1", "valid-bob", "cpk", "env"}, svc.lastArgs)
}

func TestHandler_ListMediaReturnsEmptyArray(t *testing.T) {
	router := newTestRouter(&mockMedia{}, nil, nil)

	w := doRequest(router, "GET", "/rooms/room-1/media", "", "valid-alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		token      string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{
			name: "no token", method: "POST", path: "/rooms/r/media",
			body: `{"mime_type":"image/png"}`, wantStatus: http.StatusUnauthorized, wantCode: "Unauthenticated",
		},
		{
			name: "bad token", method: "POST", path: "/rooms/r/media", token: "forged",
			body: `{"mime_type":"image/png"}`, wantStatus: http.StatusUnauthorized, wantCode: "Unauthenticated",
		},
		{
			name: "missing mime type", method: "POST", path: "/rooms/r/media", token: "valid-a",
			body: `{}`, wantStatus: http.StatusBadRequest, wantCode: "InvalidRequest",
		},
		{
			name: "unknown field", method: "POST", path: "/rooms/r/media", token: "valid-a",
			body: `{"mime_type":"image/png","owner":"x"}`, wantStatus: http.StatusBadRequest, wantCode: "InvalidRequest",
		},
		{
			name: "missing envelope", method: "POST", path: "/rooms/r/media/m/download", token: "valid-a",
			body: `{"client_public_key":"cpk"}`, wantStatus: http.StatusBadRequest, wantCode: "InvalidRequest",
		},
		{
			name: "unauthorized", method: "GET", path: "/rooms/r/media", token: "valid-a",
			serviceErr: media.ErrUnauthorized, wantStatus: http.StatusForbidden, wantCode: "Unauthorized",
		},
		{
			name: "decryption failed", method: "POST", path: "/rooms/r/media/m/download", token: "valid-a",
			body:       `{"client_public_key":"cpk","encrypted_key":"env"}`,
			serviceErr: fmt.Errorf("open: %w", keys.ErrDecryptionFailed), wantStatus: http.StatusBadRequest, wantCode: "DecryptionFailed",
		},
		{
			name: "not found", method: "POST", path: "/rooms/r/media/m/download", token: "valid-a",
			body:       `{"client_public_key":"cpk","encrypted_key":"env"}`,
			serviceErr: fmt.Errorf("m: %w", media.ErrNotFound), wantStatus: http.StatusNotFound, wantCode: "NotFound",
		},
		{
			name: "key provisioning busy", method: "POST", path: "/rooms/r/media", token: "valid-a",
			body:       `{"mime_type":"image/png"}`,
			serviceErr: &cache.TimeoutError{Key: "KeyPair:public:r"}, wantStatus: http.StatusServiceUnavailable, wantCode: "Busy",
		},
		{
			name: "key pair being rewritten", method: "POST", path: "/rooms/r/media", token: "valid-a",
			body:       `{"mime_type":"image/png"}`,
			serviceErr: fmt.Errorf("%w: stored halves for r do not match", keys.ErrKeyPairConflict), wantStatus: http.StatusServiceUnavailable, wantCode: "Busy",
		},
		{
			name: "internal", method: "GET", path: "/rooms/r/media", token: "valid-a",
			serviceErr: errors.New("dial tcp 10.0.0.1:5432: connection refused"), wantStatus: http.StatusInternalServerError, wantCode: "InternalError",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&mockMedia{err: tt.serviceErr}, nil, nil)
			w := doRequest(router, tt.method, tt.path, tt.body, tt.token)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body APIError
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotEmpty(t, body.RequestID)
			assert.NotContains(t, w.Body.String(), "10.0.0.1", "internal details are not exposed")
		})
	}
}

func TestHandler_RequestIDIsEchoed(t *testing.T) {
	router := newTestRouter(&mockMedia{}, nil, nil)

	req := httptest.NewRequest("GET", "/rooms/r/media", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "req-123", body.RequestID)
}

func TestHandler_Probes(t *testing.T) {
	down := errors.New("redis down")
	var pingErr error
	router := newTestRouter(&mockMedia{}, nil, func(context.Context) error { return pingErr })

	assert.Equal(t, http.StatusOK, doRequest(router, "GET", "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(router, "GET", "/live", "", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(router, "GET", "/ready", "", "").Code)

	pingErr = down
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(router, "GET", "/ready", "", "").Code)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{name: "forwarded chain", header: map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, remote: "10.0.0.2:80", want: "1.2.3.4"},
		{name: "real ip", header: map[string]string{"X-Real-IP": " 5.6.7.8 "}, remote: "10.0.0.2:80", want: "5.6.7.8"},
		{name: "remote addr", remote: "9.9.9.9:1234", want: "9.9.9.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}

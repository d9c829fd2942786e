package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/media-storage-gateway/internal/authz"
	"github.com/kenneth/media-storage-gateway/internal/media"
	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

const maxBodyBytes = 64 << 10

// MediaService is the media operation surface the handlers expose.
type MediaService interface {
	UploadInfo(ctx context.Context, roomID, userID, token, mimeType, description string) (*media.UploadInfo, error)
	DownloadInfo(ctx context.Context, mediaID, roomID, userID, token, clientPublicKey, encryptedKey string) (*media.DownloadInfo, error)
	ListMedia(ctx context.Context, roomID, userID, token string) ([]media.Metadata, error)
}

// TokenParser verifies access tokens.
type TokenParser interface {
	Parse(ctx context.Context, token string) (authz.TokenClaims, error)
}

// StatsRecorder receives per-route usage stats.
type StatsRecorder interface {
	Count(resolver, stat string, n int64)
	Distinct(resolver, stat, member string)
}

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

// Handler handles HTTP requests for media operations.
type Handler struct {
	media   MediaService
	tokens  TokenParser
	stats   StatsRecorder
	ready   Pinger
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler creates a new API handler. stats and ready may be nil.
func NewHandler(service MediaService, tokens TokenParser, stats StatsRecorder, ready Pinger, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		media:   service,
		tokens:  tokens,
		stats:   stats,
		ready:   ready,
		logger:  logger,
		metrics: m,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	rooms := r.PathPrefix("/rooms/{roomId}").Subrouter()
	rooms.HandleFunc("/media", h.handleUploadInfo).Methods("POST")
	rooms.HandleFunc("/media", h.handleListMedia).Methods("GET")
	rooms.HandleFunc("/media/{mediaId}/download", h.handleDownloadInfo).Methods("POST")
}

type uploadInfoRequest struct {
	MimeType    string `json:"mime_type"`
	Description string `json:"description"`
}

type downloadInfoRequest struct {
	ClientPublicKey string `json:"client_public_key"`
	EncryptedKey    string `json:"encrypted_key"`
}

// handleUploadInfo issues an upload URL and the room public key.
func (h *Handler) handleUploadInfo(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	roomID := mux.Vars(r)["roomId"]

	claims, token, ok := h.authenticate(w, r, "uploadInfo", start)
	if !ok {
		return
	}
	var req uploadInfoRequest
	if err := decodeBody(w, r, &req); err != nil || req.MimeType == "" {
		h.writeError(w, r, "uploadInfo", ErrInvalidRequest, start)
		return
	}

	info, err := h.media.UploadInfo(r.Context(), roomID, claims.UserID, token, req.MimeType, req.Description)
	if err != nil {
		h.fail(w, r, "uploadInfo", err, start)
		return
	}
	h.writeJSON(w, r, "uploadInfo", http.StatusCreated, info, start)
}

// handleDownloadInfo returns a download URL and the unwrapped media key.
func (h *Handler) handleDownloadInfo(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)

	claims, token, ok := h.authenticate(w, r, "downloadInfo", start)
	if !ok {
		return
	}
	var req downloadInfoRequest
	if err := decodeBody(w, r, &req); err != nil || req.ClientPublicKey == "" || req.EncryptedKey == "" {
		h.writeError(w, r, "downloadInfo", ErrInvalidRequest, start)
		return
	}

	info, err := h.media.DownloadInfo(r.Context(), vars["mediaId"], vars["roomId"], claims.UserID, token, req.ClientPublicKey, req.EncryptedKey)
	if err != nil {
		h.fail(w, r, "downloadInfo", err, start)
		return
	}
	h.writeJSON(w, r, "downloadInfo", http.StatusOK, info, start)
}

// handleListMedia lists the media of a room.
func (h *Handler) handleListMedia(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	roomID := mux.Vars(r)["roomId"]

	claims, token, ok := h.authenticate(w, r, "listMedia", start)
	if !ok {
		return
	}

	rows, err := h.media.ListMedia(r.Context(), roomID, claims.UserID, token)
	if err != nil {
		h.fail(w, r, "listMedia", err, start)
		return
	}
	if rows == nil {
		rows = []media.Metadata{}
	}
	h.writeJSON(w, r, "listMedia", http.StatusOK, rows, start)
}

// authenticate parses the caller's token and records usage for the route.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, route string, start time.Time) (authz.TokenClaims, string, bool) {
	token := accessToken(r)
	if token == "" {
		h.writeError(w, r, route, ErrUnauthenticated, start)
		return authz.TokenClaims{}, "", false
	}
	claims, err := h.tokens.Parse(r.Context(), token)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"route":     route,
			"client_ip": getClientIP(r),
		}).WithError(err).Debug("Rejected access token")
		h.writeError(w, r, route, ErrUnauthenticated, start)
		return authz.TokenClaims{}, "", false
	}

	if h.stats != nil {
		h.stats.Count(route, "requests", 1)
		h.stats.Distinct(route, "users", claims.UserID)
	}
	return claims, token, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, route string, err error, start time.Time) {
	apiErr := TranslateError(err).withRequestID(getRequestID(r))
	fields := logrus.Fields{
		"route":      route,
		"request_id": apiErr.RequestID,
		"status":     apiErr.HTTPStatus,
	}
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.WithFields(fields).WithError(err).Error("Media request failed")
	} else {
		h.logger.WithFields(fields).WithError(err).Debug("Media request rejected")
	}
	h.writeError(w, r, route, apiErr, start)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, route string, apiErr *APIError, start time.Time) {
	if apiErr.RequestID == "" {
		apiErr = apiErr.withRequestID(getRequestID(r))
	}
	apiErr.WriteJSON(w)
	h.metrics.RecordHTTPRequest(r.Method, route, apiErr.HTTPStatus, time.Since(start))
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, route string, status int, body interface{}, start time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).WithField("route", route).Warn("Failed to write response")
	}
	h.metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start))
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.writeJSON(w, r, "/health", http.StatusOK, map[string]string{"status": "healthy"}, start)
}

// handleReady reports ready once the shared store answers.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.logger.WithError(err).Warn("Readiness check failed")
			h.writeJSON(w, r, "/ready", http.StatusServiceUnavailable, map[string]string{"status": "not ready"}, start)
			return
		}
	}
	h.writeJSON(w, r, "/ready", http.StatusOK, map[string]string{"status": "ready"}, start)
}

// handleLive handles liveness check requests.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.writeJSON(w, r, "/live", http.StatusOK, map[string]string{"status": "alive"}, start)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// accessToken reads the token from the access cookie, falling back to a Bearer header.
func accessToken(r *http.Request) string {
	if c, err := r.Cookie("access"); err == nil && c.Value != "" {
		return c.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

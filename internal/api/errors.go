package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/media-storage-gateway/internal/cache"
	"github.com/kenneth/media-storage-gateway/internal/keys"
	"github.com/kenneth/media-storage-gateway/internal/media"
)

// APIError is a JSON error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	if err := json.NewEncoder(w).Encode(e); err != nil {
		http.Error(w, e.Message, e.HTTPStatus)
	}
}

// withRequestID returns a copy carrying the request id.
func (e *APIError) withRequestID(requestID string) *APIError {
	c := *e
	c.RequestID = requestID
	return &c
}

// TranslateError maps domain errors to API errors. Details of internal failures are not exposed.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, media.ErrUnauthorized):
		return ErrUnauthorized
	case errors.Is(err, media.ErrNotFound), errors.Is(err, keys.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, media.ErrInvalidQuery):
		return &APIError{Code: "InvalidQuery", Message: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, keys.ErrDecryptionFailed):
		return ErrDecryptionFailed
	case errors.Is(err, cache.ErrTimeout), errors.Is(err, keys.ErrKeyPairConflict):
		return &APIError{
			Code:       "Busy",
			Message:    "The resource is being prepared. Please retry.",
			HTTPStatus: http.StatusServiceUnavailable,
		}
	}

	return &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined API errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrUnauthenticated = &APIError{
		Code:       "Unauthenticated",
		Message:    "A valid access token is required.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrUnauthorized = &APIError{
		Code:       "Unauthorized",
		Message:    "unauthorized",
		HTTPStatus: http.StatusForbidden,
	}

	ErrNotFound = &APIError{
		Code:       "NotFound",
		Message:    "The specified media does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrDecryptionFailed = &APIError{
		Code:       "DecryptionFailed",
		Message:    "decryption failed",
		HTTPStatus: http.StatusBadRequest,
	}
)

package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/media-storage-gateway/internal/config"
)

// LoggingMiddleware wraps handlers with access logging.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	redact := make(map[string]bool, len(cfg.RedactHeaders))
	for _, h := range cfg.RedactHeaders {
		redact[strings.ToLower(strings.TrimSpace(h))] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			entry := createLogEntry(r, rw, time.Since(start), cfg.AccessLogFormat == "json", redact)
			switch cfg.AccessLogFormat {
			case "json":
				logJSON(logger, entry)
			case "clf":
				logCLF(logger, entry)
			default:
				logDefault(logger, entry)
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// LogEntry represents a structured access log entry.
type LogEntry struct {
	Timestamp  string            `json:"timestamp"`
	RequestID  string            `json:"request_id,omitempty"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Route      string            `json:"route,omitempty"`
	RemoteAddr string            `json:"remote_addr"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Status     int               `json:"status"`
	DurationMs int64             `json:"duration_ms"`
	Bytes      int64             `json:"bytes"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func createLogEntry(r *http.Request, rw *responseWriter, duration time.Duration, withHeaders bool, redact map[string]bool) *LogEntry {
	entry := &LogEntry{
		Timestamp:  time.Now().Format(time.RFC3339),
		RequestID:  r.Header.Get("X-Request-ID"),
		Method:     r.Method,
		Path:       r.URL.Path,
		Route:      routeTemplate(r),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Status:     rw.statusCode,
		DurationMs: duration.Milliseconds(),
		Bytes:      rw.bytesWritten,
	}

	if withHeaders {
		entry.Headers = make(map[string]string, len(r.Header))
		for name, values := range r.Header {
			lower := strings.ToLower(name)
			if redact[lower] {
				entry.Headers[lower] = "[REDACTED]"
			} else {
				entry.Headers[lower] = strings.Join(values, ",")
			}
		}
	}
	return entry
}

// routeTemplate returns the matched mux route, e.g. /rooms/{roomId}/media.
func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tpl
}

// levelFor logs server errors louder than client errors.
func levelFor(status int) logrus.Level {
	switch {
	case status >= 500:
		return logrus.ErrorLevel
	case status >= 400:
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}

func logDefault(logger *logrus.Logger, entry *LogEntry) {
	fields := logrus.Fields{
		"method":      entry.Method,
		"path":        entry.Path,
		"remote_addr": entry.RemoteAddr,
		"status":      entry.Status,
		"duration_ms": entry.DurationMs,
		"bytes":       entry.Bytes,
	}
	if entry.Route != "" {
		fields["route"] = entry.Route
	}
	if entry.RequestID != "" {
		fields["request_id"] = entry.RequestID
	}
	if entry.UserAgent != "" {
		fields["user_agent"] = entry.UserAgent
	}
	logger.WithFields(fields).Log(levelFor(entry.Status), "HTTP request")
}

func logJSON(logger *logrus.Logger, entry *LogEntry) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		logDefault(logger, entry)
		return
	}
	logger.WithField("json", string(jsonData)).Log(levelFor(entry.Status), "HTTP request")
}

// logCLF logs in Common Log Format.
func logCLF(logger *logrus.Logger, entry *LogEntry) {
	clf := fmt.Sprintf(`%s - - [%s] "%s %s HTTP/1.1" %d %d`,
		entry.RemoteAddr,
		entry.Timestamp,
		entry.Method,
		entry.Path,
		entry.Status,
		entry.Bytes,
	)
	logger.WithField("clf", clf).Log(levelFor(entry.Status), "HTTP request")
}

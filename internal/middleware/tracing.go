package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Route variables copied onto spans. Media and room ids are not secret.
var spanRouteVars = []string{"roomId", "mediaId"}

// TracingMiddleware wraps handlers with OpenTelemetry server spans named after the mux route.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer("media-storage-gateway/http")
	propagator := otel.GetTextMapPropagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := routeTemplate(r)
			ctx, span := tracer.Start(ctx, spanName(r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPTarget(r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getClientKey(r)),
				),
			)
			if route != "" {
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			vars := mux.Vars(r)
			for _, name := range spanRouteVars {
				if v := vars[name]; v != "" {
					span.SetAttributes(attribute.String("media."+name, v))
				}
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}
			defer func() {
				status := rw.statusCode
				if status == 0 {
					status = http.StatusOK
				}
				span.SetAttributes(semconv.HTTPStatusCode(status))
				if status >= 500 {
					span.SetStatus(codes.Error, http.StatusText(status))
				}
				span.End()
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

func spanName(method, route string) string {
	if route == "" {
		return "HTTP " + method
	}
	return "HTTP " + method + " " + route
}

var (
	safeHeaders = []string{
		"content-type",
		"content-length",
		"accept",
		"x-request-id",
	}
	sensitiveHeaders = []string{
		"authorization",
		"cookie",
	}
)

// addHeadersToSpan records a fixed set of headers; credentials are redacted unless disabled.
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+strings.ToLower(header), value))
	}
}

// tracingResponseWriter captures the status code for the span.
type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

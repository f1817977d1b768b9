package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// errSlot holds the error a handler reported for the current request so the
// completion log can carry it. One slot per request, last write wins.
type errSlot struct{ err error }

type errSlotKey struct{}

// RequestIDMiddleware tags every request with an identifier. A caller-supplied
// X-Request-ID is kept so a client can correlate its own retries; otherwise a
// fresh req_-prefixed ID is minted, and either way the header is echoed back.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = "req_" + uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request's identifier, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// LoggingMiddleware emits one structured line per completed request. Requests
// here can block for a whole model turn, so the useful signal is the outcome
// and duration, not the arrival; there is no separate start log.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			slot := &errSlot{}
			ctx := context.WithValue(r.Context(), errSlotKey{}, slot)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r.WithContext(ctx))

			attrs := []slog.Attr{
				slog.String("request_id", GetRequestID(ctx)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
			}
			if slot.err != nil {
				attrs = append(attrs, slog.String("error", slot.err.Error()))
			}
			logger.LogAttrs(ctx, slog.LevelInfo, "request completed", attrs...)
		})
	}
}

// AddError records err against the current request so LoggingMiddleware
// includes it in the completion log. No-op when err is nil or the middleware
// is not installed.
func AddError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if slot, ok := ctx.Value(errSlotKey{}).(*errSlot); ok {
		slot.err = err
	}
}

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// TimeoutMiddleware bounds each request with a context deadline. The deadline
// is cooperative: an agent turn already submitted upstream runs to completion,
// and the outbound HTTP call observes the cancelled context.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"demosplus/internal/auth"
	"demosplus/internal/metrics"

	"github.com/go-chi/chi"
)

type contextKey string

const UserContextKey contextKey = "claims"

var ErrNoUser = errors.New("user not found in context")

// ExtractUserFromContext returns the session claims stored by Auth.
func ExtractUserFromContext(r *http.Request) (*auth.Claims, int64, error) {
	claims, ok := r.Context().Value(UserContextKey).(*auth.Claims)
	if !ok {
		return nil, 0, ErrNoUser
	}
	id, err := claims.UserID()
	if err != nil {
		return nil, 0, ErrNoUser
	}
	return claims, id, nil
}

type (
	responseData struct {
		status int
		size   int
	}
	loggingResponseWriter struct {
		http.ResponseWriter
		responseData *responseData
	}
)

func (r *loggingResponseWriter) Write(b []byte) (int, error) {
	if r.responseData.status == 0 {
		r.responseData.status = http.StatusOK
	}
	size, err := r.ResponseWriter.Write(b)
	r.responseData.size += size
	return size, err
}

func (r *loggingResponseWriter) WriteHeader(statusCode int) {
	r.ResponseWriter.WriteHeader(statusCode)
	r.responseData.status = statusCode
}

// LoggingMiddleware logs every request and records its HTTP metrics.
func LoggingMiddleware(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			responseData := &responseData{}
			lw := &loggingResponseWriter{
				ResponseWriter: w,
				responseData:   responseData,
			}
			next.ServeHTTP(lw, r)
			duration := time.Since(start)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(responseData.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(duration.Seconds())

			log.Info("Request handled",
				"uri", r.RequestURI,
				"method", r.Method,
				"status", fmt.Sprintf("%v: %v", responseData.status, http.StatusText(responseData.status)),
				slog.Duration("duration", duration),
				"size", responseData.size,
			)
		})
	}
}

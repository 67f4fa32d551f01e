package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/id/uuid"
	"github.com/JakeFAU/linewatch/internal/telemetry"
)

type requestIDKey struct{}

// RequestID returns the ID assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

var requestIDs = uuid.New()

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := requestIDs.MustID()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("trace_id", telemetry.TraceID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("request_id", RequestID(r.Context())))
					writeError(w, http.StatusInternalServerError, codeInternal, "予期しないエラーが発生しました。", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// timeoutMiddleware answers requests that outlive d with a 503 in the error
// envelope. The handler's context is cancelled at the deadline.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	body, _ := json.Marshal(envelope{
		Success: false,
		Error:   codeTimeout,
		Message: "リクエストがタイムアウトしました。しばらく時間をおいてから再度お試しください。",
	})
	return func(next http.Handler) http.Handler {
		th := http.TimeoutHandler(next, d, string(body))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			th.ServeHTTP(&timeoutWriter{ResponseWriter: w}, r)
		})
	}
}

// timeoutWriter labels the TimeoutHandler's own 503 as JSON. Responses from
// the wrapped handler arrive with their headers already copied.
type timeoutWriter struct {
	http.ResponseWriter
}

func (w *timeoutWriter) WriteHeader(code int) {
	if code == http.StatusServiceUnavailable && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.ResponseWriter.WriteHeader(code)
}

func corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			next.ServeHTTP(w, r)
		})
	}
}

// bearerAuthMiddleware rejects requests whose bearer token does not match.
// Every failure produces the same response.
func bearerAuthMiddleware(token func() string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorized(r.Header.Get("Authorization"), token()) {
				logger.Warn("unauthorized request",
					zap.String("path", r.URL.Path),
					zap.Bool("has_auth_header", r.Header.Get("Authorization") != ""),
				)
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "認証に失敗しました。", logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorized(header, expected string) bool {
	if expected == "" {
		return false
	}
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

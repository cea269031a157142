package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/nvr-ai/go-petid/pipeline"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestIDFrom returns the request ID set by RequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID ensures every request has an X-Request-ID in its context and
// in the response header. A client-supplied ID is propagated.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLog attaches a request-scoped logger to the context and logs one
// line per request once it completes.
func AccessLog(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := log.WithField("request_id", RequestIDFrom(r.Context()))
			ctx := pipeline.WithLogger(r.Context(), reqLog)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := reqLog.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   status,
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			})
			switch {
			case status >= http.StatusInternalServerError:
				entry.Warn("request")
			default:
				entry.Info("request")
			}
		})
	}
}

// MaxBody limits request bodies to maxBytes. Handlers see a
// *http.MaxBytesError when reading past it and answer 413. Zero or
// negative disables the limit.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeProblem(w, Problem{
					Type:      "about:blank",
					Title:     http.StatusText(http.StatusRequestEntityTooLarge),
					Status:    http.StatusRequestEntityTooLarge,
					Detail:    fmt.Sprintf("request body exceeds %d bytes", maxBytes),
					Instance:  r.URL.Path,
					RequestID: RequestIDFrom(r.Context()),
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit answers 429 once the shared token bucket is empty. A nil
// limiter disables limiting.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				retry := 1.0
				if l := float64(limiter.Limit()); l > 0 {
					retry = math.Ceil(1 / l)
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
				writeProblem(w, Problem{
					Type:      "about:blank",
					Title:     http.StatusText(http.StatusTooManyRequests),
					Status:    http.StatusTooManyRequests,
					Detail:    "rate limit exceeded",
					Instance:  r.URL.Path,
					RequestID: RequestIDFrom(r.Context()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Recover turns a handler panic into a logged 500 problem.
func Recover(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				pipeline.LoggerFrom(r.Context(), log).WithFields(logrus.Fields{
					"panic": fmt.Sprint(rec),
					"stack": string(debug.Stack()),
				}).Error("handler panic")
				writeProblem(w, Problem{
					Type:      "about:blank",
					Title:     http.StatusText(http.StatusInternalServerError),
					Status:    http.StatusInternalServerError,
					Detail:    "internal error",
					Instance:  r.URL.Path,
					RequestID: RequestIDFrom(r.Context()),
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

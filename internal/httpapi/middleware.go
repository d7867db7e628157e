package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/fluxgate/realtime/internal/apierr"
	"github.com/fluxgate/realtime/internal/domain"
)

// withRequestID stamps every request with a request ID, used both for the
// error envelope's request_id and for structured logging correlation.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRecover converts a panicking handler into a 500 response instead of
// taking down the process.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("httpapi: panic recovered", "panic", rec, "path", r.URL.Path)
				s.writeError(w, r, apierr.New(apierr.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withLogging emits one structured log line per request.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("httpapi: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFrom(r.Context()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withAuth authenticates the request and requires a single scope before
// calling next.
func (s *Server) withAuth(required domain.Scope, next http.HandlerFunc) http.HandlerFunc {
	return s.withAuthAny(next, required)
}

// withAuthAny authenticates the request and requires at least one of the
// given scopes — used by /billing/usage, which accepts either BillingRead
// or AdminRead.
func (s *Server) withAuthAny(next http.HandlerFunc, anyOf ...domain.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, err := s.auth.Authenticate(r.Context(), r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ok := false
		for _, sc := range anyOf {
			if auth.Scopes.Has(sc) {
				ok = true
				break
			}
		}
		if !ok {
			s.writeError(w, r, apierr.New(apierr.CodeInsufficientScope, "missing required scope"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAuth, auth)
		next(w, r.WithContext(ctx))
	}
}

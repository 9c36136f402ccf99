// Copyright 2025 James Ross
package analyticscapture

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joeflack4/genonaut-sub002/internal/eventbuffer"
	"go.uber.org/zap"
)

// paginationKeys are stripped from query_params_normalized (§4.H step 5);
// they vary per request without changing a route's behavior profile, so
// keeping them would fragment the hourly rollup's grouping key.
var paginationKeys = map[string]bool{
	"page": true, "offset": true, "limit": true, "cursor": true,
}

// Middleware records one event-buffer entry per HTTP request under
// /api/: route, method, user id, status, durations, sizes, error
// category, and normalized query parameters. It disables itself if Redis
// was unreachable at startup, so a down analytics backend never takes the
// API down with it. Swallows all of its own errors per §4.H step 7 —
// analytics must never fail a request.
type Middleware struct {
	buf      *eventbuffer.Buffer
	log      *zap.Logger
	disabled atomic.Bool
}

func New(buf *eventbuffer.Buffer, log *zap.Logger) *Middleware {
	return &Middleware{buf: buf, log: log}
}

// Disable turns off capture entirely; called once at startup if the
// initial Redis ping fails, matching the original's self-disabling
// behavior rather than degrading every request with timeouts.
func (m *Middleware) Disable() { m.disabled.Store(true) }

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled.Load() || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		reqSize := r.ContentLength
		if reqSize < 0 {
			reqSize = 0
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		route := routeTemplate(r)
		go m.capture(r, route, rec.status, rec.bytesWritten, reqSize, duration)
	})
}

func (m *Middleware) capture(r *http.Request, route string, status int, respSize, reqSize int64, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	normalized, err := normalizeQuery(r.URL.Query())
	if err != nil {
		m.log.Warn("normalize query params failed", zap.Error(err))
		normalized = "{}"
	}

	_, err = m.buf.Append(ctx, "route_analytics", map[string]interface{}{
		"route":                   route,
		"method":                  r.Method,
		"user_id":                 userID(r),
		"status_code":             status,
		"duration_ms":             duration.Milliseconds(),
		"request_size_bytes":      reqSize,
		"response_size_bytes":     respSize,
		"error_category":          errorCategory(status),
		"query_params_normalized": normalized,
		"timestamp":               time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		m.log.Warn("analytics capture append failed", zap.Error(err))
	}
}

// routeTemplate returns the gorilla/mux route template registered for this
// request when the router set one in context, falling back to the raw path.
func routeTemplate(r *http.Request) string {
	if tmpl, ok := r.Context().Value(routeTemplateKey{}).(string); ok && tmpl != "" {
		return tmpl
	}
	return r.URL.Path
}

type routeTemplateKey struct{}

// WithRouteTemplate stashes the matched route template in the request
// context; call it from a gorilla/mux route's handler wrapper before the
// capture middleware reads it.
func WithRouteTemplate(r *http.Request, tmpl string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), routeTemplateKey{}, tmpl))
}

type userIDKey struct{}

// WithUserID stashes the authenticated caller's user id in the request
// context; call it from an auth layer ahead of the capture middleware.
func WithUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID))
}

// userID derives the caller's user id from request state set by an auth
// layer, falling back to the X-User-ID header as a testing convenience
// (§4.H step 4); empty string when neither is present.
func userID(r *http.Request) string {
	if uid, ok := r.Context().Value(userIDKey{}).(string); ok && uid != "" {
		return uid
	}
	return r.Header.Get("X-User-ID")
}

// errorCategory classifies a response status the way §4.H step 3 does:
// server errors, client errors, or none for everything else.
func errorCategory(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return ""
	}
}

// normalizeQuery JSON-encodes the query string with single-valued keys
// unwrapped and pagination keys removed (§4.H step 5, §8 boundary
// behavior). Repeated keys keep only their first value; a query string has
// no documented contract for arrays of values, and this simplification is
// sufficient for the distributional bucketing rollup groups on.
func normalizeQuery(q url.Values) (string, error) {
	out := make(map[string]string, len(q))
	for k, v := range q {
		if paginationKeys[k] || len(v) == 0 {
			continue
		}
		out[k] = v[0]
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type statusRecorder struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytesWritten += int64(n)
	return n, err
}

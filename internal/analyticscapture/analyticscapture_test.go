// Copyright 2025 James Ross
package analyticscapture

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/eventbuffer"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMiddleware(t *testing.T) (*Middleware, *eventbuffer.Buffer) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.Config{Redis: config.Redis{Namespace: "test"}}
	buf := eventbuffer.New(cfg, rdb)
	return New(buf, zap.NewNop()), buf
}

func TestWrapCapturesRequest(t *testing.T) {
	m, buf := newTestMiddleware(t)
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs?foo=1", nil)
	req = WithUserID(req, "42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Eventually(t, func() bool {
		msgs, err := buf.Range(context.Background(), "route_analytics", "0-0", 10)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := buf.Range(context.Background(), "route_analytics", "0-0", 10)
	require.NoError(t, err)
	require.Equal(t, "/api/v1/jobs", msgs[0].Values["route"])
	require.Equal(t, "POST", msgs[0].Values["method"])
	require.Equal(t, "42", msgs[0].Values["user_id"])
	require.Equal(t, "5", msgs[0].Values["response_size_bytes"])
	require.Equal(t, "", msgs[0].Values["error_category"])
}

func TestWrapCapturesUserIDFromHeaderFallback(t *testing.T) {
	m, buf := newTestMiddleware(t)
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("X-User-ID", "99")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Eventually(t, func() bool {
		msgs, err := buf.Range(context.Background(), "route_analytics", "0-0", 10)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := buf.Range(context.Background(), "route_analytics", "0-0", 10)
	require.NoError(t, err)
	require.Equal(t, "99", msgs[0].Values["user_id"])
}

func TestWrapCapturesErrorCategory(t *testing.T) {
	m, buf := newTestMiddleware(t)
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Eventually(t, func() bool {
		msgs, err := buf.Range(context.Background(), "route_analytics", "0-0", 10)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := buf.Range(context.Background(), "route_analytics", "0-0", 10)
	require.NoError(t, err)
	require.Equal(t, "server_error", msgs[0].Values["error_category"])
}

func TestDisableStopsCapture(t *testing.T) {
	m, buf := newTestMiddleware(t)
	m.Disable()
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	time.Sleep(100 * time.Millisecond)
	msgs, err := buf.Range(context.Background(), "route_analytics", "0-0", 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestWrapDoesNotDropEventsUnderBurst(t *testing.T) {
	m, buf := newTestMiddleware(t)
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	const n = 650
	for i := 0; i < n; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	require.Eventually(t, func() bool {
		msgs, err := buf.Range(context.Background(), "route_analytics", "0-0", n+1)
		return err == nil && len(msgs) == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNormalizeQueryStripsPaginationKeysAndKeepsValues(t *testing.T) {
	q, err := url.ParseQuery("page=2&page_size=10&sort=created_at")
	require.NoError(t, err)

	got, err := normalizeQuery(q)
	require.NoError(t, err)
	require.JSONEq(t, `{"page_size":"10","sort":"created_at"}`, got)
}

func TestNormalizeQueryStripsAllPaginationKeys(t *testing.T) {
	q, err := url.ParseQuery("page=2&offset=20&limit=10&cursor=abc&kind=image")
	require.NoError(t, err)

	got, err := normalizeQuery(q)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"image"}`, got)
}

func TestNormalizeQueryEmpty(t *testing.T) {
	got, err := normalizeQuery(url.Values{})
	require.NoError(t, err)
	require.JSONEq(t, `{}`, got)
}

func TestErrorCategory(t *testing.T) {
	require.Equal(t, "server_error", errorCategory(http.StatusInternalServerError))
	require.Equal(t, "server_error", errorCategory(http.StatusBadGateway))
	require.Equal(t, "client_error", errorCategory(http.StatusNotFound))
	require.Equal(t, "client_error", errorCategory(http.StatusBadRequest))
	require.Equal(t, "", errorCategory(http.StatusOK))
	require.Equal(t, "", errorCategory(http.StatusFound))
}

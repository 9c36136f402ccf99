// Copyright 2025 James Ross
package progressrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/progressbus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *progressbus.Bus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.Config{Redis: config.Redis{Namespace: "test"}}
	bus := progressbus.New(cfg, rdb)
	relay := New(bus, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/jobs/42", func(w http.ResponseWriter, r *http.Request) {
		relay.ServeJob(w, r, 42)
	})
	mux.HandleFunc("/ws/jobs", relay.ServeMultiJob)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, bus
}

func TestServeJobSendsConnectionGreeting(t *testing.T) {
	srv, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/42"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var greeting map[string]interface{}
	require.NoError(t, conn.ReadJSON(&greeting))
	require.Equal(t, "connection", greeting["type"])
	require.Equal(t, float64(42), greeting["job_id"])
	require.Equal(t, "connected", greeting["status"])
}

func TestServeJobRelaysPublishedMessages(t *testing.T) {
	srv, bus := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/42"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var greeting map[string]interface{}
	require.NoError(t, conn.ReadJSON(&greeting))

	time.Sleep(50 * time.Millisecond) // let the relay's subscribe goroutine attach
	require.NoError(t, bus.PublishStarted(context.Background(), 42))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "started", msg["status"])
}

func TestServeJobRespondsToPing(t *testing.T) {
	srv, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/42"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var greeting map[string]interface{}
	require.NoError(t, conn.ReadJSON(&greeting))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong map[string]interface{}
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, "pong", pong["type"])
}

func TestServeMultiJobRejectsNoIDs(t *testing.T) {
	srv, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "No valid job IDs provided", msg["error"])
}

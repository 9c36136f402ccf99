// Copyright 2025 James Ross
package progressrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/joeflack4/genonaut-sub002/internal/obs"
	"github.com/joeflack4/genonaut-sub002/internal/progressbus"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Relay bridges the Redis progress bus to WebSocket clients: each
// connection subscribes to one or more job channels and streams every
// published message to the browser verbatim, while answering client pings.
type Relay struct {
	bus *progressbus.Bus
	log *zap.Logger
}

func New(bus *progressbus.Bus, log *zap.Logger) *Relay {
	return &Relay{bus: bus, log: log}
}

// ServeJob handles GET /ws/jobs/{id}, relaying a single job's progress.
func (r *Relay) ServeJob(w http.ResponseWriter, req *http.Request, jobID int64) {
	r.serve(w, req, []int64{jobID})
}

// ServeMultiJob handles GET /ws/jobs?ids=1,2,3, relaying several jobs'
// progress over one connection.
func (r *Relay) ServeMultiJob(w http.ResponseWriter, req *http.Request) {
	raw := req.URL.Query().Get("ids")
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(map[string]string{"error": "No valid job IDs provided"})
		return
	}
	r.serve(w, req, ids)
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request, jobIDs []int64) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", obs.Err(err))
		return
	}
	defer conn.Close()

	for _, id := range jobIDs {
		greeting := map[string]interface{}{"type": "connection", "job_id": id, "status": "connected"}
		if err := conn.WriteJSON(greeting); err != nil {
			return
		}
	}

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	sub := r.bus.Subscribe(ctx, jobIDs...)
	defer sub.Close()

	obs.ProgressBusSubscribers.Inc()
	defer obs.ProgressBusSubscribers.Dec()

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload))
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			writeMu.Lock()
			_ = conn.WriteJSON(map[string]string{"type": "pong"})
			writeMu.Unlock()
		}
	}

	cancel()
	wg.Wait()
}

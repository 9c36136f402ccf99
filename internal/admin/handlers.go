// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/joeflack4/genonaut-sub002/internal/cachepriority"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/jobstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler holds the API handler dependencies.
type Handler struct {
	cfg      *config.Config
	apiCfg   *Config
	rdb      *redis.Client
	store    *jobstore.Store
	analyzer *cachepriority.Analyzer
	logger   *zap.Logger
	auditLog *AuditLogger
}

func NewHandler(cfg *config.Config, apiCfg *Config, rdb *redis.Client, store *jobstore.Store, analyzer *cachepriority.Analyzer, logger *zap.Logger, auditLog *AuditLogger) *Handler {
	return &Handler{
		cfg:      cfg,
		apiCfg:   apiCfg,
		rdb:      rdb,
		store:    store,
		analyzer: analyzer,
		logger:   logger,
		auditLog: auditLog,
	}
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := Stats(ctx, h.cfg, h.rdb, h.store)
	if err != nil {
		h.logger.Error("failed to get stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STATS_ERROR", "failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		QueueLength:     stats.QueueLength,
		DeadLetterCount: stats.DeadLetterCount,
		StatusCounts:    stats.StatusCounts,
		Timestamp:       time.Now(),
	})
}

// GetStatsKeys handles GET /api/v1/stats/keys
func (h *Handler) GetStatsKeys(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := StatsKeys(ctx, h.cfg, h.rdb)
	if err != nil {
		h.logger.Error("failed to get stats keys", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STATS_ERROR", "failed to retrieve key statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsKeysResponse{
		QueueKey:         stats.QueueKey,
		QueueLength:      stats.QueueLength,
		DeadLetterKey:    stats.DeadLetterKey,
		DeadLetterLength: stats.DeadLetterLength,
		Timestamp:        time.Now(),
	})
}

// PeekQueue handles GET /api/v1/queues/peek
func (h *Handler) PeekQueue(w http.ResponseWriter, r *http.Request) {
	count := 10
	if c := r.URL.Query().Get("count"); c != "" {
		if n, err := strconv.Atoi(c); err == nil && n > 0 && n <= 100 {
			count = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := Peek(ctx, h.cfg, h.rdb, int64(count))
	if err != nil {
		h.logger.Error("failed to peek queue", zap.Error(err))
		writeError(w, http.StatusBadRequest, "PEEK_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, PeekResponse{
		Queue:     result.Queue,
		Items:     result.Items,
		Count:     len(result.Items),
		Timestamp: time.Now(),
	})
}

// PurgeDLQ handles DELETE /api/v1/queues/dlq
func (h *Handler) PurgeDLQ(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	if req.Confirmation != h.apiCfg.ConfirmationPhrase {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED",
			fmt.Sprintf("confirmation phrase must be %q", h.apiCfg.ConfirmationPhrase))
		return
	}
	if len(req.Reason) < 3 {
		writeError(w, http.StatusBadRequest, "REASON_REQUIRED", "a valid reason is required for this operation")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	dlqLen, _ := h.rdb.LLen(ctx, h.cfg.Worker.DeadLetterList).Result()

	if err := PurgeDLQ(ctx, h.cfg, h.rdb); err != nil {
		h.logger.Error("failed to purge dlq", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "PURGE_ERROR", "failed to purge dead letter queue")
		return
	}

	h.audit(r, "PURGE_DLQ", h.cfg.Worker.DeadLetterList, req.Reason, map[string]interface{}{"items_deleted": dlqLen})

	writeJSON(w, http.StatusOK, PurgeResponse{
		Success:      true,
		ItemsDeleted: dlqLen,
		Message:      fmt.Sprintf("purged %d items from dead letter queue", dlqLen),
		Timestamp:    time.Now(),
	})
}

// PurgeAll handles DELETE /api/v1/queues/all
func (h *Handler) PurgeAll(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	expected := h.apiCfg.ConfirmationPhrase + "_ALL"
	if req.Confirmation != expected {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED",
			fmt.Sprintf("confirmation phrase must be %q for purging all queues", expected))
		return
	}
	if len(req.Reason) < 10 {
		writeError(w, http.StatusBadRequest, "REASON_REQUIRED", "a detailed reason (min 10 chars) is required for this operation")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	deleted, err := PurgeAll(ctx, h.cfg, h.rdb)
	if err != nil {
		h.logger.Error("failed to purge all", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "PURGE_ERROR", "failed to purge all queues")
		return
	}

	h.audit(r, "PURGE_ALL", "ALL_QUEUES", req.Reason, map[string]interface{}{"keys_deleted": deleted})

	writeJSON(w, http.StatusOK, PurgeResponse{
		Success:      true,
		ItemsDeleted: deleted,
		Message:      fmt.Sprintf("purged %d keys from all queues", deleted),
		Timestamp:    time.Now(),
	})
}

// RunBenchmark handles POST /api/v1/bench
func (h *Handler) RunBenchmark(w http.ResponseWriter, r *http.Request) {
	var req BenchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Count <= 0 || req.Count > 10000 {
		writeError(w, http.StatusBadRequest, "INVALID_COUNT", "count must be between 1 and 10000")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 40*time.Second)
	defer cancel()

	result, err := Bench(ctx, h.cfg, h.rdb, req.Count, req.PayloadSize)
	if err != nil {
		h.logger.Error("failed to run benchmark", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "BENCH_ERROR", "failed to run benchmark")
		return
	}

	h.audit(r, "RUN_BENCHMARK", "queue", "", map[string]interface{}{
		"count":      req.Count,
		"throughput": result.Throughput,
	})

	writeJSON(w, http.StatusOK, BenchResponse{
		Count:      result.Count,
		Duration:   result.Duration,
		Throughput: result.Throughput,
		Timestamp:  time.Now(),
	})
}

// CachePriorities handles GET /api/v1/analytics/routes/cache-priorities
func (h *Handler) CachePriorities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	system := q.Get("system")
	if system == "" {
		system = "absolute"
	}
	n := intParam(q, "n", 20)
	lookbackDays := intParam(q, "days", 7)
	minRequests := intParam(q, "min_requests", 0)
	minLatencyMs := intParam(q, "min_latency", 0)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rows, total, err := CachePriorities(ctx, h.analyzer, system, n, lookbackDays, minRequests, minLatencyMs)
	if err != nil {
		h.logger.Error("failed to compute cache priorities", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ANALYTICS_ERROR", "failed to compute cache priorities")
		return
	}

	writeJSON(w, http.StatusOK, CachePrioritiesResponse{
		System:       system,
		LookbackDays: lookbackDays,
		Routes:       rows,
		TotalRoutes:  total,
	})
}

// PerformanceTrends handles GET /api/v1/analytics/routes/performance-trends
func (h *Handler) PerformanceTrends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	route := q.Get("route")
	if route == "" {
		writeError(w, http.StatusBadRequest, "ROUTE_REQUIRED", "route query parameter is required")
		return
	}
	days := intParam(q, "days", 7)
	granularity := q.Get("granularity")
	hourly := granularity != "daily"
	if !hourly {
		granularity = "daily"
	} else {
		granularity = "hourly"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	trends, err := h.analyzer.PerformanceTrends(ctx, route, days, hourly)
	if err != nil {
		h.logger.Error("failed to compute performance trends", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ANALYTICS_ERROR", "failed to compute performance trends")
		return
	}

	writeJSON(w, http.StatusOK, PerformanceTrendsResponse{
		Route:        route,
		Granularity:  granularity,
		LookbackDays: days,
		DataPoints:   len(trends),
		Trends:       trends,
	})
}

// PeakHours handles GET /api/v1/analytics/routes/peak-hours
func (h *Handler) PeakHours(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	route := q.Get("route")
	if route == "" {
		writeError(w, http.StatusBadRequest, "ROUTE_REQUIRED", "route query parameter is required")
		return
	}
	days := intParam(q, "days", 30)
	minRequests := intParam(q, "min_requests", 10)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	peaks, err := h.analyzer.PeakHours(ctx, route, days, minRequests)
	if err != nil {
		h.logger.Error("failed to compute peak hours", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ANALYTICS_ERROR", "failed to compute peak hours")
		return
	}

	writeJSON(w, http.StatusOK, PeakHoursResponse{
		Route:                route,
		LookbackDays:         days,
		MinRequestsThreshold: minRequests,
		TotalPatterns:        len(peaks),
		PeakHours:            peaks,
	})
}

func (h *Handler) audit(r *http.Request, action, resource, reason string, details map[string]interface{}) {
	if h.auditLog == nil {
		return
	}
	entry := AuditEntry{
		ID:        generateID(),
		Timestamp: time.Now(),
		Action:    action,
		Resource:  resource,
		Result:    "SUCCESS",
		Reason:    reason,
		Details:   details,
		IP:        getClientIP(r),
		UserAgent: r.UserAgent(),
	}
	if claims, ok := r.Context().Value(contextKeyClaims).(*Claims); ok {
		entry.User = claims.Subject
	}
	h.auditLog.Log(entry)
}

func intParam(q map[string][]string, key string, def int) int {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return def
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

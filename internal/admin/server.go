// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/joeflack4/genonaut-sub002/internal/cachepriority"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/jobstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Server is the admin/operator HTTP surface: queue introspection, purge
// operations, synthetic benchmarking, and the cache-priority analytics
// reads, behind the auth/rate-limit/audit/CORS middleware chain.
type Server struct {
	cfg      *Config
	appCfg   *config.Config
	rdb      *redis.Client
	store    *jobstore.Store
	analyzer *cachepriority.Analyzer
	logger   *zap.Logger
	server   *http.Server
	auditLog *AuditLogger
}

func NewServer(cfg *Config, appCfg *config.Config, rdb *redis.Client, store *jobstore.Store, analyzer *cachepriority.Analyzer, logger *zap.Logger) (*Server, error) {
	var auditLog *AuditLogger
	var err error

	if cfg.AuditEnabled {
		auditLog, err = NewAuditLogger(cfg.AuditLogPath, cfg.AuditRotateSize, cfg.AuditMaxBackups)
		if err != nil {
			return nil, fmt.Errorf("create audit logger: %w", err)
		}
	}

	return &Server{
		cfg:      cfg,
		appCfg:   appCfg,
		rdb:      rdb,
		store:    store,
		analyzer: analyzer,
		logger:   logger,
		auditLog: auditLog,
	}, nil
}

func (s *Server) Start() error {
	handler := s.applyMiddleware(s.SetupRoutes())

	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("starting admin API server",
		zap.String("addr", s.cfg.ListenAddr),
		zap.Bool("auth_enabled", s.cfg.RequireAuth),
		zap.Bool("rate_limit_enabled", s.cfg.RateLimitEnabled))

	if s.cfg.TLSEnabled {
		return s.server.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.auditLog != nil {
		s.auditLog.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// SetupRoutes configures the API routes (exported for testing).
func (s *Server) SetupRoutes() http.Handler {
	r := mux.NewRouter()
	h := NewHandler(s.appCfg, s.cfg, s.rdb, s.store, s.analyzer, s.logger, s.auditLog)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/stats/keys", h.GetStatsKeys).Methods(http.MethodGet)
	api.HandleFunc("/queues/peek", h.PeekQueue).Methods(http.MethodGet)
	api.HandleFunc("/queues/dlq", h.PurgeDLQ).Methods(http.MethodDelete)
	api.HandleFunc("/queues/all", h.PurgeAll).Methods(http.MethodDelete)
	api.HandleFunc("/bench", h.RunBenchmark).Methods(http.MethodPost)
	api.HandleFunc("/analytics/routes/cache-priorities", h.CachePriorities).Methods(http.MethodGet)
	api.HandleFunc("/analytics/routes/performance-trends", h.PerformanceTrends).Methods(http.MethodGet)
	api.HandleFunc("/analytics/routes/peak-hours", h.PeakHours).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found")
	})

	return r
}

// applyMiddleware wraps handler in the recovery/request-id/cors/audit/
// rate-limit/auth chain, innermost first, so auth (when enabled) sees a
// request before the others.
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	handler = RecoveryMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware()(handler)

	if s.cfg.CORSEnabled {
		handler = CORSMiddleware(s.cfg.CORSAllowOrigins)(handler)
	}
	if s.cfg.AuditEnabled && s.auditLog != nil {
		handler = AuditMiddleware(s.auditLog, s.logger)(handler)
	}
	if s.cfg.RateLimitEnabled {
		handler = RateLimitMiddleware(s.cfg.RateLimitPerMinute, s.cfg.RateLimitBurst, s.logger)(handler)
	}
	if s.cfg.RequireAuth {
		handler = AuthMiddleware(s.cfg.JWTSecret, s.cfg.DenyByDefault, s.logger)(handler)
	}
	return handler
}

// Copyright 2025 James Ross
package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	cfg, rdb, store := newTestDeps(t)
	apiCfg := DefaultConfig()
	return NewHandler(cfg, apiCfg, rdb, store, nil, zap.NewNop(), nil)
}

func doJSON(h http.HandlerFunc, method, target string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestGetStatsReturnsQueueLength(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(h.GetStats, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(0), resp.QueueLength)
}

func TestPurgeDLQRejectsWrongConfirmationPhrase(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(h.PurgeDLQ, http.MethodDelete, "/api/v1/queues/dlq", PurgeRequest{
		Confirmation: "nope",
		Reason:       "cleanup",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "CONFIRMATION_FAILED", resp.Code)
}

func TestPurgeDLQRejectsShortReason(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(h.PurgeDLQ, http.MethodDelete, "/api/v1/queues/dlq", PurgeRequest{
		Confirmation: h.apiCfg.ConfirmationPhrase,
		Reason:       "ok",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "REASON_REQUIRED", resp.Code)
}

func TestPurgeDLQSucceedsWithValidConfirmation(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(h.PurgeDLQ, http.MethodDelete, "/api/v1/queues/dlq", PurgeRequest{
		Confirmation: h.apiCfg.ConfirmationPhrase,
		Reason:       "routine cleanup",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PurgeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
}

func TestPurgeAllRequiresStricterConfirmationPhrase(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(h.PurgeAll, http.MethodDelete, "/api/v1/queues/all", PurgeRequest{
		Confirmation: h.apiCfg.ConfirmationPhrase,
		Reason:       "a sufficiently long reason",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "CONFIRMATION_FAILED", resp.Code)
}

func TestPurgeAllRequiresLongerReasonThanPurgeDLQ(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(h.PurgeAll, http.MethodDelete, "/api/v1/queues/all", PurgeRequest{
		Confirmation: h.apiCfg.ConfirmationPhrase + "_ALL",
		Reason:       "short",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "REASON_REQUIRED", resp.Code)
}

func TestRunBenchmarkRejectsOutOfRangeCount(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(h.RunBenchmark, http.MethodPost, "/api/v1/bench", BenchRequest{Count: 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(h.RunBenchmark, http.MethodPost, "/api/v1/bench", BenchRequest{Count: 100000})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunBenchmarkSucceedsWithValidCount(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(h.RunBenchmark, http.MethodPost, "/api/v1/bench", BenchRequest{Count: 5})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BenchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 5, resp.Count)
}

func TestPerformanceTrendsRequiresRouteParam(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/routes/performance-trends", nil)
	rec := httptest.NewRecorder()
	h.PerformanceTrends(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ROUTE_REQUIRED", resp.Code)
}

func TestPeakHoursRequiresRouteParam(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/routes/peak-hours", nil)
	rec := httptest.NewRecorder()
	h.PeakHours(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ROUTE_REQUIRED", resp.Code)
}

func TestIntParamFallsBackToDefaultOnMissingOrInvalid(t *testing.T) {
	require.Equal(t, 7, intParam(map[string][]string{}, "days", 7))
	require.Equal(t, 7, intParam(map[string][]string{"days": {"not-a-number"}}, "days", 7))
	require.Equal(t, 30, intParam(map[string][]string{"days": {"30"}}, "days", 7))
}

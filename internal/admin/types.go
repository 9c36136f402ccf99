// Copyright 2025 James Ross
package adminapi

import "time"

// Request types

type PurgeRequest struct {
	Confirmation string `json:"confirmation" validate:"required"`
	Reason       string `json:"reason" validate:"required,min=3,max=500"`
}

type BenchRequest struct {
	Count       int `json:"count" validate:"required,min=1,max=10000"`
	PayloadSize int `json:"payload_size_bytes" validate:"min=0,max=1048576"`
}

// Response types

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type StatsResponse struct {
	QueueLength     int64            `json:"queue_length"`
	DeadLetterCount int64            `json:"dead_letter_count"`
	StatusCounts    map[string]int64 `json:"status_counts"`
	Timestamp       time.Time        `json:"timestamp"`
}

type StatsKeysResponse struct {
	QueueKey          string    `json:"queue_key"`
	QueueLength       int64     `json:"queue_length"`
	DeadLetterKey     string    `json:"dead_letter_key"`
	DeadLetterLength  int64     `json:"dead_letter_length"`
	Timestamp         time.Time `json:"timestamp"`
}

type PeekResponse struct {
	Queue     string    `json:"queue"`
	Items     []string  `json:"items"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

type PurgeResponse struct {
	Success      bool      `json:"success"`
	ItemsDeleted int64     `json:"items_deleted"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

type BenchResponse struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
	Timestamp  time.Time     `json:"timestamp"`
}

// CachePrioritiesResponse mirrors the original /analytics/routes/cache-priorities
// payload shape (system is "absolute" or "relative").
type CachePrioritiesResponse struct {
	System      string      `json:"system"`
	LookbackDays int        `json:"lookback_days"`
	Routes       interface{} `json:"routes"`
	TotalRoutes  int         `json:"total_routes"`
}

type PerformanceTrendsResponse struct {
	Route        string      `json:"route"`
	Granularity  string      `json:"granularity"`
	LookbackDays int         `json:"lookback_days"`
	DataPoints   int         `json:"data_points"`
	Trends       interface{} `json:"trends"`
}

type PeakHoursResponse struct {
	Route                string      `json:"route"`
	LookbackDays          int         `json:"lookback_days"`
	MinRequestsThreshold  int         `json:"min_requests_threshold"`
	TotalPatterns         int         `json:"total_patterns"`
	PeakHours             interface{} `json:"peak_hours"`
}

// Audit log entry

type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	User      string                 `json:"user"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Result    string                 `json:"result"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	IP        string                 `json:"ip"`
	UserAgent string                 `json:"user_agent"`
}

// JWT claims

type Claims struct {
	Subject   string   `json:"sub"`
	Roles     []string `json:"roles"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
}

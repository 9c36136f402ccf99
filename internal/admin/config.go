// Copyright 2025 James Ross
package adminapi

import "time"

// Config holds the admin API's own server/security settings, separate
// from the application Config (internal/config) that the handlers query
// against.
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	JWTSecret     string `mapstructure:"jwt_secret"`
	RequireAuth   bool   `mapstructure:"require_auth"`
	DenyByDefault bool   `mapstructure:"deny_by_default"`

	RateLimitEnabled   bool          `mapstructure:"rate_limit_enabled"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window"`

	AuditEnabled    bool   `mapstructure:"audit_enabled"`
	AuditLogPath    string `mapstructure:"audit_log_path"`
	AuditRotateSize int64  `mapstructure:"audit_rotate_size"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`

	CORSEnabled      bool     `mapstructure:"cors_enabled"`
	CORSAllowOrigins []string `mapstructure:"cors_allow_origins"`
	TLSEnabled       bool     `mapstructure:"tls_enabled"`
	TLSCertFile      string   `mapstructure:"tls_cert_file"`
	TLSKeyFile       string   `mapstructure:"tls_key_file"`

	ConfirmationPhrase string `mapstructure:"confirmation_phrase"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8090",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,

		RequireAuth:   true,
		DenyByDefault: true,

		RateLimitEnabled:   true,
		RateLimitPerMinute: 100,
		RateLimitBurst:     10,
		RateLimitWindow:    time.Minute,

		AuditEnabled:    true,
		AuditLogPath:    "./data/admin-audit.log",
		AuditRotateSize: 100 * 1024 * 1024,
		AuditMaxBackups: 10,

		CORSEnabled:      false,
		CORSAllowOrigins: []string{"*"},

		ConfirmationPhrase: "CONFIRM_DELETE",
	}
}

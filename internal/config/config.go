// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Audit         AuditConfig         `yaml:"audit"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Blobs         BlobsConfig         `yaml:"blobs"`
	Events        EventsConfig        `yaml:"events"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
	// AdminRole is the raw role value that grants admin rights.
	AdminRole string `yaml:"admin_role"`
}

// WorkflowConfig describes claim workflow settings.
type WorkflowConfig struct {
	Store             StoreConfig `yaml:"store"`
	RequiredDocuments []string    `yaml:"required_documents"`
}

// StoreConfig describes a SQL-backed persistence layer.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// AuditConfig describes audit trail persistence and export settings.
type AuditConfig struct {
	Store       StoreConfig `yaml:"store"`
	ExportLimit int         `yaml:"export_limit"`
}

// NotificationsConfig describes notification inbox settings.
type NotificationsConfig struct {
	Driver   string   `yaml:"driver"`
	AddrEnv  string   `yaml:"addr_env"`
	DB       int      `yaml:"db"`
	AdminIDs []string `yaml:"admin_ids"`
}

// BlobsConfig describes document blob storage settings.
type BlobsConfig struct {
	Driver         string `yaml:"driver"`
	Endpoint       string `yaml:"endpoint"`
	Bucket         string `yaml:"bucket"`
	AccessKeyEnv   string `yaml:"access_key_env"`
	SecretKeyEnv   string `yaml:"secret_key_env"`
	UseSSL         bool   `yaml:"use_ssl"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// EventsConfig describes the event gateway settings.
type EventsConfig struct {
	QueueSize      int                  `yaml:"queue_size"`
	Workers        int                  `yaml:"workers"`
	PoolSize       int                  `yaml:"pool_size"`
	CallTimeout    time.Duration        `yaml:"call_timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig describes retry settings for downstream calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// MaintenanceConfig describes background maintenance jobs.
type MaintenanceConfig struct {
	OrphanSweepInterval time.Duration `yaml:"orphan_sweep_interval"`
	OrphanGracePeriod   time.Duration `yaml:"orphan_grace_period"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  55 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
			AdminRole: "admin",
		},
		Workflow: WorkflowConfig{
			Store: StoreConfig{
				Driver:          "memory",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Audit: AuditConfig{
			Store: StoreConfig{
				Driver:          "memory",
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
			ExportLimit: 10000,
		},
		Notifications: NotificationsConfig{
			Driver: "memory",
		},
		Blobs: BlobsConfig{
			Driver:         "memory",
			Bucket:         "claim-documents",
			MaxUploadBytes: 10 << 20,
		},
		Events: EventsConfig{
			QueueSize:   1024,
			Workers:     4,
			PoolSize:    32,
			CallTimeout: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Maintenance: MaintenanceConfig{
			OrphanSweepInterval: 24 * time.Hour,
			OrphanGracePeriod:   1 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

var knownDocumentTypes = map[string]bool{
	"driversLicense":      true,
	"vehicleRegistration": true,
	"insurancePolicy":     true,
	"policeReport":        true,
	"repairEstimate":      true,
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.AdminRole == "" {
		errs = append(errs, "identity.admin_role is required")
	}

	errs = append(errs, validateDriver("workflow.store", c.Workflow.Store.Driver, c.Workflow.Store.DSNEnv, "postgres")...)
	errs = append(errs, validateDriver("audit.store", c.Audit.Store.Driver, c.Audit.Store.DSNEnv, "postgres")...)
	errs = append(errs, validateDriver("notifications", c.Notifications.Driver, c.Notifications.AddrEnv, "redis")...)
	if c.Idempotency.Enabled {
		errs = append(errs, validateDriver("idempotency.store", c.Idempotency.Store.Driver, c.Idempotency.Store.AddrEnv, "redis")...)
	}

	for _, t := range c.Workflow.RequiredDocuments {
		if !knownDocumentTypes[t] {
			errs = append(errs, fmt.Sprintf("workflow.required_documents: unknown document type %q", t))
		}
	}

	switch c.Blobs.Driver {
	case "memory":
	case "minio":
		if c.Blobs.Endpoint == "" {
			errs = append(errs, "blobs.endpoint is required for the minio driver")
		}
		if c.Blobs.Bucket == "" {
			errs = append(errs, "blobs.bucket is required for the minio driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("blobs.driver %q is not supported (memory, minio)", c.Blobs.Driver))
	}
	if c.Blobs.MaxUploadBytes <= 0 {
		errs = append(errs, "blobs.max_upload_bytes must be positive")
	}

	if c.Events.QueueSize < 1 {
		errs = append(errs, "events.queue_size must be at least 1")
	}
	if c.Events.Workers < 1 {
		errs = append(errs, "events.workers must be at least 1")
	}
	if c.Events.PoolSize < 1 {
		errs = append(errs, "events.pool_size must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDriver(section, driver, envName, remote string) []string {
	switch driver {
	case "memory":
		return nil
	case remote:
		if envName == "" {
			return []string{fmt.Sprintf("%s: the %s driver needs an env variable name for its connection string", section, remote)}
		}
		return nil
	default:
		return []string{fmt.Sprintf("%s.driver %q is not supported (memory, %s)", section, driver, remote)}
	}
}

// applyEnvOverrides reads CLAIMFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAIMFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CLAIMFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CLAIMFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("CLAIMFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CLAIMFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CLAIMFLOW_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("CLAIMFLOW_BLOBS_ENDPOINT"); v != "" {
		cfg.Blobs.Endpoint = v
	}
	if v := os.Getenv("CLAIMFLOW_NOTIFICATIONS_ADMIN_IDS"); v != "" {
		var ids []string
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		cfg.Notifications.AdminIDs = ids
	}
}

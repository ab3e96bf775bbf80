package config

import "context"

// Package config provides configuration management for chorus-ai.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (CHORUS_* prefix)
//   2. YAML config file (default: /etc/chorus/config.yaml)
//   3. Built-in defaults (lowest priority)

// Config contains all configuration fields.
type Config struct {
	// Server configuration
	Server struct {
		Port        int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins lists origins permitted to open WebSocket
		// connections. ["*"] allows any origin (development only).
		AllowedOrigins []string
	}

	// LLM provider configuration
	LLM struct {
		APIKey          string
		BaseURL         string
		MaxTokens       int
		RequestsPerSec  float64
		Burst           int
		RetryAttempts   int
		RetryBaseMillis int
		RetryMaxMillis  int
	}

	// Interview configuration
	Interview struct {
		Tier             string
		RequiredTopics   []string
		CoverageFraction float64
		MinQuestions     int
		IntroQuestions   int
	}

	// Synthesis configuration
	Synthesis struct {
		MaxParallel int
	}

	// Billing configuration
	Billing struct {
		QuotaStandard     int64
		QuotaPremium      int64
		QuotaEnterprise   int64
		Thresholds        []int
		PricingTTLSeconds int
	}

	// Notifications configuration
	Notifications struct {
		WebhookURL      string
		EmailRelayURL   string
		EmailFrom       string
		EmailRecipients []string
	}

	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Logging configuration
	Logging struct {
		Level        string
		Format       string
		AuditLogPath string
	}
}

// ConfigManager loads, validates, and watches configuration.
type ConfigManager interface {
	// Load reads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate checks the configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch emits updated configuration when the file changes.
	Watch(ctx context.Context) <-chan Config

	// Reload re-reads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a manager over the given config file path.
func NewConfigManager(configPath string) ConfigManager {
	return &viperConfigManager{
		configPath: configPath,
		watchChan:  make(chan Config, 1),
	}
}

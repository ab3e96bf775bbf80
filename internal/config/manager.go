package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("CHORUS")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults plus env vars are a complete
	// configuration.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// no file, use defaults
		} else if os.IsNotExist(err) {
			// no file, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	m.viper.SetDefault("llm.base_url", defaults.LLM.BaseURL)
	m.viper.SetDefault("llm.max_tokens", defaults.LLM.MaxTokens)
	m.viper.SetDefault("llm.requests_per_sec", defaults.LLM.RequestsPerSec)
	m.viper.SetDefault("llm.burst", defaults.LLM.Burst)
	m.viper.SetDefault("llm.retry_attempts", defaults.LLM.RetryAttempts)
	m.viper.SetDefault("llm.retry_base_millis", defaults.LLM.RetryBaseMillis)
	m.viper.SetDefault("llm.retry_max_millis", defaults.LLM.RetryMaxMillis)

	m.viper.SetDefault("interview.tier", defaults.Interview.Tier)
	m.viper.SetDefault("interview.required_topics", defaults.Interview.RequiredTopics)
	m.viper.SetDefault("interview.coverage_fraction", defaults.Interview.CoverageFraction)
	m.viper.SetDefault("interview.min_questions", defaults.Interview.MinQuestions)
	m.viper.SetDefault("interview.intro_questions", defaults.Interview.IntroQuestions)

	m.viper.SetDefault("synthesis.max_parallel", defaults.Synthesis.MaxParallel)

	m.viper.SetDefault("billing.quota_standard", defaults.Billing.QuotaStandard)
	m.viper.SetDefault("billing.quota_premium", defaults.Billing.QuotaPremium)
	m.viper.SetDefault("billing.quota_enterprise", defaults.Billing.QuotaEnterprise)
	m.viper.SetDefault("billing.thresholds", defaults.Billing.Thresholds)
	m.viper.SetDefault("billing.pricing_ttl_seconds", defaults.Billing.PricingTTLSeconds)

	m.viper.SetDefault("notifications.webhook_url", defaults.Notifications.WebhookURL)
	m.viper.SetDefault("notifications.email_relay_url", defaults.Notifications.EmailRelayURL)
	m.viper.SetDefault("notifications.email_from", defaults.Notifications.EmailFrom)
	m.viper.SetDefault("notifications.email_recipients", defaults.Notifications.EmailRecipients)

	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.audit_log_path", defaults.Logging.AuditLogPath)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	cfg.LLM.APIKey = m.viper.GetString("llm.api_key")
	cfg.LLM.BaseURL = m.viper.GetString("llm.base_url")
	cfg.LLM.MaxTokens = m.viper.GetInt("llm.max_tokens")
	cfg.LLM.RequestsPerSec = m.viper.GetFloat64("llm.requests_per_sec")
	cfg.LLM.Burst = m.viper.GetInt("llm.burst")
	cfg.LLM.RetryAttempts = m.viper.GetInt("llm.retry_attempts")
	cfg.LLM.RetryBaseMillis = m.viper.GetInt("llm.retry_base_millis")
	cfg.LLM.RetryMaxMillis = m.viper.GetInt("llm.retry_max_millis")

	cfg.Interview.Tier = m.viper.GetString("interview.tier")
	cfg.Interview.RequiredTopics = m.viper.GetStringSlice("interview.required_topics")
	cfg.Interview.CoverageFraction = m.viper.GetFloat64("interview.coverage_fraction")
	cfg.Interview.MinQuestions = m.viper.GetInt("interview.min_questions")
	cfg.Interview.IntroQuestions = m.viper.GetInt("interview.intro_questions")

	cfg.Synthesis.MaxParallel = m.viper.GetInt("synthesis.max_parallel")

	cfg.Billing.QuotaStandard = m.viper.GetInt64("billing.quota_standard")
	cfg.Billing.QuotaPremium = m.viper.GetInt64("billing.quota_premium")
	cfg.Billing.QuotaEnterprise = m.viper.GetInt64("billing.quota_enterprise")
	cfg.Billing.Thresholds = m.viper.GetIntSlice("billing.thresholds")
	cfg.Billing.PricingTTLSeconds = m.viper.GetInt("billing.pricing_ttl_seconds")

	cfg.Notifications.WebhookURL = m.viper.GetString("notifications.webhook_url")
	cfg.Notifications.EmailRelayURL = m.viper.GetString("notifications.email_relay_url")
	cfg.Notifications.EmailFrom = m.viper.GetString("notifications.email_from")
	cfg.Notifications.EmailRecipients = m.viper.GetStringSlice("notifications.email_recipients")

	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	// Provider API key from environment
	if apiKey := os.Getenv("CHORUS_API_KEY"); apiKey != "" {
		m.config.LLM.APIKey = apiKey
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("CHORUS_PORT"); portEnv != "" {
		m.config.Server.Port = m.viper.GetInt("port")
	}

	// SQLite path from environment
	if path := os.Getenv("CHORUS_DATABASE_PATH"); path != "" {
		m.config.Database.SQLitePath = path
	}
}

package config

// DefaultConfig returns the built-in defaults. Every default is safe for local
// development; production deployments override through the config file or
// CHORUS_* environment variables.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8084
	cfg.Server.TLSEnabled = false
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

	cfg.LLM.BaseURL = "https://api.chorusinsights.dev/v1"
	cfg.LLM.MaxTokens = 2048
	cfg.LLM.RequestsPerSec = 5
	cfg.LLM.Burst = 10
	cfg.LLM.RetryAttempts = 3
	cfg.LLM.RetryBaseMillis = 250
	cfg.LLM.RetryMaxMillis = 8000

	cfg.Interview.Tier = "standard"
	cfg.Interview.RequiredTopics = []string{
		"current_workflow",
		"pain_points",
		"collaboration",
		"tooling",
		"measurement",
		"goals",
	}
	cfg.Interview.CoverageFraction = 0.7
	cfg.Interview.MinQuestions = 5
	cfg.Interview.IntroQuestions = 1

	cfg.Synthesis.MaxParallel = 3

	cfg.Billing.QuotaStandard = 1_000_000
	cfg.Billing.QuotaPremium = 5_000_000
	cfg.Billing.QuotaEnterprise = 20_000_000
	cfg.Billing.Thresholds = []int{75, 90, 100}
	cfg.Billing.PricingTTLSeconds = 300

	cfg.Notifications.EmailFrom = "alerts@chorusinsights.dev"

	cfg.Database.SQLitePath = "./chorus.db"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AuditLogPath = "./chorus-audit.log"

	return cfg
}

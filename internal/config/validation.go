package config

import (
	"fmt"
	"sort"
)

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, fmt.Errorf("server.tls_cert_path is required when TLS is enabled"))
		}
		if c.Server.TLSKeyPath == "" {
			errs = append(errs, fmt.Errorf("server.tls_key_path is required when TLS is enabled"))
		}
	}

	if c.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm.api_key is required (set CHORUS_API_KEY)"))
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens))
	}
	if c.LLM.RequestsPerSec <= 0 {
		errs = append(errs, fmt.Errorf("llm.requests_per_sec must be positive, got %v", c.LLM.RequestsPerSec))
	}
	if c.LLM.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("llm.retry_attempts must be at least 1, got %d", c.LLM.RetryAttempts))
	}

	switch c.Interview.Tier {
	case "standard", "premium", "enterprise":
	default:
		errs = append(errs, fmt.Errorf("interview.tier must be standard, premium, or enterprise, got %q", c.Interview.Tier))
	}
	if c.Interview.CoverageFraction <= 0 || c.Interview.CoverageFraction > 1 {
		errs = append(errs, fmt.Errorf("interview.coverage_fraction must be in (0, 1], got %v", c.Interview.CoverageFraction))
	}
	if c.Interview.MinQuestions < 1 {
		errs = append(errs, fmt.Errorf("interview.min_questions must be at least 1, got %d", c.Interview.MinQuestions))
	}
	if len(c.Interview.RequiredTopics) == 0 {
		errs = append(errs, fmt.Errorf("interview.required_topics must not be empty"))
	}

	if c.Synthesis.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("synthesis.max_parallel must be at least 1, got %d", c.Synthesis.MaxParallel))
	}

	if c.Billing.QuotaStandard <= 0 || c.Billing.QuotaPremium <= 0 || c.Billing.QuotaEnterprise <= 0 {
		errs = append(errs, fmt.Errorf("billing quotas must all be positive"))
	}
	if len(c.Billing.Thresholds) == 0 {
		errs = append(errs, fmt.Errorf("billing.thresholds must not be empty"))
	} else {
		if !sort.IntsAreSorted(c.Billing.Thresholds) {
			errs = append(errs, fmt.Errorf("billing.thresholds must be ascending, got %v", c.Billing.Thresholds))
		}
		for _, t := range c.Billing.Thresholds {
			if t < 1 || t > 100 {
				errs = append(errs, fmt.Errorf("billing threshold %d out of range 1-100", t))
			}
		}
	}

	if c.Database.SQLitePath == "" {
		errs = append(errs, fmt.Errorf("database.sqlite_path is required"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	return errs
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogInterviewCompleted logs an interview reaching completion
	LogInterviewCompleted(ctx context.Context, sessionID, campaignID, reason string) error

	// LogSynthesis logs synthesis lifecycle events
	LogSynthesisStarted(ctx context.Context, jobID, campaignID string) error
	LogSynthesisFinished(ctx context.Context, jobID, campaignID, status string, duration time.Duration) error

	// LogUsage logs billing events
	LogThresholdNotified(ctx context.Context, tenantID string, threshold int) error
	LogUsageReset(ctx context.Context, tenantID string) error
	LogUsageCommitFailure(ctx context.Context, tenantID string, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	logger      *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger with rotation
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel, // Audit logs are always INFO level
	)

	logger := &auditLogger{
		logger:      zap.New(core),
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}
	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			continue
		}
		l.logger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}
	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogInterviewCompleted logs an interview reaching completion
func (l *auditLogger) LogInterviewCompleted(ctx context.Context, sessionID, campaignID, reason string) error {
	eventType := EventInterviewCompleted
	if reason == "facilitator_override" {
		eventType = EventInterviewOverride
	}
	event := NewEvent(eventType).
		WithCorrelationID(sessionID).
		WithSession(sessionID).
		WithCampaign(campaignID).
		WithResult(ResultSuccess).
		WithMetadata("reason", reason).
		WithDescription(fmt.Sprintf("Interview %s completed (%s)", sessionID, reason))
	return l.Log(ctx, event)
}

// LogSynthesisStarted logs a synthesis run acquiring its campaign
func (l *auditLogger) LogSynthesisStarted(ctx context.Context, jobID, campaignID string) error {
	event := NewEvent(EventSynthesisStarted).
		WithCorrelationID(jobID).
		WithJob(jobID).
		WithCampaign(campaignID).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Synthesis %s started for campaign %s", jobID, campaignID))
	return l.Log(ctx, event)
}

// LogSynthesisFinished logs a synthesis run reaching terminal state
func (l *auditLogger) LogSynthesisFinished(ctx context.Context, jobID, campaignID, status string, duration time.Duration) error {
	eventType := EventSynthesisSucceeded
	result := ResultSuccess
	if status != "succeeded" {
		eventType = EventSynthesisFailed
		result = ResultFailure
	}
	event := NewEvent(eventType).
		WithCorrelationID(jobID).
		WithJob(jobID).
		WithCampaign(campaignID).
		WithResult(result).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Synthesis %s finished with status %s", jobID, status))
	return l.Log(ctx, event)
}

// LogThresholdNotified logs a quota threshold crossing
func (l *auditLogger) LogThresholdNotified(ctx context.Context, tenantID string, threshold int) error {
	event := NewEvent(EventThresholdNotified).
		WithCorrelationID(tenantID).
		WithTenant(tenantID).
		WithResult(ResultSuccess).
		WithMetadata("threshold", threshold).
		WithDescription(fmt.Sprintf("Tenant %s crossed %d%% of quota", tenantID, threshold))
	return l.Log(ctx, event)
}

// LogUsageReset logs an explicit billing-period reset
func (l *auditLogger) LogUsageReset(ctx context.Context, tenantID string) error {
	event := NewEvent(EventUsageReset).
		WithCorrelationID(tenantID).
		WithTenant(tenantID).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Usage period reset for tenant %s", tenantID))
	return l.Log(ctx, event)
}

// LogUsageCommitFailure logs a lost usage commit (billing integrity)
func (l *auditLogger) LogUsageCommitFailure(ctx context.Context, tenantID string, err error) error {
	event := NewEvent(EventUsageCommitFailure).
		WithCorrelationID(tenantID).
		WithTenant(tenantID).
		WithError(err, "usage_commit").
		WithDescription(fmt.Sprintf("Usage commit failed for tenant %s", tenantID))
	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.logger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()
	return l.Sync()
}

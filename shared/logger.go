package shared

import (
	"go.uber.org/zap"
)

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	ServiceName string // "enclave", "forwarder" or "enclave-cli"
	EnclaveMode bool   // true if running in enclave
	Development bool   // true for development mode
}

// Logger wraps zap.Logger with additional context
type Logger struct {
	*zap.Logger
	enclaveMode bool
}

// NewLogger creates a new logger instance based on the configuration
func NewLogger(config LoggerConfig) (*Logger, error) {
	var zapConfig zap.Config

	switch {
	case config.EnclaveMode:
		// Enclave console output is visible to the host operator.
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
		zapConfig.DisableCaller = true
		zapConfig.DisableStacktrace = true
	case config.Development:
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	default:
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	zapLogger = zapLogger.With(
		zap.String("service", config.ServiceName),
		zap.Bool("enclave_mode", config.EnclaveMode),
	)

	return &Logger{
		Logger:      zapLogger,
		enclaveMode: config.EnclaveMode,
	}, nil
}

// NewLoggerFromEnv creates a logger using environment variables
func NewLoggerFromEnv(serviceName string) (*Logger, error) {
	return NewLogger(LoggerConfig{
		ServiceName: serviceName,
		EnclaveMode: GetEnvBoolOrDefault("ENCLAVE_MODE", false),
		Development: GetEnvBoolOrDefault("DEVELOPMENT", false),
	})
}

// NopLogger discards everything. Used by tests and optional dependencies.
func NopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

func (l *Logger) WithRequest(requestID string) *zap.Logger {
	if requestID == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("request_id", requestID))
}

func (l *Logger) WithScope(scope IntentScope) *zap.Logger {
	return l.Logger.With(zap.Stringer("intent_scope", scope))
}

// Critical error logging - always logs even in enclave mode
func (l *Logger) Critical(msg string, fields ...zap.Field) {
	l.Logger.Error(msg, append(fields, zap.Bool("critical", true))...)
}

// Security event logging - for security-relevant events
func (l *Logger) Security(msg string, fields ...zap.Field) {
	l.Logger.Warn(msg, append(fields, zap.Bool("security_event", true))...)
}

// Conditional debug logging - only logs in non-enclave mode
func (l *Logger) DebugIf(msg string, fields ...zap.Field) {
	if !l.enclaveMode {
		l.Logger.Debug(msg, fields...)
	}
}

// Conditional info logging - respects enclave mode settings
func (l *Logger) InfoIf(msg string, fields ...zap.Field) {
	if !l.enclaveMode {
		l.Logger.Info(msg, fields...)
	}
}

// Conditional warning logging - respects enclave mode settings
func (l *Logger) WarnIf(msg string, fields ...zap.Field) {
	if !l.enclaveMode {
		l.Logger.Warn(msg, fields...)
	}
}

// Close flushes any buffered entries
func (l *Logger) Close() error {
	return l.Logger.Sync()
}

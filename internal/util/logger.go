package util

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// InitLogger builds the process logger. level overrides the environment
// default when it parses ("debug", "warn", ...).
func InitLogger(env, level string) error {
	if env == "test" {
		logger = zap.NewNop()
		return nil
	}

	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return err
		}
		config.Level = lvl
	}

	built, err := config.Build(zap.Fields(zap.String("service", "commerce-etl")))
	if err != nil {
		return err
	}
	logger = built
	zap.ReplaceGlobals(logger)
	return nil
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// SetLogger swaps the global logger. Components capture it at construction.
func SetLogger(l *zap.Logger) {
	logger = l
}

// TenantFields are attached to every per-tenant log line.
func TenantFields(tenantID, platform string) []zap.Field {
	return []zap.Field{zap.String("tenant_id", tenantID), zap.String("platform", platform)}
}

func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}

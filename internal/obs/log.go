package obs

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

// InitLogger builds the shared logger. Production environments get JSON output;
// anything else gets the development console encoder.
func InitLogger(env string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if env != "production" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	lg, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	SetLogger(lg)
	return lg, nil
}

// Logger returns the shared structured logger used across the service.
// Before Init it is a no-op logger.
func Logger() *zap.Logger {
	loggerMu.RLock()
	lg := logger
	loggerMu.RUnlock()
	if lg == nil {
		return zap.NewNop()
	}
	return lg
}

// SetLogger replaces the shared logger and returns a func restoring the
// previous one.
func SetLogger(lg *zap.Logger) (restore func()) {
	loggerMu.Lock()
	prev := logger
	logger = lg
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

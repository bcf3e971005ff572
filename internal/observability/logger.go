package observability

import (
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger constructs a production zap.Logger named after the default service.
func InitLogger() (*zap.Logger, error) {
	return InitLoggerWithLevel(getLogLevel(), "rtbconnect")
}

// InitLoggerWithService constructs a production zap.Logger configured for the service.
// The returned logger should be passed to other components for structured logging.
func InitLoggerWithService(serviceName string) (*zap.Logger, error) {
	return InitLoggerWithLevel(getLogLevel(), serviceName)
}

// InitLoggerWithLevel constructs a zap.Logger at the provided level.
// The returned logger is named with the service name and installed as the global logger.
func InitLoggerWithLevel(level zapcore.Level, serviceName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)

	// Field names expected by the log shipper
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	logger = logger.Named(serviceName).With(zap.String("service", serviceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// getLogLevel determines the log level from ENV and LOG_LEVEL
func getLogLevel() zapcore.Level {
	env := strings.ToLower(os.Getenv("ENV"))
	logLevel := strings.ToUpper(os.Getenv("LOG_LEVEL"))

	if logLevel == "" {
		if env == "development" || env == "dev" {
			return zap.DebugLevel
		}
		return zap.InfoLevel
	}

	switch logLevel {
	case "DEBUG":
		return zap.DebugLevel
	case "WARN":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SamplingStats reports how many sampled-log decisions were made at a rate.
type SamplingStats struct {
	Total   int64
	Sampled int64
	Rate    float64
}

type samplingCounter struct {
	total   atomic.Int64
	sampled atomic.Int64
}

// samplingCounters maps rate -> *samplingCounter. ShouldSample runs on the bid
// path, so counters are updated without a global lock.
var samplingCounters sync.Map

// ShouldSample returns true if the log should be emitted at the given rate
// (0.0 to 1.0). It is safe for concurrent use and tracks sampling statistics.
func ShouldSample(rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0.0 {
		return false
	}

	sampled := rand.Float64() < rate

	v, _ := samplingCounters.LoadOrStore(rate, &samplingCounter{})
	c := v.(*samplingCounter)
	c.total.Add(1)
	if sampled {
		c.sampled.Add(1)
	}
	return sampled
}

// GetSamplingRate returns the debug-log sampling rate for the environment
func GetSamplingRate() float64 {
	switch strings.ToLower(os.Getenv("ENV")) {
	case "development", "dev":
		return 1.0
	case "staging", "test":
		return 0.5
	default:
		return 0.01
	}
}

// GetSamplingStats returns a copy of the current sampling statistics
func GetSamplingStats() map[float64]SamplingStats {
	result := make(map[float64]SamplingStats)
	samplingCounters.Range(func(k, v any) bool {
		c := v.(*samplingCounter)
		rate := k.(float64)
		result[rate] = SamplingStats{Total: c.total.Load(), Sampled: c.sampled.Load(), Rate: rate}
		return true
	})
	return result
}

// LogSamplingStats logs current sampling statistics for monitoring
func LogSamplingStats(logger *zap.Logger) {
	for rate, stat := range GetSamplingStats() {
		if stat.Total == 0 {
			continue
		}
		logger.Info("sampling stats",
			zap.Float64("target_rate", rate),
			zap.Float64("actual_rate", float64(stat.Sampled)/float64(stat.Total)),
			zap.Int64("total_logs", stat.Total),
			zap.Int64("sampled_logs", stat.Sampled),
		)
	}
}

// ResetSamplingStats clears the sampling statistics
func ResetSamplingStats() {
	samplingCounters.Range(func(k, _ any) bool {
		samplingCounters.Delete(k)
		return true
	})
}

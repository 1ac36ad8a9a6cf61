package obs

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON zap logger at the given level ("debug", "info",
// "warn", "error"); unrecognized values fall back to info. Every record
// carries a "service" field so log lines from this process are
// distinguishable from any other component shipping to the same sink.
func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	cfg.InitialFields = map[string]interface{}{"service": "rest-sync-lite"}
	return cfg.Build()
}

// Convenience typed fields
func String(k, v string) zap.Field            { return zap.String(k, v) }
func Int(k string, v int) zap.Field           { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field         { return zap.Bool(k, v) }
func Err(err error) zap.Field                 { return zap.Error(err) }
func Duration(k string, d time.Duration) zap.Field { return zap.Duration(k, d) }

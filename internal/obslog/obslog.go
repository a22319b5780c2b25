// Package obslog provides the structured logging surface used throughout the
// core: a leveled Debug/Info/Warn/Error interface plus With for scoped
// fields, standing in for the teacher's common.ILogger family but backed by
// zap instead of the bare log package.
package obslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging contract every component depends on.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
}

type zapLogger struct {
	z *zap.Logger
}

// New builds a production-profile logger writing JSON to stderr.
func New(level zapcore.Level) Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(os.Stderr), level)
	return &zapLogger{z: zap.New(core)}
}

// Nop returns a logger that discards everything, for tests.
func Nop() Logger { return &zapLogger{z: zap.NewNop()} }

func (l *zapLogger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }
func (l *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{z: l.z.With(fields...)}
}

// JobField is a convenience field constructor; components that scope a
// logger to a single job do `log.With(obslog.JobField(id))` to match the
// teacher's one-logger-per-job-log pattern without separate log files.
func JobField(jobID string) zap.Field { return zap.String("job_id", jobID) }

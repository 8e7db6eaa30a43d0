package log

import (
	"fmt"
	stdlog "log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a logger which writes structured logs to stderr formatted as
// JSON.
//
// Records are filtered by level, except records whose 'subsystem' matches one
// of the enabled subsystems, which are always logged.
type Logger interface {
	Subsystem() string
	// WithSubsystem creates a new logger with the given subsystem.
	WithSubsystem(s string) Logger
	With(fields ...zap.Field) Logger
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Sync() error
	// StdLogger returns a standard library logger that writes records at the
	// given level.
	StdLogger(level zapcore.Level) *stdlog.Logger
}

type logger struct {
	zap *zap.Logger

	minLevel zapcore.Level

	subsystem         string
	subsystemEnabled  bool
	enabledSubsystems []string
}

// NewLogger creates a new logger filtering using the given log level and
// enabled subsystems.
func NewLogger(lvl string, enabledSubsystems []string) (Logger, error) {
	zapLevel, err := zapLevelFromString(lvl)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	// Use the logger name for 'subsystem'.
	encoderConfig.NameKey = "subsystem"
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(
		"2006-01-02T15:04:05.999Z07:00",
	)

	conf := zap.NewProductionConfig()
	conf.EncoderConfig = encoderConfig
	// Filter in the wrapper rather than the core so enabled subsystems can
	// override the minimum level.
	conf.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	conf.OutputPaths = []string{"stderr"}
	conf.DisableCaller = true
	conf.DisableStacktrace = true

	zapLogger, err := conf.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap: %w", err)
	}

	return &logger{
		zap:               zapLogger.Named("main"),
		minLevel:          zapLevel,
		subsystem:         "main",
		subsystemEnabled:  subsystemMatch("main", enabledSubsystems),
		enabledSubsystems: enabledSubsystems,
	}, nil
}

// NewNopLogger creates a logger that discards all records.
func NewNopLogger() Logger {
	return &logger{
		zap:       zap.NewNop(),
		minLevel:  zapcore.ErrorLevel,
		subsystem: "main",
	}
}

func (l *logger) Subsystem() string {
	return l.subsystem
}

func (l *logger) WithSubsystem(s string) Logger {
	if s == l.subsystem {
		return l
	}

	clone := l.clone()
	clone.zap = l.zap.Named(s)
	clone.subsystem = s
	clone.subsystemEnabled = subsystemMatch(s, l.enabledSubsystems)
	return clone
}

func (l *logger) With(fields ...zap.Field) Logger {
	if len(fields) == 0 {
		return l
	}
	clone := l.clone()
	clone.zap = l.zap.With(fields...)
	return clone
}

func (l *logger) Debug(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.DebugLevel) {
		l.zap.Debug(msg, fields...)
	}
}

func (l *logger) Info(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.InfoLevel) {
		l.zap.Info(msg, fields...)
	}
}

func (l *logger) Warn(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.WarnLevel) {
		l.zap.Warn(msg, fields...)
	}
}

func (l *logger) Error(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.ErrorLevel) {
		l.zap.Error(msg, fields...)
	}
}

func (l *logger) Sync() error {
	return l.zap.Sync()
}

func (l *logger) StdLogger(level zapcore.Level) *stdlog.Logger {
	return stdlog.New(&loggerWriter{
		logFunc: l.logFuncAt(level),
	}, "", 0)
}

func (l *logger) enabled(level zapcore.Level) bool {
	if l.subsystemEnabled {
		return true
	}
	return level >= l.minLevel
}

func (l *logger) logFuncAt(level zapcore.Level) func(msg string, fields ...zap.Field) {
	switch level {
	case zapcore.DebugLevel:
		return l.Debug
	case zapcore.InfoLevel:
		return l.Info
	case zapcore.WarnLevel:
		return l.Warn
	default:
		return l.Error
	}
}

func (l *logger) clone() *logger {
	clone := *l
	return &clone
}

type loggerWriter struct {
	logFunc func(msg string, fields ...zap.Field)
}

func (w *loggerWriter) Write(p []byte) (int, error) {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == ' ') {
		p = p[:len(p)-1]
	}
	w.logFunc(string(p))
	return len(p), nil
}

func zapLevelFromString(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unsupported log level: %s", s)
	}
}

func subsystemMatch(subsystem string, enabled []string) bool {
	for _, s := range enabled {
		if s == subsystem {
			return true
		}
	}
	return false
}

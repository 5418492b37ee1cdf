// Package log provides structured logging for peunpack using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with emulation-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// Get returns the global logger, or a no-op logger if Init was never called.
func Get() *Logger {
	if L == nil {
		return NewNop()
	}
	return L
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.Encoding = "console"
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// Trace lines go to stdout; keep log records on stderr.
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Call reports an API stub invocation.
func (l *Logger) Call(pc uint64, category, name, detail string) {
	l.Debug("call",
		zap.String("cat", category),
		Fn(name),
		zap.String("detail", detail),
		Ptr("ret", pc),
	)
}

// StubInstall logs when a stub is bound to an import slot.
func (l *Logger) StubInstall(category, name string, addr uint64, source string) {
	l.Debug("bound",
		zap.String("cat", category),
		Fn(name),
		Addr(addr),
		zap.String("src", source),
	)
}

// StubFallback logs when an unknown import is called.
func (l *Logger) StubFallback(name string, addr uint64) {
	l.Debug("fallback",
		Fn(name),
		Addr(addr),
		zap.String("ret", "0"),
	)
}

// Hook logs hook registration.
func (l *Logger) Hook(kind string, begin, end uint64) {
	l.Debug("hook",
		zap.String("kind", kind),
		Ptr("begin", begin),
		Ptr("end", end),
	)
}

// With returns a logger with the given fields preset.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return l.With(zap.String("cat", category))
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + strconv.FormatUint(addr, 16)
}

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.String("size", Hex(size))
}

// Ptr creates a named address field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Path creates a file path field.
func Path(p string) zap.Field {
	return zap.String("path", p)
}

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

var (
	Logger          *slog.Logger
	errorSampleRate atomic.Int32
	programLevel    = new(slog.LevelVar)
	shutdownFunc    func(context.Context) error // nil unless OTEL is enabled
)

// Counters are incremented regardless of sampling
var (
	TotalErrors        atomic.Int64
	TotalWarnings      atomic.Int64
	ExpressionFailures atomic.Int64
	Evaluations        atomic.Int64
	Total5xxErrors     atomic.Int64
	Total4xxErrors     atomic.Int64
	Total404Errors     atomic.Int64
)

// Options configures the process-wide logger
type Options struct {
	// Level is a level name understood by ParseLevel
	Level string
	// ErrorSampleRate logs 1 of every N warnings and errors; 1 logs all
	ErrorSampleRate int
	// OTELEnabled exports logs over OTLP/gRPC instead of writing JSON
	OTELEnabled bool
	ServiceName string
	// Output receives JSON logs; defaults to stdout
	Output io.Writer
}

func init() {
	// Library code and tests log JSON at INFO until Init is called
	programLevel.Set(slog.LevelInfo)
	errorSampleRate.Store(1)
	setupJSONLogging(os.Stdout)
}

// Init configures the logger. A failing OTEL setup falls back to JSON.
func Init(opts Options) error {
	level, err := ParseLevel(opts.Level)
	programLevel.Set(level)

	if opts.ErrorSampleRate > 0 {
		errorSampleRate.Store(int32(opts.ErrorSampleRate))
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	if opts.OTELEnabled {
		serviceName := opts.ServiceName
		if serviceName == "" {
			serviceName = "trackerrules"
		}
		shutdown, otelErr := setupOTELLogging(context.Background(), serviceName)
		if otelErr != nil {
			setupJSONLogging(out)
			Logger.Warn("OTEL logging unavailable, using JSON", "error", otelErr)
			return otelErr
		}
		shutdownFunc = shutdown
		return err
	}

	setupJSONLogging(out)
	return err
}

func setupJSONLogging(out io.Writer) {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: programLevel})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func setupOTELLogging(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	handler := &levelHandler{
		level:   programLevel,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(loggerProvider)),
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)

	return loggerProvider.Shutdown, nil
}

// levelHandler applies the program level to a handler that has none
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTEL exporter, if any
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// SetLevel sets the minimum log level
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name to slog.Level. Empty means INFO.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s (defaulting to INFO)", levelStr)
	}
}

func shouldSample() bool {
	rate := errorSampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// Trace logs a trace-level message
func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs a debug-level message
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Info logs an info-level message
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs a sampled warning; the counter always moves
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error logs a sampled error; the counter always moves
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs and exits, flushing OTEL first
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	if shutdownFunc != nil {
		_ = shutdownFunc(context.Background())
	}
	os.Exit(1)
}

// WarnExpression records an expression that failed to compile or evaluate
func WarnExpression(expression string, err error) {
	ExpressionFailures.Add(1)
	Warn("Expression not evaluated", "expression", expression, "error", err)
}

// CountHTTPStatus tracks 4xx and 5xx responses
func CountHTTPStatus(status int) {
	switch {
	case status >= 500:
		Total5xxErrors.Add(1)
		TotalErrors.Add(1)
	case status >= 400:
		Total4xxErrors.Add(1)
		TotalWarnings.Add(1)
		if status == 404 {
			Total404Errors.Add(1)
		}
	}
}

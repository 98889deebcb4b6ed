// Package logging provides a tiny abstraction over slog so runtime code can
// depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer AllenLogger with contextual
// helpers (component, agent, task) and domain specific helpers for steps,
// model calls, tool invocations and message dispatch.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled
// from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger defines the minimal logging interface for the runtime. Users can
// provide their own implementation or use the built-in adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NoOpLogger discards all log messages. Useful for tests or when logging is
// disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// AllenLogger wraps slog.Logger adding contextual cloning helpers and domain
// convenience methods. It is cheap to copy via the With* methods.
type AllenLogger struct {
	logger    *slog.Logger
	level     LogLevel
	component string
	agentID   string
	taskID    string
}

// LoggerConfig configures construction of an AllenLogger.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // json or text
	Output    io.Writer
	AddSource bool
	Component string
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout}
}

// NewLogger builds an AllenLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *AllenLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return &AllenLogger{logger: slog.New(handler), level: cfg.Level, component: cfg.Component}
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent sets the logical component (agent, dispatcher, syncstate,
// tool, monitor).
func (l *AllenLogger) WithComponent(c string) *AllenLogger {
	nl := *l
	nl.component = c
	return &nl
}

// WithAgent attaches an agent identifier to every entry.
func (l *AllenLogger) WithAgent(agentID string) *AllenLogger {
	nl := *l
	nl.agentID = agentID
	return &nl
}

// WithTask attaches a task identifier to every entry.
func (l *AllenLogger) WithTask(taskID string) *AllenLogger {
	nl := *l
	nl.taskID = taskID
	return &nl
}

func (l *AllenLogger) attrs(extra ...slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(extra)+3)
	if l.component != "" {
		out = append(out, slog.String("component", l.component))
	}
	if l.agentID != "" {
		out = append(out, slog.String("agent_id", l.agentID))
	}
	if l.taskID != "" {
		out = append(out, slog.String("task_id", l.taskID))
	}
	return append(out, extra...)
}

func (l *AllenLogger) log(level slog.Level, min LogLevel, msg string, args ...any) {
	if l.level > min {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.logger.LogAttrs(context.Background(), level, msg, l.attrs()...)
}

// Debug logs at debug level.
func (l *AllenLogger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *AllenLogger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *AllenLogger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *AllenLogger) Error(msg string, args ...any) {
	l.log(slog.LevelError, LogLevelError, msg, args...)
}

// LogStepExecution records the outcome of one agent step.
func (l *AllenLogger) LogStepExecution(stepID, executor string, dur time.Duration, success bool, err error) {
	attrs := l.attrs(
		slog.String("step_id", stepID),
		slog.String("executor", executor),
		slog.Duration("duration", dur),
		slog.Bool("success", success),
	)
	level, msg := slog.LevelInfo, "Step execution completed"
	if !success {
		level, msg = slog.LevelError, "Step execution failed"
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LogLLMCall records model call latency and success.
func (l *AllenLogger) LogLLMCall(model string, dur time.Duration, success bool, err error) {
	attrs := l.attrs(
		slog.String("model", model),
		slog.Duration("duration", dur),
		slog.Bool("success", success),
	)
	level, msg := slog.LevelInfo, "LLM call completed"
	if !success {
		level, msg = slog.LevelError, "LLM call failed"
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LogToolCall records execution details for a tool invocation.
func (l *AllenLogger) LogToolCall(server, capability string, dur time.Duration, success bool, err error) {
	attrs := l.attrs(
		slog.String("server", server),
		slog.String("capability", capability),
		slog.Duration("duration", dur),
		slog.Bool("success", success),
	)
	level, msg := slog.LevelInfo, "Tool invocation completed"
	if !success {
		level, msg = slog.LevelError, "Tool invocation failed"
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LogDispatch records one message delivery.
func (l *AllenLogger) LogDispatch(senderID string, receivers []string, waiting bool) {
	attrs := l.attrs(
		slog.String("sender_id", senderID),
		slog.Any("receivers", receivers),
		slog.Bool("waiting", waiting),
	)
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "Message dispatched", attrs...)
}

// Package logger wraps log/slog with the context plumbing the gateway uses to
// correlate log records with requests, principals, and conversations.
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// instanceID identifies this gateway process. Used to correlate logs across
// replicas behind a load balancer.
var instanceID string

func init() {
	instanceID = os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = os.Getenv("HOSTNAME")
	}
	if instanceID == "" {
		b := make([]byte, 4)
		rand.Read(b)
		instanceID = hex.EncodeToString(b)
	}
}

// InstanceID returns the identifier for this gateway process.
func InstanceID() string {
	return instanceID
}

// Config holds the configuration of the logger.
type Config struct {
	Level  slog.Level
	Format string
}

type contextKey string

const (
	// ContextKeyRequestID is the key for the request ID in the context.
	ContextKeyRequestID contextKey = "request_id"
	// ContextKeySubject is the key for the principal subject in the context.
	ContextKeySubject contextKey = "subject"
	// ContextKeyConversationID is the key for the conversation ID in the context.
	ContextKeyConversationID contextKey = "conversation_id"
)

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the given config.
func New(config Config) *Logger {
	if config.Format == "json" {
		opts := &slog.HandlerOptions{
			Level:     config.Level,
			AddSource: true,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{
						Key:   a.Key,
						Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
					}
				}
				return a
			},
		}
		return &Logger{
			Logger: slog.New(slog.NewJSONHandler(os.Stdout, opts)).With(slog.String("instance_id", instanceID)),
		}
	}

	opts := &tint.Options{
		Level:      config.Level,
		AddSource:  true,
		TimeFormat: time.Kitchen,
	}

	return &Logger{
		Logger: slog.New(tint.NewHandler(os.Stdout, opts)).With(slog.String("instance_id", instanceID)),
	}
}

// FromConfig builds a logger Config from the textual level and format settings.
func FromConfig(logLevel, logFormat string) Config {
	config := Config{
		Level:  slog.LevelInfo,
		Format: "text",
	}

	switch logLevel {
	case "debug":
		config.Level = slog.LevelDebug
	case "info":
		config.Level = slog.LevelInfo
	case "warn":
		config.Level = slog.LevelWarn
	case "error":
		config.Level = slog.LevelError
	}

	if logFormat != "" {
		config.Format = logFormat
	}

	// Production always logs JSON.
	if env := os.Getenv("APP_ENV"); env == "production" {
		config.Format = "json"
	}

	return config
}

// WithContext creates a new logger carrying the request-scoped attributes
// present in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok && requestID != "" {
		logger = logger.With(slog.String("request_id", requestID))
	}

	if subject, ok := ctx.Value(ContextKeySubject).(string); ok && subject != "" {
		logger = logger.With(slog.String("subject", subject))
	}

	if conversationID, ok := ctx.Value(ContextKeyConversationID).(string); ok && conversationID != "" {
		logger = logger.With(slog.String("conversation_id", conversationID))
	}

	return &Logger{Logger: logger}
}

// WithComponent creates a new logger with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("component", component)),
	}
}

// LogError logs an error with the request-scoped context attributes.
func (l *Logger) LogError(ctx context.Context, err error, msg string, args ...interface{}) {
	logger := l.WithContext(ctx)
	allArgs := append([]interface{}{"error", err}, args...)
	logger.Error(msg, allArgs...)
}

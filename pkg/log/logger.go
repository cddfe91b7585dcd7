// Custom logging utility used internally all over Relay.

package log

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Context keys read by WithCtx. Plain strings so that values set on a *gin.Context are found too.
const (
	ReqIDKey  = "ReqID"
	ConnIDKey = "ConnID"
)

// Output of Logger based on what environment Relay is being run on.
var output io.Writer

func init() {
	// setting configurations for logger
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("ENV") == "DEV" {
		// Set output of Logger to prettified ConsoleOutput for local environment
		output = zerolog.ConsoleWriter{Out: os.Stdout}
	} else {
		// ConsoleWriter prettifies log, inefficient in prod
		output = os.Stdout
	}
}

// Logger acts as a wrapper for zerolog with custom features.
type Logger interface {
	// WithCtx returns a sub-logger based of root logger with added context.
	WithCtx(context.Context) Logger
	// Info level log starts a log message with INFO level.
	Info() *zerolog.Event
	// Debug level log starts a log message with DEBUG level.
	Debug() *zerolog.Event
	// Warn level log starts a log message with WARNING level.
	Warn() *zerolog.Event
	// Error level log starts a log message with ERROR level.
	Error() *zerolog.Event
	// Fatal level log starts a log message with FATAL level.
	Fatal() *zerolog.Event
	// WithLevel starts a log message with the given level.
	WithLevel(zerolog.Level) *zerolog.Event
}

type logger struct {
	zerolog.Logger
}

// Creates a new logger instance for other packages to use the internal zerolog.
func New(version string) Logger {
	return &logger{zerolog.New(output).With().Str("Version", version).Timestamp().Caller().Stack().Logger()}
}

// NewWithWriter is New with an explicit sink, used by tests to capture output.
func NewWithWriter(version string, w io.Writer) Logger {
	return &logger{zerolog.New(w).With().Str("Version", version).Timestamp().Stack().Logger()}
}

// SetLevel sets the global log level, unknown values fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Returns a sub-logger by adding additional requestID / connectionID context to it.
// Helps in debugging issues.
func (l *logger) WithCtx(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	sub := l.With()
	added := false
	if requestID, ok := ctx.Value(ReqIDKey).(string); ok && requestID != "" {
		sub = sub.Str("ReqID", requestID)
		added = true
	}
	if connID, ok := ctx.Value(ConnIDKey).(string); ok && connID != "" {
		sub = sub.Str("ConnID", connID)
		added = true
	}
	if !added {
		return l
	}
	return &logger{sub.Logger()}
}

// WithConnID returns a context carrying the connection id picked up by WithCtx.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnIDKey, connID) //nolint:staticcheck
}

// WithReqID returns a context carrying the request id picked up by WithCtx.
func WithReqID(ctx context.Context, reqID string) context.Context {
	return context.WithValue(ctx, ReqIDKey, reqID) //nolint:staticcheck
}

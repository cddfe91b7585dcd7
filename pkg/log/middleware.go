// This middleware is used to integrate the zerolog extension created in logger.go into the gin server.

package log

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// LoggerGinExtension forces gin to log through Logger instead of its default writer.
// Websocket upgrades are hijacked by the session layer, they are logged once at upgrade time.
func LoggerGinExtension(logger Logger) gin.HandlerFunc {
	return func(gctx *gin.Context) {
		start := time.Now() // Start timer
		path := gctx.Request.URL.Path
		raw := gctx.Request.URL.RawQuery

		// Process request
		gctx.Next()

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		}
		if raw != "" {
			path = path + "?" + redactQuery(raw)
		}
		status := gctx.Writer.Status()

		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.WithCtx(gctx).Error()
		case status >= http.StatusBadRequest:
			event = logger.WithCtx(gctx).Warn()
		case status == http.StatusSwitchingProtocols:
			event = logger.WithCtx(gctx).Debug()
		default:
			event = logger.WithCtx(gctx).Info()
		}

		event.Msg(fmt.Sprintf("%s | %s | %s | %d | %s | %s",
			gctx.ClientIP(),
			gctx.Request.Method,
			path,
			status,
			latency.String(),
			gctx.Errors.ByType(gin.ErrorTypePrivate).String()))
	}
}

// Session tokens travel in the websocket query string and must never reach the logs.
func redactQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "[unparsable]"
	}
	if _, ok := values["token"]; !ok {
		return raw
	}
	values.Set("token", "[redacted]")
	return values.Encode()
}

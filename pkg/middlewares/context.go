package middlewares

import (
	"Relay/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
)

// Header carrying the correlation id, both on responses and on outgoing backend calls.
const CorrelationHeader = "X-Correlation-ID"

// This middleware will be used to populate every incoming request's context with an Unique CorrelationID.
// An id supplied by an upstream proxy is kept so one chain of events can be followed across services.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(gctx *gin.Context) {
		correlationID := gctx.GetHeader(CorrelationHeader)
		if correlationID == "" {
			correlationID = xid.New().String()
		}
		// Setting the correlationID in request's context, picked up by log.WithCtx
		gctx.Set(log.ReqIDKey, correlationID)
		// Setting the correlationID to response header
		gctx.Writer.Header().Set(CorrelationHeader, correlationID)
		gctx.Next()
	}
}

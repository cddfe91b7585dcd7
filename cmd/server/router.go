// List of every HTTP endpoint served by Relay.

package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Router(router *gin.Engine, a *app) {
	// Websocket entrypoint, v and token are read from the query string
	router.GET("/", a.sessions.ServeWS())

	router.GET("/status", func(gctx *gin.Context) {
		gctx.JSON(http.StatusOK, a.gatewayStatus(gctx))
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.prom, promhttp.HandlerOpts{})))
}

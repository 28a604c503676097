package main

import (
	"callqc-platform/internal/httpapi"
	"callqc-platform/internal/webhook"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, wh *webhook.Handler, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Call-completion webhooks (public).
	// NOTE: protect with sender signature validation before exposing publicly.
	r.POST("/webhooks/calls", wh.HandleCall)

	// AUTH routes (token issuance).
	r.POST("/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/calls", h.ListCalls)
		v1.GET("/calls/:id", h.GetCall)

		reports := v1.Group("/reports")
		{
			reports.GET("/summary", h.GetSummary)
			reports.GET("/export.csv", h.ExportCSV)
			reports.GET("/export.xlsx", h.ExportXLSX)
		}
	}
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arnavshah/rota-api-go/pkg/metrics"
)

// Version is reported by the root route
const Version = "3.0.0"

// Register mounts every route on r
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Duty Rota API",
			"version": Version,
		})
	})
	r.GET("/healthz", func(c *gin.Context) {
		phase, _ := h.Coord.Status()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "phase": phase})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	r.POST("/admin/login", h.Login)

	// Admin Endpoints
	admin := r.Group("/admin")
	admin.Use(h.AuthMiddleware())
	{
		admin.POST("/keys", h.GenerateKey)
		admin.GET("/keys", h.ListKeys)
		admin.PUT("/keys/:id", h.UpdateKeyLimit)
		admin.DELETE("/keys/:id", h.RevokeKey)
		admin.GET("/usage/:id", h.GetUsage)
		admin.PUT("/roster", h.ReplaceRoster)
		admin.PATCH("/roster/:id", h.SetMemberActive)
		admin.POST("/ledger/reset", h.ResetLedger)
	}

	// Rota Endpoints
	api := r.Group("/api")
	api.Use(h.APIKeyMiddleware())
	{
		api.POST("/run", h.RunSchedule)
		api.POST("/validate", h.ValidateInput)
		api.GET("/state", h.GetState)
		api.GET("/schedule", h.GetSchedule)
		api.GET("/debts", h.GetDebts)
		api.GET("/runs", h.GetRuns)
		api.GET("/roster", h.GetRoster)
		api.GET("/watch", h.Watch)
		api.GET("/usage", h.GetMyUsage)
	}
}

// NewRouter returns an engine with every route registered
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	h.Register(r)
	return r
}

package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arnavshah/rota-api-go/pkg/app"
	"github.com/arnavshah/rota-api-go/pkg/config"
	"github.com/arnavshah/rota-api-go/pkg/logging"
)

var r *gin.Engine

func init() {
	// Load .env if it exists (for local testing with vercel dev)
	config.LoadDotEnv(".env", "../.env")

	logger := logging.New("info", "json")
	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config", "error", err)
		r = failing(err)
		return
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		r = failing(err)
		return
	}
	if r, err = a.Router(); err != nil {
		logger.Error("startup failed", "error", err)
		r = failing(err)
	}
}

// failing answers every request with the startup error
func failing(err error) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service misconfigured: " + err.Error()})
	})
	return e
}

// Handler is the entry point for Vercel Go Runtime
func Handler(w http.ResponseWriter, req *http.Request) {
	r.ServeHTTP(w, req)
}

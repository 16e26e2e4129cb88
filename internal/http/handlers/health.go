package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	pingDB func() error
	pingKV func() error
}

func NewHealthHandler(pingDB, pingKV func() error) *HealthHandler {
	return &HealthHandler{pingDB: pingDB, pingKV: pingKV}
}

func (h *HealthHandler) Healthz(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz checks both stores: the scheduler cannot do useful work with either
// tier unreachable.
func (h *HealthHandler) Readyz(ctx *gin.Context) {
	checks := gin.H{"db": "ok", "kv": "ok"}
	healthy := true

	if h.pingDB != nil {
		if err := h.pingDB(); err != nil {
			checks["db"] = err.Error()
			healthy = false
		}
	}
	if h.pingKV != nil {
		if err := h.pingKV(); err != nil {
			checks["kv"] = err.Error()
			healthy = false
		}
	}

	if !healthy {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

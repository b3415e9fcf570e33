package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"SubscriptionPay/internal/db"
)

// HealthzHandler 存活探针，进程在即返回 200
func (h *Handler) HealthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"type":   "liveness",
	})
}

// ReadinessHandler 就绪探针：启动等待期结束且数据库可用
func (h *Handler) ReadinessHandler(c *gin.Context) {
	elapsed := h.now().Sub(h.startedAt)
	if elapsed < h.readyDelay {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "not ready",
			"type":      "readiness",
			"message":   "starting up",
			"elapsed":   elapsed.String(),
			"remaining": (h.readyDelay - elapsed).String(),
		})
		return
	}

	if err := db.Ping(c.Request.Context(), h.db); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"type":    "readiness",
			"message": "database unavailable",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"type":   "readiness",
		"uptime": elapsed.String(),
	})
}

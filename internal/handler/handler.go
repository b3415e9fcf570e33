package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"SubscriptionPay/internal/middleware"
	"SubscriptionPay/internal/services"
)

type Handler struct {
	payments   *services.PaymentService
	db         *gorm.DB
	log        *log.Entry
	startedAt  time.Time
	readyDelay time.Duration
	now        func() time.Time
}

// New readyDelay 为启动后等待多久才报告就绪
func New(payments *services.PaymentService, conn *gorm.DB, readyDelay time.Duration, logger *log.Logger) *Handler {
	return &Handler{
		payments:   payments,
		db:         conn,
		log:        logger.WithField("component", "http"),
		startedAt:  time.Now(),
		readyDelay: readyDelay,
		now:        time.Now,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	if err := RegisterValidators(); err != nil {
		h.log.WithError(err).Fatal("register validators")
	}

	r.GET("/healthz", h.HealthzHandler)
	r.GET("/readyz", h.ReadinessHandler)

	r.POST("/subscription/transaction", h.PrepareSubscriptionHandler)
	r.POST("/confirm/transactions", h.ConfirmTransactionsHandler)

	r.GET("/payments/:signature", h.GetPaymentHandler)
	r.GET("/subscriptions/:wallet", h.GetSubscriptionHandler)
	r.GET("/plans", h.ListPlansHandler)

	admin := r.Group("/admin", middleware.LocalOnly())
	admin.POST("/payments/:signature/reconcile", h.ReconcileHandler)
}

// writeError 客户端错误返回 400 和可读信息，其余 500 且不暴露细节
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case services.IsClientError(err):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case services.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
	case errors.Is(err, services.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
	default:
		h.log.WithField("request_id", middleware.GetRequestID(c)).WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error, please retry later"})
	}
}

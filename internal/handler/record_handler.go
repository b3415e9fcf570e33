package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"SubscriptionPay/internal/services"
)

func (h *Handler) GetPaymentHandler(c *gin.Context) {
	payment, err := h.payments.Ledger().Payment(c.Request.Context(), c.Param("signature"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) GetSubscriptionHandler(c *gin.Context) {
	sub, err := h.payments.Ledger().Subscription(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet_address":        sub.WalletAddress,
		"subscription_end_date": sub.SubscriptionEndDate,
		"last_updated":          sub.LastUpdated,
		"active":                sub.Active(h.now()),
	})
}

func (h *Handler) ListPlansHandler(c *gin.Context) {
	rules := h.payments.Ledger().Rules()
	c.JSON(http.StatusOK, gin.H{
		"plans":            services.AvailablePlans,
		"minimumAmount":    rules.Minimum,
		"yearlyThreshold":  rules.YearlyThreshold,
		"monthlyThreshold": rules.MonthlyThreshold,
	})
}

// ReconcileHandler 立即对一笔 pending 支付做一次链上核对
func (h *Handler) ReconcileHandler(c *gin.Context) {
	result, err := h.payments.Reconcile(c.Request.Context(), c.Param("signature"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"SubscriptionPay/internal/models"
)

// PrepareSubscriptionHandler 返回待钱包签名的订阅交易
func (h *Handler) PrepareSubscriptionHandler(c *gin.Context) {
	var req models.PrepareSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": bindingMessage(err)})
		return
	}

	resp, err := h.payments.PrepareSubscription(c.Request.Context(), req.Account, req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ConfirmTransactionsHandler 提交已签名交易并逐笔返回结果；单笔失败不影响整体 200
func (h *Handler) ConfirmTransactionsHandler(c *gin.Context) {
	var req models.ConfirmTransactionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": bindingMessage(err)})
		return
	}

	resp := h.payments.ConfirmTransactions(c.Request.Context(), req.Transactions, req.Payments)
	c.JSON(http.StatusOK, resp)
}

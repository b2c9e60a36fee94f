package handlers

import (
	"log/slog"
	"net/http"

	"checkout-service/pkg/ctxmanage"
	"checkout-service/pkg/logkey"

	"github.com/gin-gonic/gin"
)

type createIntentRequest struct {
	OrderID string `json:"order_id" binding:"required,uuid"`
}

type confirmRequest struct {
	PaymentIntentID string `json:"payment_intent_id" binding:"required"`
}

func (h *Handler) PaymentConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publishable_key": h.publishableKey})
}

// CreatePaymentIntent returns the intent the client should confirm for an order.
func (h *Handler) CreatePaymentIntent(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	userId, ok := userID(c)
	if !ok {
		return
	}

	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	intent, err := h.payments.CreatePaymentIntent(c.Request.Context(), userId, req.OrderID)
	if err != nil {
		respondError(c, "failed to create payment intent", err)
		return
	}

	slog.Info("payment intent ready", slog.String(logkey.TraceID, traceId),
		slog.String(logkey.OrderID, req.OrderID), slog.String(logkey.CorrelationID, intent.CorrelationID))
	c.JSON(http.StatusOK, intent)
}

// ConfirmPayment marks the order paid once the processor reports success.
func (h *Handler) ConfirmPayment(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	userId, ok := userID(c)
	if !ok {
		return
	}

	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	res, err := h.payments.ConfirmPayment(c.Request.Context(), userId, req.PaymentIntentID)
	if err != nil {
		respondError(c, "failed to confirm payment", err)
		return
	}
	if !res.Paid {
		slog.Warn("payment confirmation failed", slog.String(logkey.TraceID, traceId),
			slog.String(logkey.CorrelationID, req.PaymentIntentID), slog.String(logkey.Status, string(res.GatewayStatus)))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":        "Payment confirmation failed",
			"status":       res.GatewayStatus,
			"order_status": res.Order.Status,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Payment confirmed",
		"order":   res.Order,
	})
}

// PaymentStatus reports gateway and order status for client polling.
func (h *Handler) PaymentStatus(c *gin.Context) {
	userId, ok := userID(c)
	if !ok {
		return
	}
	res, err := h.payments.PaymentStatus(c.Request.Context(), userId, c.Param("paymentIntentId"))
	if err != nil {
		respondError(c, "failed to fetch payment status", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

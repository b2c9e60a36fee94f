package handlers

import (
	"log/slog"
	"net/http"

	"checkout-service/internal/orders"
	"checkout-service/pkg/ctxmanage"
	"checkout-service/pkg/logkey"

	"github.com/gin-gonic/gin"
)

// PlaceOrder turns the caller's cart into a pending order.
func (h *Handler) PlaceOrder(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	userId, ok := userID(c)
	if !ok {
		return
	}

	order, err := h.placer.PlaceOrder(c.Request.Context(), userId)
	if err != nil {
		respondError(c, "failed to place order", err)
		return
	}

	slog.Info("order created", slog.String(logkey.TraceID, traceId),
		slog.String(logkey.OrderID, order.ID), slog.String(logkey.UserID, userId))
	c.JSON(http.StatusCreated, order)
}

// PreviewOrder shows what placing an order would charge right now.
func (h *Handler) PreviewOrder(c *gin.Context) {
	userId, ok := userID(c)
	if !ok {
		return
	}
	snap, err := h.placer.Preview(c.Request.Context(), userId)
	if err != nil {
		respondError(c, "failed to preview order", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) ListOrders(c *gin.Context) {
	userId, ok := userID(c)
	if !ok {
		return
	}
	list, err := h.orders.ListOrders(c.Request.Context(), userId)
	if err != nil {
		respondError(c, "failed to list orders", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

func (h *Handler) GetOrder(c *gin.Context) {
	userId, ok := userID(c)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"), userId)
	if err != nil {
		respondError(c, "failed to fetch order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateOrderStatus lets staff move a paid order through fulfillment.
func (h *Handler) UpdateOrderStatus(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	order, err := h.admin.UpdateOrderStatus(c.Request.Context(), c.Param("id"), orders.Status(req.Status))
	if err != nil {
		respondError(c, "failed to update order status", err)
		return
	}

	slog.Info("order status updated", slog.String(logkey.TraceID, traceId),
		slog.String(logkey.OrderID, order.ID), slog.String(logkey.Status, string(order.Status)))
	c.JSON(http.StatusOK, order)
}

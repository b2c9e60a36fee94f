package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"checkout-service/internal/auth"
	"checkout-service/internal/cart"
	"checkout-service/internal/orders"
	"checkout-service/internal/payment"
	"checkout-service/internal/reconcile"
	"checkout-service/pkg/ctxmanage"
	"checkout-service/pkg/logkey"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// respondError logs err and writes the status and message it maps to.
func respondError(c *gin.Context, msg string, err error) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	status, public := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
	} else {
		slog.Warn(msg, slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": public})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, cart.ErrEmptyCart):
		return http.StatusBadRequest, "Cart is empty"
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound, "Order not found"
	case orders.IsValidation(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, reconcile.ErrAlreadyPaid):
		return http.StatusBadRequest, "Order has already been paid"
	case errors.Is(err, reconcile.ErrOrderNotPending):
		return http.StatusBadRequest, "Order is not awaiting payment"
	case orders.IsConflict(err), errors.Is(err, orders.ErrIntentInUse):
		return http.StatusConflict, "Order was updated concurrently, retry the request"
	case payment.IsTransient(err):
		return http.StatusBadGateway, "Payment provider is unavailable, retry later"
	case payment.IsRejected(err):
		return http.StatusInternalServerError, "Payment provider rejected the request"
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

// bindError turns a request binding failure into a 400 response.
func bindError(c *gin.Context, err error) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)
	slog.Warn("invalid request body", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "uuid":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid id", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
		}
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": strings.Join(msgs, "; ")})
}

// userID returns the authenticated caller, aborting with 401 if there is none.
func userID(c *gin.Context) (string, bool) {
	claims, ok := c.Request.Context().Value(auth.ClaimsKey).(auth.Claims)
	if !ok {
		slog.Error("claims not found", slog.String(logkey.TraceID, ctxmanage.GetTraceIdOfRequest(c)))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": http.StatusText(http.StatusUnauthorized)})
		return "", false
	}
	return claims.Subject, true
}

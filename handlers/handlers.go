package handlers

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"checkout-service/internal/auth"
	"checkout-service/internal/cart"
	"checkout-service/internal/orders"
	"checkout-service/internal/reconcile"
	"checkout-service/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, userID string) (orders.Order, error)
	Preview(ctx context.Context, userID string) (cart.Snapshot, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, id string, userID string) (orders.Order, error)
	ListOrders(ctx context.Context, userID string) ([]orders.Order, error)
}

// OrderAdmin moves orders through fulfillment.
type OrderAdmin interface {
	UpdateOrderStatus(ctx context.Context, orderID string, next orders.Status) (orders.Order, error)
}

type Payments interface {
	CreatePaymentIntent(ctx context.Context, userID string, orderID string) (reconcile.IntentResult, error)
	ConfirmPayment(ctx context.Context, userID string, correlationID string) (reconcile.ConfirmResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error
	PaymentStatus(ctx context.Context, userID string, correlationID string) (reconcile.StatusResult, error)
}

// Deps is everything the HTTP API needs.
type Deps struct {
	Placer         OrderPlacer
	Orders         OrderReader
	Payments       Payments
	Admin          OrderAdmin
	PublishableKey string
	AllowedOrigins []string
	GinMode        string
}

type Handler struct {
	placer         OrderPlacer
	orders         OrderReader
	payments       Payments
	admin          OrderAdmin
	publishableKey string
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		placer:         d.Placer,
		orders:         d.Orders,
		payments:       d.Payments,
		admin:          d.Admin,
		publishableKey: d.PublishableKey,
	}
}

func API(endpointPrefix string, k *auth.Keys, d Deps) *gin.Engine {
	if d.GinMode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if d.GinMode == gin.TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	registerJSONFieldNames()

	r := gin.New()
	m, err := middleware.NewMid(k)
	if err != nil {
		panic(err)
	}

	h := NewHandler(d)
	r.Use(middleware.Logger(), gin.Recovery())
	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     d.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.TraceHeader},
			ExposeHeaders:    []string{middleware.TraceHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/ping", HealthCheck)
	v1 := r.Group(endpointPrefix)
	{
		v1.GET("/payments/config", h.PaymentConfig)
		v1.POST("/payments/webhook", h.Webhook)

		v1.Use(m.Authentication())
		v1.POST("/orders/place", m.Authorize(h.PlaceOrder, auth.RoleUser, auth.RoleAdmin))
		v1.GET("/orders/preview", m.Authorize(h.PreviewOrder, auth.RoleUser, auth.RoleAdmin))
		v1.GET("/orders", m.Authorize(h.ListOrders, auth.RoleUser, auth.RoleAdmin))
		v1.GET("/orders/:id", m.Authorize(h.GetOrder, auth.RoleUser, auth.RoleAdmin))
		v1.PATCH("/orders/:id/status", m.Authorize(h.UpdateOrderStatus, auth.RoleAdmin))
		v1.POST("/payments/intent", m.Authorize(h.CreatePaymentIntent, auth.RoleUser, auth.RoleAdmin))
		v1.POST("/payments/confirm", m.Authorize(h.ConfirmPayment, auth.RoleUser, auth.RoleAdmin))
		v1.GET("/payments/status/:paymentIntentId", m.Authorize(h.PaymentStatus, auth.RoleUser, auth.RoleAdmin))
	}
	return r
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

var registerOnce sync.Once

// registerJSONFieldNames makes validation errors name fields the way clients send them.
func registerJSONFieldNames() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
}

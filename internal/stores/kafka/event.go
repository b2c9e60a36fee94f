package kafka

import "time"

const (
	TopicOrderPlaced    = `order-service.order-placed`
	TopicOrderPaid      = `order-service.order-paid`
	TopicOrderCancelled = `order-service.order-cancelled`
)

type OrderPlacedEvent struct {
	OrderId     string    `json:"order_id"`
	UserId      string    `json:"user_id"`
	TotalAmount string    `json:"total_amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// OrderPaidEvent is produced once per order line so stock can be adjusted per product.
type OrderPaidEvent struct {
	OrderId         string    `json:"order_id"`
	ProductId       string    `json:"product_id"`
	Quantity        int       `json:"quantity"`
	PaymentIntentId string    `json:"payment_intent_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type OrderCancelledEvent struct {
	OrderId         string    `json:"order_id"`
	UserId          string    `json:"user_id"`
	PaymentIntentId string    `json:"payment_intent_id"`
	CreatedAt       time.Time `json:"created_at"`
}

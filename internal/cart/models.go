package cart

import (
	"errors"

	"checkout-service/internal/orders"

	"github.com/shopspring/decimal"
)

// ErrEmptyCart means the user has no active cart or it holds no items.
var ErrEmptyCart = errors.New("cart is empty")

// Snapshot is the priced content of a cart at checkout time.
type Snapshot struct {
	CartID int64            `json:"-"`
	UserID string           `json:"user_id"`
	Lines  []orders.NewLine `json:"lines"`
	Total  decimal.Decimal  `json:"total"`
}

package trading

import (
	"errors"
	"time"

	"github.com/evermarkets/evr-core/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrOrderCanceled  = errors.New("order already canceled")
	ErrOrderFilled    = errors.New("order already fully filled")
	ErrOrderContended = errors.New("order changed during cancellation")
	ErrNoOpenAuction  = errors.New("no open auction for product")
)

// CompletedOrder is an order that has left the book, decorated with the
// clearing price of the auction it traded in (when it traded).
type CompletedOrder struct {
	types.Order
	ClearingPrice decimal.NullDecimal `json:"clearing_price"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

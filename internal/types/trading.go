package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order type constants. Market orders carry no price and trade at whatever
// price the auction discovers.
const (
	OrderTypeLimit  = "LMT"
	OrderTypeMarket = "MKT"
)

// Time-in-force constants. NXT orders participate only in the auction they
// were bound to at creation; GTC orders rest until filled or canceled.
const (
	TimeInForceNextAuction     = "NXT"
	TimeInForceGoodTilCanceled = "GTC"
)

type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string          `gorm:"uniqueIndex" json:"order_id"`
	ProductSymbol  string          `gorm:"index" json:"product_symbol"`
	ProviderKey    string          `json:"provider_key"`
	TraderID       string          `json:"trader_id"`
	AuctionID      string          `json:"auction_id"`
	OrderType      string          `json:"order_type"` // LMT or MKT
	Price          decimal.Decimal `gorm:"type:decimal(32,16)" json:"price"`
	Quantity       decimal.Decimal `gorm:"type:decimal(32,16)" json:"quantity"`        // signed: >0 bid, <0 ask
	QuantityFilled decimal.Decimal `gorm:"type:decimal(32,16)" json:"quantity_filled"` // same sign as Quantity
	TimeInForce    string          `json:"time_in_force"` // NXT or GTC
	CanceledAt     *time.Time      `json:"canceled_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Residual returns the signed unfilled quantity of the order.
func (o *Order) Residual() decimal.Decimal {
	return o.Quantity.Sub(o.QuantityFilled)
}

type Auction struct {
	gorm.Model    `json:"-"`
	AuctionID     string              `gorm:"uniqueIndex" json:"auction_id"`
	ProductSymbol string              `gorm:"index" json:"product_symbol"`
	Price         decimal.NullDecimal `gorm:"type:decimal(32,16)" json:"price"`
	Volume        decimal.NullDecimal `gorm:"type:decimal(32,16)" json:"volume"`
	EndedAt       *time.Time          `json:"ended_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type Product struct {
	gorm.Model        `json:"-"`
	Symbol            string          `gorm:"uniqueIndex" json:"symbol"`
	LongName          string          `json:"long_name"`
	Multiplier        decimal.Decimal `gorm:"type:decimal(32,16)" json:"multiplier"`
	InitialMargin     decimal.Decimal `gorm:"type:decimal(32,16)" json:"initial_margin"`      // per contract
	MaintenanceMargin decimal.Decimal `gorm:"type:decimal(32,16)" json:"maintenance_margin"` // per contract
	FeePerContract    decimal.Decimal `gorm:"type:decimal(32,16)" json:"fee_per_contract"`
	Expiry            time.Time       `json:"expiry"`
	SettledAt         *time.Time      `json:"settled_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ProviderProduct registers a margin provider for a product together with
// the leverage it extends to its traders on that product.
type ProviderProduct struct {
	gorm.Model    `json:"-"`
	ProviderKey   string          `gorm:"index:idx_provider_product,unique" json:"provider_key"`
	ProductSymbol string          `gorm:"index:idx_provider_product,unique" json:"product_symbol"`
	Leverage      decimal.Decimal `gorm:"type:decimal(32,16)" json:"leverage"` // >= 1
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ValidateOrder checks an incoming order before it is accepted into the book.
func ValidateOrder(o *Order) error {
	if o.ProductSymbol == "" {
		return fmt.Errorf("product_symbol is required")
	}
	if o.ProviderKey == "" {
		return fmt.Errorf("provider_key is required")
	}
	if o.TraderID == "" {
		return fmt.Errorf("trader_id is required")
	}
	if o.Quantity.IsZero() {
		return fmt.Errorf("quantity must be non-zero")
	}

	switch o.OrderType {
	case OrderTypeLimit:
		if !o.Price.IsPositive() {
			return fmt.Errorf("limit orders require a positive price")
		}
	case OrderTypeMarket:
		if !o.Price.IsZero() {
			return fmt.Errorf("market orders must not carry a price")
		}
	default:
		return fmt.Errorf("order_type must be %s or %s", OrderTypeLimit, OrderTypeMarket)
	}

	switch o.TimeInForce {
	case TimeInForceNextAuction, TimeInForceGoodTilCanceled:
	default:
		return fmt.Errorf("time_in_force must be %s or %s", TimeInForceNextAuction, TimeInForceGoodTilCanceled)
	}

	return nil
}

package ledger

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Sentinel errors surfaced by ledger operations. Verify and Commit fail the
// whole batch with one of the insufficiency reasons; nothing is mutated on
// failure.
var (
	ErrUnknownProduct            = errors.New("unknown product")
	ErrUnknownProvider           = errors.New("unknown margin provider")
	ErrProductSettled            = errors.New("product already settled")
	ErrInsufficientTraderDeposit = errors.New("insufficient trader deposit")
	ErrInsufficientLenderDeposit = errors.New("insufficient lender deposit")
	ErrInsufficientAvailable     = errors.New("withdrawal exceeds available funds")
	ErrInvalidAmount             = errors.New("amount must be positive")
)

// ProductSpec fixes the margin and fee parameters of one listed product.
// Margins are flat per contract.
type ProductSpec struct {
	Symbol            string
	Multiplier        decimal.Decimal
	InitialMargin     decimal.Decimal
	MaintenanceMargin decimal.Decimal
	FeePerContract    decimal.Decimal
}

// Trade is one signed position delta inside a batch, all legs of which
// execute at a single price.
type Trade struct {
	ProviderKey string          `json:"provider_key"`
	Product     string          `json:"product"`
	TraderID    string          `json:"trader_id"`
	Size        decimal.Decimal `json:"size"`
}

// Liquidation records one slice of a position reassigned to the provider's
// house account during a mark-to-market pass.
type Liquidation struct {
	ProviderKey string          `json:"provider_key"`
	Product     string          `json:"product"`
	TraderID    string          `json:"trader_id"`
	Quantity    decimal.Decimal `json:"quantity"` // signed slice moved to the house
	Price       decimal.Decimal `json:"price"`
}

// AccountStats is the solvency view of one (provider, trader) account at
// current mark prices.
type AccountStats struct {
	NetLiquidationValue decimal.Decimal `json:"net_liquidation_value"`
	AvailableFunds      decimal.Decimal `json:"available_funds"`
	ExcessLiquidity     decimal.Decimal `json:"excess_liquidity"`
}

// moneyPlaces is the fixed-point resolution for rounded margin figures.
const moneyPlaces = 8

// Required collateral rounds up, releasable collateral rounds down; the
// ledger never overstates solvency.
func roundRequired(v decimal.Decimal) decimal.Decimal {
	return v.RoundCeil(moneyPlaces)
}

func roundReleasable(v decimal.Decimal) decimal.Decimal {
	return v.RoundFloor(moneyPlaces)
}

func max0(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

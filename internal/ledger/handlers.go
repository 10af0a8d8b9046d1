package ledger

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/evermarkets/evr-core/pkg/response"
)

// GinHandlers contains HTTP handlers for the ledger's read and write
// surface.
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(l *Ledger) *GinHandlers {
	return &GinHandlers{ledger: l}
}

type amountRequest struct {
	TraderID string          `json:"trader_id"`
	Amount   decimal.Decimal `json:"amount"`
}

func handleLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnknownProvider), errors.Is(err, ErrUnknownProduct):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInsufficientAvailable):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrInsufficientTraderDeposit), errors.Is(err, ErrInsufficientLenderDeposit):
		response.UnprocessableEntity(c, err.Error())
	case errors.Is(err, ErrProductSettled):
		response.Conflict(c, err.Error())
	default:
		response.InternalError(c, err.Error())
	}
}

// DepositHandler credits a trader's account with the provider
// URL parameter: provider; body: trader_id, amount
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.TraderID == "" {
			response.BadRequest(c, "trader_id is required")
			return
		}

		provider := c.Param("provider")
		if err := h.ledger.Deposit(provider, req.TraderID, req.Amount); err != nil {
			handleLedgerError(c, err)
			return
		}
		response.Success(c, gin.H{
			"available_deposit": h.ledger.GetAvailableDeposit(provider, req.TraderID),
		})
	}
}

// WithdrawHandler debits a trader's unassigned balance
func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.TraderID == "" {
			response.BadRequest(c, "trader_id is required")
			return
		}

		provider := c.Param("provider")
		if err := h.ledger.Withdraw(provider, req.TraderID, req.Amount); err != nil {
			handleLedgerError(c, err)
			return
		}
		response.Success(c, gin.H{
			"available_deposit": h.ledger.GetAvailableDeposit(provider, req.TraderID),
		})
	}
}

// LenderDepositHandler funds the provider's leverage pool
func (h *GinHandlers) LenderDepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		provider := c.Param("provider")
		if err := h.ledger.DepositForLender(provider, req.Amount); err != nil {
			handleLedgerError(c, err)
			return
		}
		response.Success(c, gin.H{
			"lender_available_funds": h.ledger.GetLenderAvailableFunds(provider),
		})
	}
}

// LenderWithdrawHandler unfunds the leverage pool; funds locked behind
// open leveraged exposure stay put
func (h *GinHandlers) LenderWithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		provider := c.Param("provider")
		if err := h.ledger.WithdrawForLender(provider, req.Amount); err != nil {
			handleLedgerError(c, err)
			return
		}
		response.Success(c, gin.H{
			"lender_available_funds": h.ledger.GetLenderAvailableFunds(provider),
		})
	}
}

// GetAccountHandler returns a trader's balances and solvency stats
// URL parameters: provider, trader
func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")
		trader := c.Param("trader")

		stats, err := h.ledger.TraderStats(provider, trader)
		if err != nil {
			handleLedgerError(c, err)
			return
		}
		response.Success(c, gin.H{
			"available_deposit": h.ledger.GetAvailableDeposit(provider, trader),
			"locked_deposit":    h.ledger.GetLockedDeposit(provider, trader),
			"stats":             stats,
		})
	}
}

// GetPositionHandler returns a trader's position in one product
// URL parameters: provider, product, trader
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")
		product := c.Param("product")
		trader := c.Param("trader")

		response.Success(c, gin.H{
			"quantity":            h.ledger.GetQuantity(provider, product, trader),
			"average_entry_price": h.ledger.GetAverageEntryPrice(provider, product, trader),
		})
	}
}

// GetProviderHandler returns the provider's netted book in one product
// together with its lender pool and fee balances
func (h *GinHandlers) GetProviderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")
		product := c.Param("product")

		stats, err := h.ledger.ProviderStats(provider, product)
		if err != nil {
			handleLedgerError(c, err)
			return
		}
		response.Success(c, gin.H{
			"stats":                  stats,
			"lender_available_funds": h.ledger.GetLenderAvailableFunds(provider),
			"fee_balance":            h.ledger.GetFeeBalance(provider),
		})
	}
}

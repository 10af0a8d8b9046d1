// Package settlement orchestrates auction execution: it snapshots the open
// book, runs the matching engine, applies the fills through the ledger's
// verify/commit protocol and rolls the auction forward.
package settlement

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/evermarkets/evr-core/internal/auction"
	"github.com/evermarkets/evr-core/internal/ledger"
	"github.com/evermarkets/evr-core/internal/types"
	"github.com/evermarkets/evr-core/pkg/response"
	"github.com/shopspring/decimal"
)

// Executor runs call auctions. One auction per product executes at a time;
// the order snapshot and the fill application share a single database
// transaction so a racing cancel can never un-fill a matched order.
type Executor struct {
	db     *Database
	ledger *ledger.Ledger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewExecutor(gormDB *gorm.DB, l *ledger.Ledger) *Executor {
	return &Executor{
		db:     NewDatabase(gormDB),
		ledger: l,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Executor) GetDB() *Database {
	return e.db
}

func (e *Executor) productLock(product string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[product]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[product] = lock
	}
	return lock
}

// CallAuction executes the product's open auction. When expectAuctionID is
// non-empty the call fails with ErrStaleAuction unless that auction is
// still the open one, so a caller can never settle the same auction twice.
//
// A non-executed result (nothing crossed, or a participant could not be
// funded) leaves the auction open for the next cycle and is not an error.
func (e *Executor) CallAuction(product, expectAuctionID string) (*CallResult, error) {
	lock := e.productLock(product)
	lock.Lock()
	defer lock.Unlock()

	logger := log.With().
		Str("service", "settlement").
		Str("product", product).
		Logger()

	var result *CallResult
	err := e.db.Transaction(func(tx *gorm.DB) error {
		a, err := getOpenAuction(tx, product)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if expectAuctionID != "" {
					return fmt.Errorf("%w: %s", ErrStaleAuction, expectAuctionID)
				}
				return fmt.Errorf("%w: %s", ErrNoOpenAuction, product)
			}
			return err
		}
		if expectAuctionID != "" && expectAuctionID != a.AuctionID {
			return fmt.Errorf("%w: %s", ErrStaleAuction, expectAuctionID)
		}

		lastPrice, err := lastClearingPrice(tx, product)
		if err != nil {
			return err
		}
		orders, err := openOrders(tx, product, a.AuctionID)
		if err != nil {
			return err
		}

		res := auction.Run(orders, lastPrice)
		if res.Empty() {
			result = &CallResult{AuctionID: a.AuctionID, Reason: "no crossing volume"}
			return nil
		}

		trades := tradesFromResult(product, res)
		if err := e.ledger.Verify(trades, res.ClearingPrice); err != nil {
			logger.Info().Err(err).Msg("auction batch rejected by ledger")
			result = &CallResult{AuctionID: a.AuctionID, Reason: err.Error()}
			return nil
		}
		// Verify passed under the same ledger state Commit will see; the
		// ledger lock serializes both against any concurrent mutation.
		if err := e.ledger.Commit(trades, res.ClearingPrice); err != nil {
			return fmt.Errorf("commit after successful verify: %w", err)
		}

		// A storage failure past this point rolls the transaction back
		// while the ledger keeps the batch; the error logs below flag
		// that divergence.
		if err := applyFills(tx, orders, res.Fills); err != nil {
			logger.Error().Err(err).Msg("ledger committed but fills not persisted")
			return err
		}
		endedAt := time.Now()
		if err := closeAuction(tx, a.AuctionID, res.ClearingPrice, res.TotalVolume, endedAt); err != nil {
			logger.Error().Err(err).Msg("ledger committed but auction not closed")
			return err
		}
		next, err := createAuction(tx, product)
		if err != nil {
			return err
		}

		result = &CallResult{
			Executed:      true,
			AuctionID:     a.AuctionID,
			NextAuctionID: next.AuctionID,
			ClearingPrice: res.ClearingPrice,
			Volume:        res.TotalVolume,
			Imbalance:     res.Imbalance,
			Fills:         len(res.Fills),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Executed {
		logger.Info().
			Str("auction_id", result.AuctionID).
			Str("clearing_price", result.ClearingPrice.String()).
			Str("volume", result.Volume.String()).
			Int("fills", result.Fills).
			Msg("auction executed")
	} else {
		logger.Debug().
			Str("auction_id", result.AuctionID).
			Str("reason", result.Reason).
			Msg("auction not executed")
	}

	return result, nil
}

// VerifyCallAuction is the read-only pre-flight: it runs the engine over
// the current book and verifies the batch against the ledger without
// committing anything.
func (e *Executor) VerifyCallAuction(product string) (*CallResult, error) {
	a, err := e.db.GetOpenAuction(product)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoOpenAuction, product)
		}
		return nil, err
	}

	res, err := e.runEngine(product, a.AuctionID)
	if err != nil {
		return nil, err
	}
	if res.Empty() {
		return &CallResult{AuctionID: a.AuctionID, Reason: "no crossing volume"}, nil
	}

	if err := e.ledger.Verify(tradesFromResult(product, res), res.ClearingPrice); err != nil {
		return &CallResult{AuctionID: a.AuctionID, Reason: err.Error()}, nil
	}
	return &CallResult{
		Executed:      true,
		AuctionID:     a.AuctionID,
		ClearingPrice: res.ClearingPrice,
		Volume:        res.TotalVolume,
		Imbalance:     res.Imbalance,
		Fills:         len(res.Fills),
	}, nil
}

// RefreshIndicative recomputes the would-be clearing price and volume and
// writes them onto the open auction record.
func (e *Executor) RefreshIndicative(product string) error {
	a, err := e.db.GetOpenAuction(product)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNoOpenAuction, product)
		}
		return err
	}

	res, err := e.runEngine(product, a.AuctionID)
	if err != nil {
		return err
	}

	var price, volume decimal.NullDecimal
	if !res.Empty() {
		price = decimal.NewNullDecimal(res.ClearingPrice)
		volume = decimal.NewNullDecimal(res.TotalVolume)
	}
	return e.db.UpdateIndicative(a.AuctionID, price, volume)
}

// CurrentAuction returns the product's open auction record.
func (e *Executor) CurrentAuction(product string) (*types.Auction, error) {
	a, err := e.db.GetOpenAuction(product)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoOpenAuction, product)
		}
		return nil, err
	}
	return a, nil
}

func (e *Executor) runEngine(product, auctionID string) (auction.Result, error) {
	var res auction.Result
	err := e.db.Transaction(func(tx *gorm.DB) error {
		lastPrice, err := lastClearingPrice(tx, product)
		if err != nil {
			return err
		}
		orders, err := openOrders(tx, product, auctionID)
		if err != nil {
			return err
		}
		res = auction.Run(orders, lastPrice)
		return nil
	})
	return res, err
}

// tradesFromResult flattens the engine output into a ledger batch,
// preserving the provider grouping the engine emitted.
func tradesFromResult(product string, res auction.Result) []ledger.Trade {
	trades := make([]ledger.Trade, 0, len(res.Fills))
	for _, f := range res.Fills {
		trades = append(trades, ledger.Trade{
			ProviderKey: f.ProviderKey,
			Product:     product,
			TraderID:    f.TraderID,
			Size:        f.Size,
		})
	}
	return trades
}

// GinHandlers contains HTTP handlers for auction execution endpoints.
type GinHandlers struct {
	executor *Executor
}

func NewGinHandlers(executor *Executor) *GinHandlers {
	return &GinHandlers{executor: executor}
}

// CallAuctionHandler handles POST requests to execute a product's open
// auction. An optional auction_id query parameter guards against calling a
// stale auction.
func (h *GinHandlers) CallAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		product := c.Param("product")
		expect := c.Query("auction_id")

		result, err := h.executor.CallAuction(product, expect)
		switch {
		case errors.Is(err, ErrNoOpenAuction):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrStaleAuction):
			response.Conflict(c, err.Error())
		default:
			response.Handle(c, result, err)
		}
	}
}

// VerifyCallAuctionHandler handles GET requests for the read-only
// pre-flight check.
func (h *GinHandlers) VerifyCallAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		product := c.Param("product")

		result, err := h.executor.VerifyCallAuction(product)
		if errors.Is(err, ErrNoOpenAuction) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, result, err)
	}
}

// GetAuctionHandler returns the product's open auction with its indicative
// price and volume.
func (h *GinHandlers) GetAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		product := c.Param("product")

		if err := h.executor.RefreshIndicative(product); err != nil && !errors.Is(err, ErrNoOpenAuction) {
			response.InternalError(c, err.Error())
			return
		}
		a, err := h.executor.CurrentAuction(product)
		if errors.Is(err, ErrNoOpenAuction) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, a, err)
	}
}

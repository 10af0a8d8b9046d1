package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/evermarkets/evr-core/internal/database"
	"github.com/evermarkets/evr-core/internal/ledger"
	"github.com/evermarkets/evr-core/internal/product"
	"github.com/evermarkets/evr-core/internal/settlement"
	"github.com/evermarkets/evr-core/internal/trading"
	"github.com/evermarkets/evr-core/internal/types"
)

const productSymbol = "EVR-DEC26"

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// main runs a scripted end-to-end pass over the core: list a product,
// register a leveraged margin provider, fund accounts, trade through two
// call auctions, mark the book down far enough to liquidate, and settle.
func main() {
	db, err := database.Open("file::memory:?cache=shared")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	coreLedger := ledger.New()
	productService := product.NewService(db, coreLedger)
	tradingService := trading.NewService(db)
	executor := settlement.NewExecutor(db, coreLedger)

	// List the product; this opens the first auction.
	if _, err := productService.CreateProduct(&product.CreateProductRequest{
		Symbol:            productSymbol,
		LongName:          "EverMarkets December 2026 Future",
		Multiplier:        d("1"),
		InitialMargin:     d("2"),
		MaintenanceMargin: d("1.6"),
		FeePerContract:    d("0.1"),
		Expiry:            time.Now().Add(24 * time.Hour),
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to create product")
	}

	if _, err := productService.AddProvider(productSymbol, "syndicate-one", d("2")); err != nil {
		log.Fatal().Err(err).Msg("failed to register provider")
	}

	// Fund the participants: two traders plus the provider's lender pool.
	mustDeposit(coreLedger, "alice", "100")
	mustDeposit(coreLedger, "bob", "100")
	if err := coreLedger.DepositForLender("syndicate-one", d("200")); err != nil {
		log.Fatal().Err(err).Msg("lender deposit failed")
	}

	// First auction: a crossed pair of limit orders discovers the price.
	placeOrder(tradingService, "alice", types.OrderTypeLimit, "10.5", "20")
	placeOrder(tradingService, "bob", types.OrderTypeLimit, "9.5", "-20")
	runAuction(executor)

	// Second auction: market orders trade at the discovered price.
	placeOrder(tradingService, "alice", types.OrderTypeMarket, "", "5")
	placeOrder(tradingService, "bob", types.OrderTypeMarket, "", "-5")
	runAuction(executor)

	printAccount(coreLedger, "alice")
	printAccount(coreLedger, "bob")

	// Mark the book down hard enough to force a liquidation pass.
	liquidations, err := coreLedger.MarkToMarket(productSymbol, d("6"))
	if err != nil {
		log.Fatal().Err(err).Msg("mark to market failed")
	}
	log.Info().Int("liquidations", len(liquidations)).Msg("marked book to 6")

	printAccount(coreLedger, "alice")
	printAccount(coreLedger, "bob")

	// Settle at the last mark and show the final balances.
	if err := coreLedger.Settle(productSymbol, d("6")); err != nil {
		log.Fatal().Err(err).Msg("settlement failed")
	}
	log.Info().Msg("product settled")

	printAccount(coreLedger, "alice")
	printAccount(coreLedger, "bob")
	log.Info().
		Str("fees", coreLedger.GetFeeBalance("syndicate-one").String()).
		Str("lender_available", coreLedger.GetLenderAvailableFunds("syndicate-one").String()).
		Msg("provider balances")
}

func mustDeposit(l *ledger.Ledger, trader, amount string) {
	if err := l.Deposit("syndicate-one", trader, d(amount)); err != nil {
		log.Fatal().Err(err).Str("trader", trader).Msg("deposit failed")
	}
}

func placeOrder(s *trading.Service, trader, orderType, price, quantity string) {
	order := &types.Order{
		ProductSymbol: productSymbol,
		ProviderKey:   "syndicate-one",
		TraderID:      trader,
		OrderType:     orderType,
		Quantity:      d(quantity),
		TimeInForce:   types.TimeInForceNextAuction,
	}
	if orderType == types.OrderTypeLimit {
		order.Price = d(price)
	}

	if err := s.CreateOrder(order, "sim-"+trader+"-"+time.Now().Format(time.RFC3339Nano)); err != nil {
		log.Fatal().Err(err).Str("trader", trader).Msg("order rejected")
	}
	log.Info().
		Str("order_id", order.OrderID).
		Str("trader", trader).
		Str("quantity", quantity).
		Msg("order placed")
}

func runAuction(e *settlement.Executor) {
	result, err := e.CallAuction(productSymbol, "")
	if err != nil {
		log.Fatal().Err(err).Msg("auction call failed")
	}
	if !result.Executed {
		log.Warn().Str("reason", result.Reason).Msg("auction did not execute")
		return
	}
	log.Info().
		Str("clearing_price", result.ClearingPrice.String()).
		Str("volume", result.Volume.String()).
		Int("fills", result.Fills).
		Msg("auction executed")
}

func printAccount(l *ledger.Ledger, trader string) {
	stats, err := l.TraderStats("syndicate-one", trader)
	if err != nil {
		log.Fatal().Err(err).Msg("stats read failed")
	}
	log.Info().
		Str("trader", trader).
		Str("quantity", l.GetQuantity("syndicate-one", productSymbol, trader).String()).
		Str("available", l.GetAvailableDeposit("syndicate-one", trader).String()).
		Str("locked", l.GetLockedDeposit("syndicate-one", trader).String()).
		Str("nlv", stats.NetLiquidationValue.String()).
		Str("excess_liquidity", stats.ExcessLiquidity.String()).
		Msg("account")
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/evermarkets/evr-core/internal/database"
	"github.com/evermarkets/evr-core/internal/ledger"
	"github.com/evermarkets/evr-core/internal/pricefeed"
	"github.com/evermarkets/evr-core/internal/product"
	"github.com/evermarkets/evr-core/internal/settlement"
	"github.com/evermarkets/evr-core/internal/trading"
	"github.com/evermarkets/evr-core/pkg/middleware"
	"github.com/evermarkets/evr-core/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the exchange core with graceful shutdown
// support: order intake, product administration, the collateral ledger and
// the periodic auction processor.
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// The ledger handle is owned here and passed by reference; there is no
	// package-level ledger state.
	coreLedger := ledger.New()
	feed := pricefeed.NewSimulated()

	productService := product.NewService(db, coreLedger)
	productHandlers := product.NewGinHandlers(productService)

	tradingService := trading.NewService(db)
	tradingHandlers := trading.NewGinHandlers(tradingService)

	ledgerHandlers := ledger.NewGinHandlers(coreLedger)

	executor := settlement.NewExecutor(db, coreLedger)
	settlementHandlers := settlement.NewGinHandlers(executor)

	// Create and start the auction/settlement processor
	processor := settlement.NewProcessor(executor, coreLedger, feed, auctionInterval())
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go processor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, productHandlers, tradingHandlers, ledgerHandlers, settlementHandlers, feed)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// auctionInterval reads the auction cadence from AUCTION_INTERVAL_SECONDS,
// defaulting to one minute.
func auctionInterval() time.Duration {
	raw := os.Getenv("AUCTION_INTERVAL_SECONDS")
	if raw == "" {
		return time.Minute
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		zlog.Warn().Str("value", raw).Msg("invalid AUCTION_INTERVAL_SECONDS, using default")
		return time.Minute
	}
	return time.Duration(seconds) * time.Second
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality:
// - Product routes: listing administration
// - Order routes: order intake and lifecycle
// - Ledger routes: deposits, withdrawals and balance reads
// - Auction routes: public view of the open auction
// - Internal routes: auction execution and the price feed (should be
//   protected by internal network)
func setupRoutes(
	router *gin.Engine,
	productHandlers *product.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
	feed *pricefeed.Simulated,
) {
	v1 := router.Group("/api/v1")
	{
		// Product routes
		products := v1.Group("/products")
		{
			products.POST("", productHandlers.CreateProductHandler())
			products.GET("", productHandlers.ListProductsHandler())
			products.GET("/:symbol", productHandlers.GetProductHandler())
			products.POST("/:symbol/providers", productHandlers.AddProviderHandler())
			products.GET("/:symbol/providers", productHandlers.ListProvidersHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		{
			orders.POST("", tradingHandlers.CreateOrderHandler())
			orders.GET("", tradingHandlers.ListOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderStatusHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
		}

		// Ledger routes
		ledgerRoutes := v1.Group("/ledger")
		{
			ledgerRoutes.POST("/:provider/deposits", ledgerHandlers.DepositHandler())
			ledgerRoutes.POST("/:provider/withdrawals", ledgerHandlers.WithdrawHandler())
			ledgerRoutes.POST("/:provider/lender/deposits", ledgerHandlers.LenderDepositHandler())
			ledgerRoutes.POST("/:provider/lender/withdrawals", ledgerHandlers.LenderWithdrawHandler())
			ledgerRoutes.GET("/:provider/accounts/:trader", ledgerHandlers.GetAccountHandler())
			ledgerRoutes.GET("/:provider/products/:product", ledgerHandlers.GetProviderHandler())
			ledgerRoutes.GET("/:provider/products/:product/positions/:trader", ledgerHandlers.GetPositionHandler())
		}

		// Auction routes
		v1.GET("/auctions/:product", settlementHandlers.GetAuctionHandler())

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		{
			internal.POST("/auctions/:product/call", settlementHandlers.CallAuctionHandler())
			internal.GET("/auctions/:product/verify", settlementHandlers.VerifyCallAuctionHandler())
			internal.POST("/prices/:product", publishPriceHandler(feed))
		}
	}
}

// publishPriceHandler feeds one observed price into the simulated source,
// which drives the processor's mark-to-market pass.
func publishPriceHandler(feed *pricefeed.Simulated) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Price decimal.Decimal `json:"price" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		feed.Publish(c.Param("product"), req.Price)
		response.Success(c, gin.H{"product": c.Param("product"), "price": req.Price})
	}
}

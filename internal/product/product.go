// Package product administers listed products and their margin providers.
// Creating a product opens its first auction and registers its spec with
// the ledger; registering a provider configures the leverage it extends.
package product

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/evermarkets/evr-core/internal/ledger"
	"github.com/evermarkets/evr-core/internal/types"
	"github.com/evermarkets/evr-core/pkg/response"
)

type Service struct {
	db     *Database
	ledger *ledger.Ledger
}

func NewService(gormDB *gorm.DB, l *ledger.Ledger) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		ledger: l,
	}
}

// CreateProductRequest carries the parameters of a new listing.
type CreateProductRequest struct {
	Symbol            string          `json:"symbol" binding:"required"`
	LongName          string          `json:"long_name"`
	Multiplier        decimal.Decimal `json:"multiplier"`
	InitialMargin     decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	FeePerContract    decimal.Decimal `json:"fee_per_contract"`
	Expiry            time.Time       `json:"expiry"`
}

func (r *CreateProductRequest) validate() error {
	if !r.Multiplier.IsPositive() {
		return fmt.Errorf("multiplier must be positive")
	}
	if !r.InitialMargin.IsPositive() {
		return fmt.Errorf("initial_margin must be positive")
	}
	if !r.MaintenanceMargin.IsPositive() {
		return fmt.Errorf("maintenance_margin must be positive")
	}
	if r.MaintenanceMargin.GreaterThan(r.InitialMargin) {
		return fmt.Errorf("maintenance_margin cannot exceed initial_margin")
	}
	if r.FeePerContract.IsNegative() {
		return fmt.Errorf("fee_per_contract cannot be negative")
	}
	return nil
}

// CreateProduct lists a product: persists it, opens its first auction and
// registers the margin spec with the ledger.
func (s *Service) CreateProduct(req *CreateProductRequest) (*types.Product, error) {
	logger := log.With().Str("service", "product").Str("symbol", req.Symbol).Logger()

	if err := req.validate(); err != nil {
		return nil, err
	}

	product := &types.Product{
		Symbol:            req.Symbol,
		LongName:          req.LongName,
		Multiplier:        req.Multiplier,
		InitialMargin:     req.InitialMargin,
		MaintenanceMargin: req.MaintenanceMargin,
		FeePerContract:    req.FeePerContract,
		Expiry:            req.Expiry,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}

	a, err := s.db.CreateProductWithAuction(product)
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	if err := s.ledger.AddProduct(ledger.ProductSpec{
		Symbol:            product.Symbol,
		Multiplier:        product.Multiplier,
		InitialMargin:     product.InitialMargin,
		MaintenanceMargin: product.MaintenanceMargin,
		FeePerContract:    product.FeePerContract,
	}); err != nil {
		return nil, fmt.Errorf("failed to register product with ledger: %w", err)
	}

	logger.Info().
		Str("auction_id", a.AuctionID).
		Str("initial_margin", product.InitialMargin.String()).
		Msg("product listed with first auction open")

	return product, nil
}

// AddProvider registers a margin provider for a product with the leverage
// it extends to its traders.
func (s *Service) AddProvider(symbol, providerKey string, leverage decimal.Decimal) (*types.ProviderProduct, error) {
	product, err := s.db.GetProduct(symbol)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownProduct, symbol)
	}

	pp := &types.ProviderProduct{
		ProviderKey:   providerKey,
		ProductSymbol: symbol,
		Leverage:      leverage,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := s.db.CreateProviderProduct(pp); err != nil {
		return nil, err
	}

	s.ledger.RegisterProvider(providerKey)
	if err := s.ledger.SetLeverage(providerKey, symbol, leverage); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "product").
		Str("symbol", symbol).
		Str("provider", providerKey).
		Str("leverage", leverage.String()).
		Msg("margin provider registered")

	return pp, nil
}

func (s *Service) GetProduct(symbol string) (*types.Product, error) {
	return s.db.GetProduct(symbol)
}

func (s *Service) ListProducts() ([]types.Product, error) {
	return s.db.ListProducts()
}

func (s *Service) ListProviders(symbol string) ([]types.ProviderProduct, error) {
	return s.db.ListProviders(symbol)
}

// GinHandlers contains HTTP handlers for product administration.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) CreateProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateProductRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		product, err := h.service.CreateProduct(&req)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		response.Success(c, product)
	}
}

func (h *GinHandlers) GetProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		product, err := h.service.GetProduct(c.Param("symbol"))
		if err == nil && product == nil {
			response.NotFound(c, "Product not found")
			return
		}
		response.Handle(c, product, err)
	}
}

func (h *GinHandlers) ListProductsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		products, err := h.service.ListProducts()
		response.Handle(c, products, err)
	}
}

// AddProviderHandler registers a margin provider for the product
// URL parameter: symbol
func (h *GinHandlers) AddProviderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProviderKey string          `json:"provider_key" binding:"required"`
			Leverage    decimal.Decimal `json:"leverage"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		pp, err := h.service.AddProvider(c.Param("symbol"), req.ProviderKey, req.Leverage)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		response.Success(c, pp)
	}
}

func (h *GinHandlers) ListProvidersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		providers, err := h.service.ListProviders(c.Param("symbol"))
		response.Handle(c, providers, err)
	}
}

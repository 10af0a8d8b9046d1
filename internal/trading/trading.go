package trading

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/evermarkets/evr-core/internal/types"
	"github.com/evermarkets/evr-core/pkg/response"
)

// Service handles order intake and lifecycle
type Service struct {
	db *Database
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// CreateOrder validates and stores a new order with idempotency support.
// The order is bound to the product's currently open auction; NXT orders
// participate only in that auction, GTC orders rest until filled or
// canceled.
// Parameters:
//   - order: The order to create
//   - idempotencyKey: Unique key to prevent duplicate order creation
func (s *Service) CreateOrder(order *types.Order, idempotencyKey string) error {
	// Check for existing idempotency record
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)

	// If record exists and hasn't expired
	if err == nil && record.ExpiresAt.After(time.Now()) && record != nil {
		// Return existing order
		existingOrder, err := s.db.GetOrder(record.ResourceID)
		if err != nil {
			return err
		}
		if existingOrder == nil {
			return ErrOrderNotFound
		}
		*order = *existingOrder
		return nil
	}

	if order.TimeInForce == "" {
		order.TimeInForce = types.TimeInForceNextAuction
	}
	if err := types.ValidateOrder(order); err != nil {
		return err
	}

	auctionID, err := s.db.GetOpenAuctionID(order.ProductSymbol)
	if err != nil {
		return err
	}

	order.OrderID = "ORD_" + uuid.New().String()
	order.AuctionID = auctionID
	order.QuantityFilled = decimal.Zero // always starts unfilled
	order.CanceledAt = nil
	order.CreatedAt = time.Now()
	order.UpdatedAt = time.Now()

	if err := s.db.CreateOrderWithIdempotency(order, idempotencyKey); err != nil {
		return err
	}

	log.Debug().
		Str("service", "trading").
		Str("order_id", order.OrderID).
		Str("product", order.ProductSymbol).
		Str("quantity", order.Quantity.String()).
		Msg("order created")

	return nil
}

// CancelOrder cancels a resting order through a compare-and-swap on its
// observed fill state. An order that fully filled, or filled further while
// the cancel was in flight, is not canceled.
func (s *Service) CancelOrder(orderID, traderID string) (*types.Order, error) {
	order, err := s.db.GetOrderByOrderIDAndTraderID(orderID, traderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.CanceledAt != nil {
		return nil, ErrOrderCanceled
	}
	if order.Residual().IsZero() {
		return nil, ErrOrderFilled
	}

	now := time.Now()
	swapped, err := s.db.CancelOrder(orderID, traderID, order.QuantityFilled, now)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, fmt.Errorf("%w: %s", ErrOrderContended, orderID)
	}

	order.CanceledAt = &now
	order.UpdatedAt = now

	log.Debug().
		Str("service", "trading").
		Str("order_id", orderID).
		Msg("order canceled")

	return order, nil
}

// GetOrder retrieves an order by its ID
func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	return s.db.GetOrder(orderID)
}

// GetOrderByOrderIDAndTraderID retrieves an order by its ID and trader ID
func (s *Service) GetOrderByOrderIDAndTraderID(orderID, traderID string) (*types.Order, error) {
	return s.db.GetOrderByOrderIDAndTraderID(orderID, traderID)
}

// OpenOrders lists the product's resting orders, optionally for one trader.
func (s *Service) OpenOrders(product, traderID string) ([]types.Order, error) {
	return s.db.OpenOrders(product, traderID)
}

// CompletedOrders lists filled and canceled orders with clearing prices.
func (s *Service) CompletedOrders(product, traderID string) ([]CompletedOrder, error) {
	return s.db.CompletedOrders(product, traderID)
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to create new orders
// Requires an idempotency key in headers
// Request body should contain the order details
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get idempotency key from header
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var order types.Order
		if err := c.ShouldBindJSON(&order); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.CreateOrder(&order, idempotencyKey); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		response.Success(c, order)
	}
}

// CancelOrderHandler handles DELETE requests to cancel resting orders
// URL parameter: order_id; the trader is identified by the X-Trader-ID header
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		traderID := c.GetHeader("X-Trader-ID")
		if traderID == "" {
			response.BadRequest(c, "X-Trader-ID header is required")
			return
		}

		order, err := h.service.CancelOrder(orderID, traderID)
		switch {
		case err == nil:
			response.Success(c, order)
		case errors.Is(err, ErrOrderNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrOrderCanceled), errors.Is(err, ErrOrderFilled), errors.Is(err, ErrOrderContended):
			response.Conflict(c, err.Error())
		default:
			response.InternalError(c, err.Error())
		}
	}
}

// GetOrderStatusHandler handles GET requests to retrieve order status
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		traderID := c.GetHeader("X-Trader-ID")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		var (
			order *types.Order
			err   error
		)
		if traderID != "" {
			order, err = h.service.GetOrderByOrderIDAndTraderID(orderID, traderID)
		} else {
			order, err = h.service.GetOrder(orderID)
		}
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

// ListOrdersHandler handles GET requests for a product's orders
// Query parameters: product (required), trader (optional),
// status (open|completed, default open)
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		product := c.Query("product")
		if product == "" {
			response.BadRequest(c, "product query parameter is required")
			return
		}

		switch c.DefaultQuery("status", "open") {
		case "open":
			orders, err := h.service.OpenOrders(product, c.Query("trader"))
			response.Handle(c, orders, err)
		case "completed":
			orders, err := h.service.CompletedOrders(product, c.Query("trader"))
			response.Handle(c, orders, err)
		default:
			response.BadRequest(c, "status must be open or completed")
		}
	}
}

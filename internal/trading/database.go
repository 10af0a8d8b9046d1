package trading

import (
	"errors"
	"time"

	"github.com/evermarkets/evr-core/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndTraderID(orderID, traderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND trader_id = ?", orderID, traderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// GetOpenAuctionID returns the id of the product's currently open auction.
func (d *Database) GetOpenAuctionID(product string) (string, error) {
	var a types.Auction
	if err := d.db.Where("product_symbol = ? AND ended_at IS NULL", product).
		Order("created_at ASC").
		First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoOpenAuction
		}
		return "", err
	}
	return a.AuctionID, nil
}

// OpenOrders lists resting orders with residual quantity, optionally
// filtered by trader.
func (d *Database) OpenOrders(product, traderID string) ([]types.Order, error) {
	q := d.db.Where("product_symbol = ? AND canceled_at IS NULL AND quantity != quantity_filled", product)
	if traderID != "" {
		q = q.Where("trader_id = ?", traderID)
	}
	var orders []types.Order
	if err := q.Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// CompletedOrders lists orders that have fully filled or been canceled,
// each decorated with its auction's clearing price when one exists.
func (d *Database) CompletedOrders(product, traderID string) ([]CompletedOrder, error) {
	q := d.db.Where("product_symbol = ? AND (canceled_at IS NOT NULL OR quantity = quantity_filled)", product)
	if traderID != "" {
		q = q.Where("trader_id = ?", traderID)
	}
	var orders []types.Order
	if err := q.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}

	auctionIDs := make([]string, 0, len(orders))
	for _, o := range orders {
		if o.AuctionID != "" {
			auctionIDs = append(auctionIDs, o.AuctionID)
		}
	}
	prices := make(map[string]decimal.NullDecimal)
	if len(auctionIDs) > 0 {
		var auctions []types.Auction
		if err := d.db.Where("auction_id IN ?", auctionIDs).Find(&auctions).Error; err != nil {
			return nil, err
		}
		for _, a := range auctions {
			prices[a.AuctionID] = a.Price
		}
	}

	completed := make([]CompletedOrder, 0, len(orders))
	for _, o := range orders {
		completed = append(completed, CompletedOrder{
			Order:         o,
			ClearingPrice: prices[o.AuctionID],
		})
	}
	return completed, nil
}

// CancelOrder is a compare-and-swap: the cancel lands only if the order is
// still uncanceled and its filled quantity is exactly what the caller last
// saw, so a cancel racing an auction can never un-fill a matched order.
func (d *Database) CancelOrder(orderID, traderID string, seenFilled decimal.Decimal, now time.Time) (bool, error) {
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND trader_id = ? AND canceled_at IS NULL AND quantity_filled = ?",
			orderID, traderID, seenFilled).
		Updates(map[string]interface{}{
			"canceled_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CreateOrderWithIdempotency creates a new order and idempotency record in a transaction
func (d *Database) CreateOrderWithIdempotency(order *types.Order, idempotencyKey string) error {
	// Begin transaction
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	// Create idempotency record
	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.OrderID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &record, nil
		}
		return nil, err
	}
	return &record, nil
}

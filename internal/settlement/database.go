package settlement

import (
	"fmt"
	"time"

	"github.com/evermarkets/evr-core/internal/auction"
	"github.com/evermarkets/evr-core/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}

func (d *Database) GetOpenAuction(product string) (*types.Auction, error) {
	return getOpenAuction(d.db, product)
}

func getOpenAuction(tx *gorm.DB, product string) (*types.Auction, error) {
	var a types.Auction
	if err := tx.Where("product_symbol = ? AND ended_at IS NULL", product).
		Order("created_at ASC").
		First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// lastClearingPrice returns the clearing price of the most recently ended
// auction, or nil when the product has never cleared.
func lastClearingPrice(tx *gorm.DB, product string) (*decimal.Decimal, error) {
	var a types.Auction
	err := tx.Where("product_symbol = ? AND ended_at IS NOT NULL", product).
		Order("created_at DESC").
		First(&a).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	if !a.Price.Valid {
		return nil, nil
	}
	return &a.Price.Decimal, nil
}

// openOrders snapshots every order eligible for the auction: not canceled,
// residual quantity left, and either good-til-canceled or bound to this
// auction.
func openOrders(tx *gorm.DB, product, auctionID string) ([]*types.Order, error) {
	var orders []*types.Order
	err := tx.Where(
		"product_symbol = ? AND canceled_at IS NULL AND quantity != quantity_filled AND (time_in_force = ? OR auction_id = ?)",
		product, types.TimeInForceGoodTilCanceled, auctionID,
	).Order("created_at ASC").Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// applyFills increments each order's filled quantity by its signed fill.
// The snapshot the fills were computed from was read in the same
// transaction, so the addition cannot race a cancel or another auction.
func applyFills(tx *gorm.DB, orders []*types.Order, fills []auction.Fill) error {
	byID := make(map[string]*types.Order, len(orders))
	for _, o := range orders {
		byID[o.OrderID] = o
	}
	for _, f := range fills {
		o, ok := byID[f.OrderID]
		if !ok {
			return fmt.Errorf("fill for unknown order %s", f.OrderID)
		}
		newFilled := o.QuantityFilled.Add(f.Size)
		if err := tx.Model(&types.Order{}).
			Where("order_id = ?", f.OrderID).
			Updates(map[string]interface{}{
				"quantity_filled": newFilled,
				"updated_at":      time.Now(),
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

func closeAuction(tx *gorm.DB, auctionID string, price, volume decimal.Decimal, endedAt time.Time) error {
	return tx.Model(&types.Auction{}).
		Where("auction_id = ?", auctionID).
		Updates(map[string]interface{}{
			"price":    decimal.NewNullDecimal(price),
			"volume":   decimal.NewNullDecimal(volume),
			"ended_at": endedAt,
			"updated_at": time.Now(),
		}).Error
}

func createAuction(tx *gorm.DB, product string) (*types.Auction, error) {
	a := &types.Auction{
		AuctionID:     "AUC_" + uuid.New().String(),
		ProductSymbol: product,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := tx.Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateIndicative writes the would-be clearing price and volume onto the
// open auction so readers can see where the book currently crosses.
func (d *Database) UpdateIndicative(auctionID string, price, volume decimal.NullDecimal) error {
	return d.db.Model(&types.Auction{}).
		Where("auction_id = ? AND ended_at IS NULL", auctionID).
		Updates(map[string]interface{}{
			"price":      price,
			"volume":     volume,
			"updated_at": time.Now(),
		}).Error
}

func (d *Database) ActiveProducts() ([]types.Product, error) {
	var products []types.Product
	if err := d.db.Where("settled_at IS NULL").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func (d *Database) MarkProductSettled(symbol string, at time.Time) error {
	return d.db.Model(&types.Product{}).
		Where("symbol = ? AND settled_at IS NULL", symbol).
		Update("settled_at", at).Error
}

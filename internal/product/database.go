package product

import (
	"errors"
	"time"

	"github.com/evermarkets/evr-core/internal/types"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateProductWithAuction stores the product and opens its first auction
// in one transaction; a product is never listed without an auction
// accepting orders.
func (d *Database) CreateProductWithAuction(product *types.Product) (*types.Auction, error) {
	a := &types.Auction{
		AuctionID:     "AUC_" + uuid.New().String(),
		ProductSymbol: product.Symbol,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(product).Error; err != nil {
			return err
		}
		return tx.Create(a).Error
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (d *Database) GetProduct(symbol string) (*types.Product, error) {
	var product types.Product
	if err := d.db.Where("symbol = ?", symbol).First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &product, nil
}

func (d *Database) ListProducts() ([]types.Product, error) {
	var products []types.Product
	if err := d.db.Order("symbol ASC").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func (d *Database) CreateProviderProduct(pp *types.ProviderProduct) error {
	return d.db.Create(pp).Error
}

func (d *Database) ListProviders(symbol string) ([]types.ProviderProduct, error) {
	var providers []types.ProviderProduct
	if err := d.db.Where("product_symbol = ?", symbol).
		Order("provider_key ASC").
		Find(&providers).Error; err != nil {
		return nil, err
	}
	return providers, nil
}

package trading

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/evermarkets/evr-core/internal/types"
)

const testProduct = "TST-DEC26"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&types.Order{}, &types.Auction{}, &IdempotencyRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&types.Auction{
		AuctionID:     "AUC_1",
		ProductSymbol: testProduct,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}).Error; err != nil {
		t.Fatalf("seed auction: %v", err)
	}
	return NewService(db)
}

func newOrder(trader, price, quantity string) *types.Order {
	o := &types.Order{
		ProductSymbol: testProduct,
		ProviderKey:   "prov-1",
		TraderID:      trader,
		OrderType:     types.OrderTypeLimit,
		Price:         d(price),
		Quantity:      d(quantity),
	}
	return o
}

func TestCreateOrderBindsOpenAuction(t *testing.T) {
	s := newTestService(t)

	order := newOrder("alice", "10", "5")
	if err := s.CreateOrder(order, "key-1"); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.OrderID == "" {
		t.Error("expected an order id")
	}
	if order.AuctionID != "AUC_1" {
		t.Errorf("auction id = %s, want AUC_1", order.AuctionID)
	}
	if order.TimeInForce != types.TimeInForceNextAuction {
		t.Errorf("time in force = %s, want default NXT", order.TimeInForce)
	}

	stored, err := s.GetOrder(order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored == nil {
		t.Fatal("order not persisted")
	}
	if !stored.QuantityFilled.IsZero() {
		t.Errorf("filled = %s, want 0", stored.QuantityFilled)
	}
}

func TestCreateOrderIsIdempotent(t *testing.T) {
	s := newTestService(t)

	first := newOrder("alice", "10", "5")
	if err := s.CreateOrder(first, "key-1"); err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}

	// A retry with the same key returns the stored order instead of
	// creating a second one.
	second := newOrder("alice", "10", "5")
	if err := s.CreateOrder(second, "key-1"); err != nil {
		t.Fatalf("second CreateOrder: %v", err)
	}
	if second.OrderID != first.OrderID {
		t.Errorf("retry created order %s, want %s", second.OrderID, first.OrderID)
	}

	open, err := s.OpenOrders(testProduct, "alice")
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open orders = %d, want 1", len(open))
	}
}

func TestCreateOrderValidation(t *testing.T) {
	s := newTestService(t)

	tests := []struct {
		name  string
		order *types.Order
	}{
		{"zero quantity", newOrder("alice", "10", "0")},
		{"limit without price", newOrder("alice", "0", "5")},
		{"market with price", func() *types.Order {
			o := newOrder("alice", "10", "5")
			o.OrderType = types.OrderTypeMarket
			return o
		}()},
		{"missing trader", newOrder("", "10", "5")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.CreateOrder(tt.order, "key-"+tt.name); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCreateOrderWithoutOpenAuction(t *testing.T) {
	s := newTestService(t)

	order := newOrder("alice", "10", "5")
	order.ProductSymbol = "UNLISTED"
	err := s.CreateOrder(order, "key-1")
	if !errors.Is(err, ErrNoOpenAuction) {
		t.Fatalf("err = %v, want ErrNoOpenAuction", err)
	}
}

func TestCancelOrder(t *testing.T) {
	s := newTestService(t)

	order := newOrder("alice", "10", "5")
	if err := s.CreateOrder(order, "key-1"); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	canceled, err := s.CancelOrder(order.OrderID, "alice")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if canceled.CanceledAt == nil {
		t.Error("expected canceled_at to be set")
	}

	// Canceling again conflicts.
	if _, err := s.CancelOrder(order.OrderID, "alice"); !errors.Is(err, ErrOrderCanceled) {
		t.Errorf("err = %v, want ErrOrderCanceled", err)
	}

	// The order no longer rests.
	open, err := s.OpenOrders(testProduct, "alice")
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
}

func TestCancelOrderWrongTrader(t *testing.T) {
	s := newTestService(t)

	order := newOrder("alice", "10", "5")
	if err := s.CreateOrder(order, "key-1"); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if _, err := s.CancelOrder(order.OrderID, "mallory"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestCancelFilledOrder(t *testing.T) {
	s := newTestService(t)

	order := newOrder("alice", "10", "5")
	if err := s.CreateOrder(order, "key-1"); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Fill the order the way an auction would.
	if err := s.db.db.Model(&types.Order{}).
		Where("order_id = ?", order.OrderID).
		Update("quantity_filled", d("5")).Error; err != nil {
		t.Fatalf("fill order: %v", err)
	}

	if _, err := s.CancelOrder(order.OrderID, "alice"); !errors.Is(err, ErrOrderFilled) {
		t.Errorf("err = %v, want ErrOrderFilled", err)
	}
}

func TestCompletedOrdersCarryClearingPrice(t *testing.T) {
	s := newTestService(t)

	order := newOrder("alice", "10", "5")
	if err := s.CreateOrder(order, "key-1"); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Fill the order and close its auction at a clearing price.
	if err := s.db.db.Model(&types.Order{}).
		Where("order_id = ?", order.OrderID).
		Update("quantity_filled", d("5")).Error; err != nil {
		t.Fatalf("fill order: %v", err)
	}
	now := time.Now()
	if err := s.db.db.Model(&types.Auction{}).
		Where("auction_id = ?", "AUC_1").
		Updates(map[string]interface{}{
			"price":    decimal.NewNullDecimal(d("10")),
			"ended_at": now,
		}).Error; err != nil {
		t.Fatalf("close auction: %v", err)
	}

	completed, err := s.CompletedOrders(testProduct, "alice")
	if err != nil {
		t.Fatalf("CompletedOrders: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed orders = %d, want 1", len(completed))
	}
	if !completed[0].ClearingPrice.Valid || !completed[0].ClearingPrice.Decimal.Equal(d("10")) {
		t.Errorf("clearing price = %v, want 10", completed[0].ClearingPrice)
	}

	open, err := s.OpenOrders(testProduct, "alice")
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
}

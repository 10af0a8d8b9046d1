package settlement

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/evermarkets/evr-core/internal/ledger"
	"github.com/evermarkets/evr-core/internal/types"
)

const (
	testProduct  = "TST-DEC26"
	testProvider = "prov-1"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&types.Order{}, &types.Auction{}, &types.Product{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// newTestLedger configures a provider with unleveraged 1:1 margining and two
// funded traders, enough for any order the tests place.
func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()

	l := ledger.New()
	if err := l.AddProduct(ledger.ProductSpec{
		Symbol:            testProduct,
		Multiplier:        d("1"),
		InitialMargin:     d("1"),
		MaintenanceMargin: d("1"),
		FeePerContract:    decimal.Zero,
	}); err != nil {
		t.Fatalf("AddProduct: %v", err)
	}
	l.RegisterProvider(testProvider)
	if err := l.SetLeverage(testProvider, testProduct, d("1")); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	for _, trader := range []string{"buyer", "seller"} {
		if err := l.Deposit(testProvider, trader, d("1000")); err != nil {
			t.Fatalf("Deposit: %v", err)
		}
	}
	return l
}

func seedAuction(t *testing.T, db *gorm.DB, auctionID string) {
	t.Helper()
	a := &types.Auction{
		AuctionID:     auctionID,
		ProductSymbol: testProduct,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("seed auction: %v", err)
	}
}

func seedOrder(t *testing.T, db *gorm.DB, orderID, trader, auctionID, price, quantity string) {
	t.Helper()
	o := &types.Order{
		OrderID:        orderID,
		ProductSymbol:  testProduct,
		ProviderKey:    testProvider,
		TraderID:       trader,
		AuctionID:      auctionID,
		OrderType:      types.OrderTypeLimit,
		Price:          d(price),
		Quantity:       d(quantity),
		QuantityFilled: decimal.Zero,
		TimeInForce:    types.TimeInForceNextAuction,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := db.Create(o).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func getOrder(t *testing.T, db *gorm.DB, orderID string) *types.Order {
	t.Helper()
	var o types.Order
	if err := db.Where("order_id = ?", orderID).First(&o).Error; err != nil {
		t.Fatalf("load order %s: %v", orderID, err)
	}
	return &o
}

func TestCallAuctionExecutesAndRollsForward(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t)
	e := NewExecutor(db, l)

	seedAuction(t, db, "AUC_1")
	seedOrder(t, db, "ORD_b", "buyer", "AUC_1", "10.5", "10")
	seedOrder(t, db, "ORD_s", "seller", "AUC_1", "9.5", "-10")

	result, err := e.CallAuction(testProduct, "AUC_1")
	if err != nil {
		t.Fatalf("CallAuction: %v", err)
	}
	if !result.Executed {
		t.Fatalf("expected execution, got reason %q", result.Reason)
	}
	if !result.ClearingPrice.Equal(d("10")) {
		t.Errorf("clearing price = %s, want 10", result.ClearingPrice)
	}
	if !result.Volume.Equal(d("10")) {
		t.Errorf("volume = %s, want 10", result.Volume)
	}
	if result.NextAuctionID == "" || result.NextAuctionID == "AUC_1" {
		t.Errorf("next auction id = %q, want a fresh auction", result.NextAuctionID)
	}

	// Both orders fully filled.
	if got := getOrder(t, db, "ORD_b").QuantityFilled; !got.Equal(d("10")) {
		t.Errorf("buyer filled = %s, want 10", got)
	}
	if got := getOrder(t, db, "ORD_s").QuantityFilled; !got.Equal(d("-10")) {
		t.Errorf("seller filled = %s, want -10", got)
	}

	// The old auction is closed with its clearing price; the new one is open.
	var closed types.Auction
	if err := db.Where("auction_id = ?", "AUC_1").First(&closed).Error; err != nil {
		t.Fatalf("load closed auction: %v", err)
	}
	if closed.EndedAt == nil {
		t.Error("expected auction to be ended")
	}
	if !closed.Price.Valid || !closed.Price.Decimal.Equal(d("10")) {
		t.Errorf("closed price = %v, want 10", closed.Price)
	}
	open, err := e.CurrentAuction(testProduct)
	if err != nil {
		t.Fatalf("CurrentAuction: %v", err)
	}
	if open.AuctionID != result.NextAuctionID {
		t.Errorf("open auction = %s, want %s", open.AuctionID, result.NextAuctionID)
	}

	// The ledger carries the resulting positions.
	if got := l.GetQuantity(testProvider, testProduct, "buyer"); !got.Equal(d("10")) {
		t.Errorf("buyer position = %s, want 10", got)
	}
	if got := l.GetQuantity(testProvider, testProduct, "seller"); !got.Equal(d("-10")) {
		t.Errorf("seller position = %s, want -10", got)
	}
}

func TestCallAuctionNoCrossLeavesAuctionOpen(t *testing.T) {
	db := newTestDB(t)
	e := NewExecutor(db, newTestLedger(t))

	seedAuction(t, db, "AUC_1")
	seedOrder(t, db, "ORD_b", "buyer", "AUC_1", "10", "5")

	result, err := e.CallAuction(testProduct, "")
	if err != nil {
		t.Fatalf("CallAuction: %v", err)
	}
	if result.Executed {
		t.Fatal("expected no execution with a one-sided book")
	}
	if result.Reason != "no crossing volume" {
		t.Errorf("reason = %q", result.Reason)
	}

	open, err := e.CurrentAuction(testProduct)
	if err != nil {
		t.Fatalf("CurrentAuction: %v", err)
	}
	if open.AuctionID != "AUC_1" {
		t.Errorf("open auction = %s, want AUC_1", open.AuctionID)
	}
	if got := getOrder(t, db, "ORD_b").QuantityFilled; !got.IsZero() {
		t.Errorf("order filled = %s, want 0", got)
	}
}

func TestCallAuctionRejectsStaleAuctionID(t *testing.T) {
	db := newTestDB(t)
	e := NewExecutor(db, newTestLedger(t))

	seedAuction(t, db, "AUC_2")

	_, err := e.CallAuction(testProduct, "AUC_1")
	if !errors.Is(err, ErrStaleAuction) {
		t.Fatalf("err = %v, want ErrStaleAuction", err)
	}
}

func TestCallAuctionWithoutOpenAuction(t *testing.T) {
	db := newTestDB(t)
	e := NewExecutor(db, newTestLedger(t))

	_, err := e.CallAuction(testProduct, "")
	if !errors.Is(err, ErrNoOpenAuction) {
		t.Fatalf("err = %v, want ErrNoOpenAuction", err)
	}
}

func TestCallAuctionUnfundedBatchLeavesBookIntact(t *testing.T) {
	db := newTestDB(t)

	// A ledger that knows the product and provider but holds no deposits.
	l := ledger.New()
	if err := l.AddProduct(ledger.ProductSpec{
		Symbol:            testProduct,
		Multiplier:        d("1"),
		InitialMargin:     d("1"),
		MaintenanceMargin: d("1"),
		FeePerContract:    decimal.Zero,
	}); err != nil {
		t.Fatalf("AddProduct: %v", err)
	}
	l.RegisterProvider(testProvider)
	e := NewExecutor(db, l)

	seedAuction(t, db, "AUC_1")
	seedOrder(t, db, "ORD_b", "buyer", "AUC_1", "10.5", "10")
	seedOrder(t, db, "ORD_s", "seller", "AUC_1", "9.5", "-10")

	result, err := e.CallAuction(testProduct, "")
	if err != nil {
		t.Fatalf("CallAuction: %v", err)
	}
	if result.Executed {
		t.Fatal("expected funding rejection")
	}
	if result.Reason == "" {
		t.Error("expected a rejection reason")
	}

	// Nothing moved: orders unfilled, auction open, ledger flat.
	if got := getOrder(t, db, "ORD_b").QuantityFilled; !got.IsZero() {
		t.Errorf("order filled = %s, want 0", got)
	}
	open, err := e.CurrentAuction(testProduct)
	if err != nil {
		t.Fatalf("CurrentAuction: %v", err)
	}
	if open.AuctionID != "AUC_1" {
		t.Errorf("open auction = %s, want AUC_1", open.AuctionID)
	}
	if got := l.GetQuantity(testProvider, testProduct, "buyer"); !got.IsZero() {
		t.Errorf("buyer position = %s, want 0", got)
	}
}

func TestVerifyCallAuctionDoesNotMutate(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t)
	e := NewExecutor(db, l)

	seedAuction(t, db, "AUC_1")
	seedOrder(t, db, "ORD_b", "buyer", "AUC_1", "10.5", "10")
	seedOrder(t, db, "ORD_s", "seller", "AUC_1", "9.5", "-10")

	result, err := e.VerifyCallAuction(testProduct)
	if err != nil {
		t.Fatalf("VerifyCallAuction: %v", err)
	}
	if !result.Executed {
		t.Fatalf("expected verifiable batch, got reason %q", result.Reason)
	}
	if !result.ClearingPrice.Equal(d("10")) {
		t.Errorf("clearing price = %s, want 10", result.ClearingPrice)
	}

	if got := getOrder(t, db, "ORD_b").QuantityFilled; !got.IsZero() {
		t.Errorf("order filled = %s, want 0 after verify", got)
	}
	if got := l.GetQuantity(testProvider, testProduct, "buyer"); !got.IsZero() {
		t.Errorf("buyer position = %s, want 0 after verify", got)
	}
	open, err := e.CurrentAuction(testProduct)
	if err != nil {
		t.Fatalf("CurrentAuction: %v", err)
	}
	if open.AuctionID != "AUC_1" {
		t.Errorf("open auction = %s, want AUC_1", open.AuctionID)
	}
}

func TestCallAuctionCarriesPriceForwardForMarketOrders(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t)
	e := NewExecutor(db, l)

	seedAuction(t, db, "AUC_1")
	seedOrder(t, db, "ORD_b1", "buyer", "AUC_1", "10.5", "10")
	seedOrder(t, db, "ORD_s1", "seller", "AUC_1", "9.5", "-10")

	first, err := e.CallAuction(testProduct, "")
	if err != nil {
		t.Fatalf("first CallAuction: %v", err)
	}
	if !first.Executed {
		t.Fatalf("first auction not executed: %s", first.Reason)
	}

	// Market orders in the next auction trade at the previous clearing price.
	for _, o := range []struct {
		id, trader, qty string
	}{
		{"ORD_b2", "buyer", "5"},
		{"ORD_s2", "seller", "-5"},
	} {
		order := &types.Order{
			OrderID:        o.id,
			ProductSymbol:  testProduct,
			ProviderKey:    testProvider,
			TraderID:       o.trader,
			AuctionID:      first.NextAuctionID,
			OrderType:      types.OrderTypeMarket,
			Quantity:       d(o.qty),
			QuantityFilled: decimal.Zero,
			TimeInForce:    types.TimeInForceNextAuction,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		if err := db.Create(order).Error; err != nil {
			t.Fatalf("seed market order: %v", err)
		}
	}

	second, err := e.CallAuction(testProduct, first.NextAuctionID)
	if err != nil {
		t.Fatalf("second CallAuction: %v", err)
	}
	if !second.Executed {
		t.Fatalf("second auction not executed: %s", second.Reason)
	}
	if !second.ClearingPrice.Equal(first.ClearingPrice) {
		t.Errorf("clearing price = %s, want %s", second.ClearingPrice, first.ClearingPrice)
	}
	if got := l.GetQuantity(testProvider, testProduct, "buyer"); !got.Equal(d("15")) {
		t.Errorf("buyer position = %s, want 15", got)
	}
}

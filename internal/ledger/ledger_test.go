package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertEq(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func newTestLedger(t *testing.T, spec ProductSpec, providerKey string, leverage string) *Ledger {
	t.Helper()
	l := New()
	if err := l.AddProduct(spec); err != nil {
		t.Fatalf("AddProduct: %v", err)
	}
	l.RegisterProvider(providerKey)
	if err := l.SetLeverage(providerKey, spec.Symbol, d(leverage)); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	return l
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	l := newTestLedger(t, ProductSpec{
		Symbol:            "EVR",
		Multiplier:        d("1"),
		InitialMargin:     d("2"),
		MaintenanceMargin: d("1.6"),
	}, "prov", "1")

	if err := l.Deposit("prov", "alice", d("100")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	assertEq(t, "available", l.GetAvailableDeposit("prov", "alice"), d("100"))

	if err := l.Withdraw("prov", "alice", d("100")); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	assertEq(t, "available after withdraw", l.GetAvailableDeposit("prov", "alice"), d("0"))

	if err := l.Withdraw("prov", "alice", d("1")); !errors.Is(err, ErrInsufficientAvailable) {
		t.Errorf("overdraw error = %v, want ErrInsufficientAvailable", err)
	}
}

func TestCommitLeveragedTrade(t *testing.T) {
	// Trader deposit 12, initial margin 2/contract, fee 1/contract, buying
	// 10 contracts at 8 under 2x leverage: the trader's 12 is drawn first,
	// the lender pool must fund the remaining 8.
	spec := ProductSpec{
		Symbol:            "EVR",
		Multiplier:        d("1"),
		InitialMargin:     d("2"),
		MaintenanceMargin: d("1.6"),
		FeePerContract:    d("1"),
	}
	l := newTestLedger(t, spec, "prov", "2")
	if err := l.Deposit("prov", "alice", d("12")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	batch := []Trade{{ProviderKey: "prov", Product: "EVR", TraderID: "alice", Size: d("10")}}

	t.Run("fails without lender funds", func(t *testing.T) {
		if err := l.Verify(batch, d("8")); !errors.Is(err, ErrInsufficientLenderDeposit) {
			t.Fatalf("Verify = %v, want ErrInsufficientLenderDeposit", err)
		}
		if err := l.Commit(batch, d("8")); !errors.Is(err, ErrInsufficientLenderDeposit) {
			t.Fatalf("Commit = %v, want ErrInsufficientLenderDeposit", err)
		}
		// A failed commit leaves every balance untouched.
		assertEq(t, "available", l.GetAvailableDeposit("prov", "alice"), d("12"))
		assertEq(t, "quantity", l.GetQuantity("prov", "EVR", "alice"), d("0"))
	})

	t.Run("succeeds after lender deposit", func(t *testing.T) {
		if err := l.DepositForLender("prov", d("10")); err != nil {
			t.Fatalf("DepositForLender: %v", err)
		}
		if err := l.Verify(batch, d("8")); err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if err := l.Commit(batch, d("8")); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		assertEq(t, "quantity", l.GetQuantity("prov", "EVR", "alice"), d("10"))
		assertEq(t, "avg entry", l.GetAverageEntryPrice("prov", "EVR", "alice"), d("8"))
		assertEq(t, "locked", l.GetLockedDeposit("prov", "alice"), d("12"))
		assertEq(t, "lender available", l.GetLenderAvailableFunds("prov"), d("2"))
		assertEq(t, "fees", l.GetFeeBalance("prov"), d("10"))

		stats, err := l.ProviderStats("prov", "EVR")
		if err != nil {
			t.Fatalf("ProviderStats: %v", err)
		}
		assertEq(t, "deposit", stats.Deposit, d("20"))
		assertEq(t, "available funds", stats.AvailableFunds, d("0"))
		assertEq(t, "excess liquidity", stats.ExcessLiquidity, d("4"))
	})
}

func TestCommitRejectsUnderfundedTrader(t *testing.T) {
	// Without leverage the trader must fund the full margin.
	spec := ProductSpec{
		Symbol:            "EVR",
		Multiplier:        d("1"),
		InitialMargin:     d("2"),
		MaintenanceMargin: d("1.6"),
	}
	l := newTestLedger(t, spec, "prov", "1")
	if err := l.Deposit("prov", "alice", d("5")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	l.DepositForLender("prov", d("100"))

	batch := []Trade{{ProviderKey: "prov", Product: "EVR", TraderID: "alice", Size: d("10")}}
	if err := l.Commit(batch, d("8")); !errors.Is(err, ErrInsufficientTraderDeposit) {
		t.Fatalf("Commit = %v, want ErrInsufficientTraderDeposit", err)
	}
	assertEq(t, "available", l.GetAvailableDeposit("prov", "alice"), d("5"))
}

func TestCommitReleasesMarginOnReduction(t *testing.T) {
	spec := ProductSpec{
		Symbol:            "EVR",
		Multiplier:        d("1"),
		InitialMargin:     d("2"),
		MaintenanceMargin: d("1.6"),
	}
	l := newTestLedger(t, spec, "prov", "1")
	l.Deposit("prov", "alice", d("20"))

	if err := l.Commit([]Trade{{ProviderKey: "prov", Product: "EVR", TraderID: "alice", Size: d("10")}}, d("5")); err != nil {
		t.Fatalf("open: %v", err)
	}
	assertEq(t, "available after open", l.GetAvailableDeposit("prov", "alice"), d("0"))

	if err := l.Commit([]Trade{{ProviderKey: "prov", Product: "EVR", TraderID: "alice", Size: d("-4")}}, d("5")); err != nil {
		t.Fatalf("reduce: %v", err)
	}
	assertEq(t, "quantity", l.GetQuantity("prov", "EVR", "alice"), d("6"))
	assertEq(t, "avg entry", l.GetAverageEntryPrice("prov", "EVR", "alice"), d("5"))
	assertEq(t, "available after reduce", l.GetAvailableDeposit("prov", "alice"), d("8"))
	assertEq(t, "locked after reduce", l.GetLockedDeposit("prov", "alice"), d("12"))
}

func TestLenderWithdrawalCappedByLockedFunds(t *testing.T) {
	spec := ProductSpec{
		Symbol:            "EVR",
		Multiplier:        d("1"),
		InitialMargin:     d("2"),
		MaintenanceMargin: d("1.6"),
	}
	l := newTestLedger(t, spec, "prov", "2")
	l.Deposit("prov", "alice", d("10"))
	l.DepositForLender("prov", d("20"))

	if err := l.Commit([]Trade{{ProviderKey: "prov", Product: "EVR", TraderID: "alice", Size: d("10")}}, d("5")); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// 10 of the pool is locked behind alice's position.
	assertEq(t, "lender available", l.GetLenderAvailableFunds("prov"), d("10"))
	if err := l.WithdrawForLender("prov", d("15")); !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("WithdrawForLender = %v, want ErrInsufficientAvailable", err)
	}
	if err := l.WithdrawForLender("prov", d("10")); err != nil {
		t.Fatalf("WithdrawForLender: %v", err)
	}
	assertEq(t, "lender available after withdraw", l.GetLenderAvailableFunds("prov"), d("0"))
}

func TestMarkToMarketLiquidatesToHouseAccount(t *testing.T) {
	spec := ProductSpec{
		Symbol:            "EVR",
		Multiplier:        d("1"),
		InitialMargin:     d("1"),
		MaintenanceMargin: d("1"),
	}
	l := newTestLedger(t, spec, "prov", "1")
	l.Deposit("prov", "alice", d("10"))

	if err := l.Commit([]Trade{{ProviderKey: "prov", Product: "EVR", TraderID: "alice", Size: d("10")}}, d("8")); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// At 7.7 alice's NLV is 7 against a maintenance requirement of 10: she
	// keeps floor(7/1) = 7 contracts, 3 move to the house at the mark.
	liqs, err := l.MarkToMarket("EVR", d("7.7"))
	if err != nil {
		t.Fatalf("MarkToMarket: %v", err)
	}
	if len(liqs) != 1 {
		t.Fatalf("liquidations = %d, want 1", len(liqs))
	}
	assertEq(t, "reassigned quantity", liqs[0].Quantity, d("3"))
	assertEq(t, "reassigned price", liqs[0].Price, d("7.7"))

	assertEq(t, "trader quantity", l.GetQuantity("prov", "EVR", "alice"), d("7"))
	assertEq(t, "house quantity", l.GetQuantity("prov", "EVR", "prov"), d("3"))
	assertEq(t, "house entry", l.GetAverageEntryPrice("prov", "EVR", "prov"), d("7.7"))
	assertEq(t, "trader available", l.GetAvailableDeposit("prov", "alice"), d("2.1"))

	stats, err := l.TraderStats("prov", "alice")
	if err != nil {
		t.Fatalf("TraderStats: %v", err)
	}
	assertEq(t, "excess liquidity restored", stats.ExcessLiquidity, d("0"))

	// A second pass at the same price finds nothing left to liquidate.
	liqs, err = l.MarkToMarket("EVR", d("7.7"))
	if err != nil {
		t.Fatalf("second MarkToMarket: %v", err)
	}
	if len(liqs) != 0 {
		t.Fatalf("second pass liquidations = %d, want 0", len(liqs))
	}
}

func TestMarkToMarketWipesOutInsolventTrader(t *testing.T) {
	spec := ProductSpec{
		Symbol:            "EVR",
		Multiplier:        d("1"),
		InitialMargin:     d("1"),
		MaintenanceMargin: d("1"),
	}
	l := newTestLedger(t, spec, "prov", "1")
	l.Deposit("prov", "alice", d("10"))

	if err := l.Commit([]Trade{{ProviderKey: "prov", Product: "EVR", TraderID: "alice", Size: d("10")}}, d("8")); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// NLV goes negative; the whole position moves to the house.
	liqs, err := l.MarkToMarket("EVR", d("6"))
	if err != nil {
		t.Fatalf("MarkToMarket: %v", err)
	}
	if len(liqs) != 1 {
		t.Fatalf("liquidations = %d, want 1", len(liqs))
	}
	assertEq(t, "reassigned quantity", liqs[0].Quantity, d("10"))
	assertEq(t, "trader quantity", l.GetQuantity("prov", "EVR", "alice"), d("0"))
	assertEq(t, "house quantity", l.GetQuantity("prov", "EVR", "prov"), d("10"))
}

func TestSettleRealizesAndZeroesPositions(t *testing.T) {
	spec := ProductSpec{
		Symbol:            "EVR",
		Multiplier:        d("1"),
		InitialMargin:     d("2"),
		MaintenanceMargin: d("1.6"),
	}
	l := newTestLedger(t, spec, "prov", "1")
	l.Deposit("prov", "alice", d("20"))

	if err := l.Commit([]Trade{{ProviderKey: "prov", Product: "EVR", TraderID: "alice", Size: d("10")}}, d("5")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := l.Settle("EVR", d("6")); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	// Margin comes back plus 10 contracts of 1 profit.
	assertEq(t, "available", l.GetAvailableDeposit("prov", "alice"), d("30"))
	assertEq(t, "quantity", l.GetQuantity("prov", "EVR", "alice"), d("0"))
	assertEq(t, "custodian", l.GetCustodianQuantity("EVR"), d("0"))

	err := l.Commit([]Trade{{ProviderKey: "prov", Product: "EVR", TraderID: "alice", Size: d("1")}}, d("6"))
	if !errors.Is(err, ErrProductSettled) {
		t.Fatalf("post-settle Commit = %v, want ErrProductSettled", err)
	}
}

func TestPositionsConserveAcrossProviders(t *testing.T) {
	spec := ProductSpec{
		Symbol:            "EVR",
		Multiplier:        d("1"),
		InitialMargin:     d("1"),
		MaintenanceMargin: d("1"),
	}
	l := newTestLedger(t, spec, "p1", "1")
	l.RegisterProvider("p2")
	if err := l.SetLeverage("p2", "EVR", d("1")); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	l.Deposit("p1", "alice", d("100"))
	l.Deposit("p2", "bob", d("100"))

	batch := []Trade{
		{ProviderKey: "p1", Product: "EVR", TraderID: "alice", Size: d("7")},
		{ProviderKey: "p2", Product: "EVR", TraderID: "bob", Size: d("-4")},
	}
	if err := l.Commit(batch, d("10")); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	total := l.GetQuantity("p1", "EVR", "alice").
		Add(l.GetQuantity("p2", "EVR", "bob")).
		Add(l.GetCustodianQuantity("EVR"))
	assertEq(t, "signed position sum", total, d("0"))
	assertEq(t, "custodian residue", l.GetCustodianQuantity("EVR"), d("-3"))
}

package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ProviderProductStats is the solvency view of a provider's whole book in
// one product, all trader accounts netted together.
type ProviderProductStats struct {
	Quantity            decimal.Decimal `json:"quantity"`
	Deposit             decimal.Decimal `json:"deposit"`
	NetLiquidationValue decimal.Decimal `json:"net_liquidation_value"`
	AvailableFunds      decimal.Decimal `json:"available_funds"`
	ExcessLiquidity     decimal.Decimal `json:"excess_liquidity"`
}

// GetAvailableDeposit returns the trader's free (unassigned) deposit,
// clamped at zero when fees have pushed the balance negative.
func (l *Ledger) GetAvailableDeposit(providerKey, trader string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.providers[providerKey]
	if !ok {
		return decimal.Zero
	}
	a, ok := p.accounts[trader]
	if !ok {
		return decimal.Zero
	}
	return max0(a.unassigned)
}

// GetLockedDeposit returns the trader collateral assigned against the
// trader's open exposure across all products.
func (l *Ledger) GetLockedDeposit(providerKey, trader string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.providers[providerKey]
	if !ok {
		return decimal.Zero
	}
	a, ok := p.accounts[trader]
	if !ok {
		return decimal.Zero
	}
	locked := decimal.Zero
	for _, pos := range a.positions {
		locked = locked.Add(pos.traderMargin)
	}
	return locked
}

// GetQuantity returns the trader's signed contract count in one product.
func (l *Ledger) GetQuantity(providerKey, product, trader string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if pos := l.findPosition(providerKey, product, trader); pos != nil {
		return pos.qty
	}
	return decimal.Zero
}

// GetAverageEntryPrice returns the quantity-weighted average entry price of
// the trader's position, or zero when flat.
func (l *Ledger) GetAverageEntryPrice(providerKey, product, trader string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos := l.findPosition(providerKey, product, trader)
	if pos == nil || pos.qty.IsZero() {
		return decimal.Zero
	}
	return pos.cost.Div(pos.qty)
}

// GetLenderAvailableFunds returns the withdrawable part of the provider's
// leverage pool: total lender funds minus everything locked against open
// leveraged exposure, rounded down.
func (l *Ledger) GetLenderAvailableFunds(providerKey string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.providers[providerKey]
	if !ok {
		return decimal.Zero
	}
	return max0(roundReleasable(p.lenderTotal.Sub(p.lenderLocked())))
}

// GetFeeBalance returns the provider's accrued per-contract fees.
func (l *Ledger) GetFeeBalance(providerKey string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.providers[providerKey]
	if !ok {
		return decimal.Zero
	}
	return p.feeAccrued
}

// GetCustodianQuantity returns the custodian's signed position in a
// product; together with all provider accounts it sums to zero.
func (l *Ledger) GetCustodianQuantity(product string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if pos, ok := l.custodian[product]; ok {
		return pos.qty
	}
	return decimal.Zero
}

// MarkPrice returns the product's current mark price, if one exists.
func (l *Ledger) MarkPrice(product string) (decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.products[product]
	if !ok || !st.hasMark {
		return decimal.Decimal{}, false
	}
	return st.markPrice, true
}

// TraderStats computes NLV, available funds and excess liquidity for one
// (provider, trader) account at current mark prices.
func (l *Ledger) TraderStats(providerKey, trader string) (AccountStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.providers[providerKey]
	if !ok {
		return AccountStats{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerKey)
	}
	a, ok := p.accounts[trader]
	if !ok {
		return AccountStats{}, nil
	}

	nlv, maint := l.accountSolvency(p, a)
	initial := decimal.Zero
	for sym, pos := range a.positions {
		initial = initial.Add(roundRequired(l.products[sym].spec.InitialMargin.Mul(pos.qty.Abs())))
	}

	return AccountStats{
		NetLiquidationValue: nlv,
		AvailableFunds:      nlv.Sub(initial),
		ExcessLiquidity:     nlv.Sub(maint),
	}, nil
}

// ProviderStats nets every account the provider carries in one product.
func (l *Ledger) ProviderStats(providerKey, product string) (ProviderProductStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.providers[providerKey]
	if !ok {
		return ProviderProductStats{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerKey)
	}
	st, ok := l.products[product]
	if !ok {
		return ProviderProductStats{}, fmt.Errorf("%w: %s", ErrUnknownProduct, product)
	}

	netQty := decimal.Zero
	netCost := decimal.Zero
	deposit := decimal.Zero
	for _, a := range p.accounts {
		pos, ok := a.positions[product]
		if !ok {
			continue
		}
		netQty = netQty.Add(pos.qty)
		netCost = netCost.Add(pos.cost)
		deposit = deposit.Add(pos.traderMargin).Add(pos.lenderMargin)
	}

	nlv := deposit
	if st.hasMark {
		nlv = nlv.Add(netQty.Mul(st.markPrice).Sub(netCost).Mul(st.spec.Multiplier))
	}

	return ProviderProductStats{
		Quantity:            netQty,
		Deposit:             deposit,
		NetLiquidationValue: nlv,
		AvailableFunds:      nlv.Sub(roundRequired(st.spec.InitialMargin.Mul(netQty.Abs()))),
		ExcessLiquidity:     nlv.Sub(roundRequired(st.spec.MaintenanceMargin.Mul(netQty.Abs()))),
	}, nil
}

func (l *Ledger) findPosition(providerKey, product, trader string) *position {
	p, ok := l.providers[providerKey]
	if !ok {
		return nil
	}
	a, ok := p.accounts[trader]
	if !ok {
		return nil
	}
	return a.positions[product]
}

// Package ledger tracks positions, deposits, lender funding and fee accrual
// for every (margin provider, product, trader) triple. Trade batches are
// applied through a two-phase Verify/Commit protocol; solvency is enforced
// by mark-to-market passes that reassign under-collateralized position
// slices to the provider's house account.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

type position struct {
	qty          decimal.Decimal // signed contracts
	cost         decimal.Decimal // signed, sum of size*price over applied trades
	traderMargin decimal.Decimal
	lenderMargin decimal.Decimal
}

type account struct {
	unassigned decimal.Decimal // free deposit; fees and realized losses may push it negative
	positions  map[string]*position
}

type provider struct {
	key         string
	lenderTotal decimal.Decimal
	leverage    map[string]decimal.Decimal // per product, >= 1
	feeAccrued  decimal.Decimal
	accounts    map[string]*account // by trader; accounts[key] is the house
}

type productState struct {
	spec      ProductSpec
	markPrice decimal.Decimal
	hasMark   bool
	settled   bool
}

// Ledger is an in-memory collateral ledger. A single RWMutex serializes
// commits, marks and settlements against each other; Verify and the read
// surface only take the read lock.
type Ledger struct {
	mu        sync.RWMutex
	products  map[string]*productState
	providers map[string]*provider
	custodian map[string]*position // per product, absorbs cross-provider netting residue
}

func New() *Ledger {
	return &Ledger{
		products:  make(map[string]*productState),
		providers: make(map[string]*provider),
		custodian: make(map[string]*position),
	}
}

// AddProduct registers a product spec. Registering the same symbol twice is
// an error.
func (l *Ledger) AddProduct(spec ProductSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.products[spec.Symbol]; ok {
		return fmt.Errorf("product %s already registered", spec.Symbol)
	}
	l.products[spec.Symbol] = &productState{spec: spec}
	return nil
}

// RegisterProvider creates a margin provider if it does not exist yet.
func (l *Ledger) RegisterProvider(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureProvider(key)
}

// SetLeverage configures the leverage a provider extends on one product.
// Leverage below 1 is rejected; 1 means the trader fully funds margin.
func (l *Ledger) SetLeverage(providerKey, product string, leverage decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if leverage.LessThan(one) {
		return fmt.Errorf("leverage must be >= 1, got %s", leverage)
	}
	if _, ok := l.products[product]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProduct, product)
	}
	p := l.ensureProvider(providerKey)
	p.leverage[product] = leverage
	return nil
}

func (l *Ledger) ensureProvider(key string) *provider {
	p, ok := l.providers[key]
	if !ok {
		p = &provider{
			key:      key,
			leverage: make(map[string]decimal.Decimal),
			accounts: make(map[string]*account),
		}
		l.providers[key] = p
	}
	return p
}

func (p *provider) ensureAccount(trader string) *account {
	a, ok := p.accounts[trader]
	if !ok {
		a = &account{positions: make(map[string]*position)}
		p.accounts[trader] = a
	}
	return a
}

func (a *account) ensurePosition(product string) *position {
	pos, ok := a.positions[product]
	if !ok {
		pos = &position{}
		a.positions[product] = pos
	}
	return pos
}

func (p *provider) leverageFor(product string) decimal.Decimal {
	if lev, ok := p.leverage[product]; ok {
		return lev
	}
	return one
}

// lenderLocked is the lender collateral currently assigned to open positions.
func (p *provider) lenderLocked() decimal.Decimal {
	locked := decimal.Zero
	for _, a := range p.accounts {
		for _, pos := range a.positions {
			locked = locked.Add(pos.lenderMargin)
		}
	}
	return locked
}

// Deposit credits a trader's unassigned balance with the provider. The
// account is created on first use.
func (l *Ledger) Deposit(providerKey, trader string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	p, ok := l.providers[providerKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerKey)
	}
	a := p.ensureAccount(trader)
	a.unassigned = a.unassigned.Add(amount)
	return nil
}

// Withdraw debits a trader's unassigned balance. The withdrawal is capped
// at the currently-unassigned amount; collateral assigned to open exposure
// cannot leave.
func (l *Ledger) Withdraw(providerKey, trader string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	p, ok := l.providers[providerKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerKey)
	}
	a, ok := p.accounts[trader]
	if !ok || amount.GreaterThan(max0(a.unassigned)) {
		return ErrInsufficientAvailable
	}
	a.unassigned = a.unassigned.Sub(amount)
	return nil
}

// DepositForLender adds funds to the provider's leverage pool.
func (l *Ledger) DepositForLender(providerKey string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	p, ok := l.providers[providerKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerKey)
	}
	p.lenderTotal = p.lenderTotal.Add(amount)
	return nil
}

// WithdrawForLender removes funds from the leverage pool; funds locked
// against any open leveraged exposure cannot be withdrawn.
func (l *Ledger) WithdrawForLender(providerKey string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	p, ok := l.providers[providerKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerKey)
	}
	free := roundReleasable(p.lenderTotal.Sub(p.lenderLocked()))
	if amount.GreaterThan(max0(free)) {
		return ErrInsufficientAvailable
	}
	p.lenderTotal = p.lenderTotal.Sub(amount)
	return nil
}

// plannedLeg is the computed outcome of one (provider, trader, product)
// aggregate within a batch.
type plannedLeg struct {
	providerKey  string
	trader       string
	product      string
	sizeNet      decimal.Decimal
	newQty       decimal.Decimal
	newCost      decimal.Decimal
	traderMargin decimal.Decimal
	lenderMargin decimal.Decimal
	fees         decimal.Decimal
}

type batchPlan struct {
	legs       []plannedLeg
	unassigned map[[2]string]decimal.Decimal // post-batch unassigned per (provider, trader)
	residue    map[string]decimal.Decimal    // net batch size per product, absorbed by the custodian
}

// planBatch recomputes funding for every participant of the batch at the
// given price without mutating any state. It fails with the first
// insufficiency it finds, scanning legs in input order.
func (l *Ledger) planBatch(trades []Trade, price decimal.Decimal) (*batchPlan, error) {
	type aggKey struct{ provider, trader, product string }
	var order []aggKey
	sizeNet := make(map[aggKey]decimal.Decimal)
	sizeGross := make(map[aggKey]decimal.Decimal)
	for _, t := range trades {
		k := aggKey{t.ProviderKey, t.TraderID, t.Product}
		if _, ok := sizeNet[k]; !ok {
			order = append(order, k)
		}
		sizeNet[k] = sizeNet[k].Add(t.Size)
		sizeGross[k] = sizeGross[k].Add(t.Size.Abs())
	}

	plan := &batchPlan{
		unassigned: make(map[[2]string]decimal.Decimal),
		residue:    make(map[string]decimal.Decimal),
	}
	lenderFree := make(map[string]decimal.Decimal)

	for _, k := range order {
		prod, ok := l.products[k.product]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, k.product)
		}
		if prod.settled {
			return nil, fmt.Errorf("%w: %s", ErrProductSettled, k.product)
		}
		prov, ok := l.providers[k.provider]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, k.provider)
		}

		acctKey := [2]string{k.provider, k.trader}
		if _, seen := plan.unassigned[acctKey]; !seen {
			if a, ok := prov.accounts[k.trader]; ok {
				plan.unassigned[acctKey] = a.unassigned
			} else {
				plan.unassigned[acctKey] = decimal.Zero
			}
		}
		if _, seen := lenderFree[k.provider]; !seen {
			lenderFree[k.provider] = prov.lenderTotal.Sub(prov.lenderLocked())
		}

		var pos position
		if a, ok := prov.accounts[k.trader]; ok {
			if cur, ok := a.positions[k.product]; ok {
				pos = *cur
			}
		}

		leg := plannedLeg{
			providerKey: k.provider,
			trader:      k.trader,
			product:     k.product,
			sizeNet:     sizeNet[k],
			newQty:      pos.qty.Add(sizeNet[k]),
			newCost:     pos.cost.Add(sizeNet[k].Mul(price)),
			fees:        prod.spec.FeePerContract.Mul(sizeGross[k]),
		}

		required := roundRequired(prod.spec.InitialMargin.Mul(leg.newQty.Abs()))
		current := pos.traderMargin.Add(pos.lenderMargin)

		if required.GreaterThan(current) {
			// Margin increase: the trader's free deposit is drawn first,
			// the lender pool funds the remainder up to the leverage cap.
			delta := required.Sub(current)
			traderDraw := decimal.Min(max0(plan.unassigned[acctKey]), delta)
			lenderDraw := delta.Sub(traderDraw)

			lev := prov.leverageFor(k.product)
			lenderCap := roundReleasable(delta.Mul(one.Sub(one.Div(lev))))
			if lenderDraw.GreaterThan(lenderCap) {
				return nil, fmt.Errorf("%w: provider %s trader %s product %s",
					ErrInsufficientTraderDeposit, k.provider, k.trader, k.product)
			}
			if lenderDraw.GreaterThan(lenderFree[k.provider]) {
				return nil, fmt.Errorf("%w: provider %s product %s",
					ErrInsufficientLenderDeposit, k.provider, k.product)
			}

			leg.traderMargin = pos.traderMargin.Add(traderDraw)
			leg.lenderMargin = pos.lenderMargin.Add(lenderDraw)
			plan.unassigned[acctKey] = plan.unassigned[acctKey].Sub(traderDraw)
			lenderFree[k.provider] = lenderFree[k.provider].Sub(lenderDraw)
		} else {
			// Margin release: lender collateral is returned before the
			// trader's own.
			release := current.Sub(required)
			lenderRelease := decimal.Min(pos.lenderMargin, release)
			traderRelease := release.Sub(lenderRelease)

			leg.traderMargin = pos.traderMargin.Sub(traderRelease)
			leg.lenderMargin = pos.lenderMargin.Sub(lenderRelease)
			plan.unassigned[acctKey] = plan.unassigned[acctKey].Add(traderRelease)
			lenderFree[k.provider] = lenderFree[k.provider].Add(lenderRelease)
		}

		// Fees debit the trader's free deposit, which may go negative;
		// withdrawals clamp at zero.
		plan.unassigned[acctKey] = plan.unassigned[acctKey].Sub(leg.fees)
		plan.residue[k.product] = plan.residue[k.product].Add(leg.sizeNet)
		plan.legs = append(plan.legs, leg)
	}

	return plan, nil
}

// Verify recomputes funding for the batch without mutating state. A nil
// error means an immediately following Commit of the same batch succeeds.
func (l *Ledger) Verify(trades []Trade, price decimal.Decimal) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, err := l.planBatch(trades, price)
	return err
}

// Commit applies the batch atomically: cost bases, assigned and unassigned
// deposits, lender locking and fee accrual for every participant, or
// nothing at all.
func (l *Ledger) Commit(trades []Trade, price decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	plan, err := l.planBatch(trades, price)
	if err != nil {
		return err
	}

	for _, leg := range plan.legs {
		prov := l.providers[leg.providerKey]
		a := prov.ensureAccount(leg.trader)
		pos := a.ensurePosition(leg.product)
		pos.qty = leg.newQty
		pos.cost = leg.newCost
		pos.traderMargin = leg.traderMargin
		pos.lenderMargin = leg.lenderMargin
		prov.feeAccrued = prov.feeAccrued.Add(leg.fees)
	}
	for key, balance := range plan.unassigned {
		l.providers[key[0]].ensureAccount(key[1]).unassigned = balance
	}
	for product, net := range plan.residue {
		// The custodian takes the other side of any cross-provider
		// imbalance so signed positions sum to zero per product.
		if net.IsZero() {
			continue
		}
		cust, ok := l.custodian[product]
		if !ok {
			cust = &position{}
			l.custodian[product] = cust
		}
		cust.qty = cust.qty.Sub(net)
		cust.cost = cust.cost.Sub(net.Mul(price))
	}
	for product := range plan.residue {
		// The traded price becomes the product's mark until the next feed
		// update.
		st := l.products[product]
		st.markPrice = price
		st.hasMark = true
	}

	log.Debug().
		Int("legs", len(plan.legs)).
		Str("price", price.String()).
		Msg("trade batch committed")

	return nil
}

// MarkToMarket reprices every open position in the product and liquidates
// any trader whose excess liquidity has gone negative: the trader keeps
// floor(NLV / maintenanceMargin) contracts, the remainder moves to the
// provider's house account at the mark price. Liquidation always succeeds;
// it is the correctness backstop for leverage, never a rejected operation.
func (l *Ledger) MarkToMarket(product string, price decimal.Decimal) ([]Liquidation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prod, ok := l.products[product]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, product)
	}
	if prod.settled {
		return nil, fmt.Errorf("%w: %s", ErrProductSettled, product)
	}
	prod.markPrice = price
	prod.hasMark = true

	logger := log.With().Str("product", product).Str("mark_price", price.String()).Logger()

	var liquidations []Liquidation
	for _, provKey := range sortedKeys(l.providers) {
		prov := l.providers[provKey]
		for _, trader := range sortedKeys(prov.accounts) {
			if trader == prov.key {
				continue // the house account is not margin-enforced
			}
			a := prov.accounts[trader]
			pos, ok := a.positions[product]
			if !ok || pos.qty.IsZero() {
				continue
			}

			nlv, maint := l.accountSolvency(prov, a)
			if nlv.Sub(maint).GreaterThanOrEqual(decimal.Zero) {
				continue
			}

			// Maintenance reserved for the trader's positions in other
			// products stays untouched; only this product's position is
			// cut.
			maintHere := roundRequired(prod.spec.MaintenanceMargin.Mul(pos.qty.Abs()))
			budget := nlv.Sub(maint.Sub(maintHere))

			retained := decimal.Zero
			if budget.IsPositive() {
				retained = budget.Div(prod.spec.MaintenanceMargin).RoundFloor(0)
			}
			if retained.GreaterThan(pos.qty.Abs()) {
				retained = pos.qty.Abs()
			}
			cut := pos.qty.Abs().Sub(retained)
			if !cut.IsPositive() {
				continue
			}

			liq := l.liquidate(prov, trader, a, pos, prod, retained, cut, price)
			liquidations = append(liquidations, liq)

			logger.Warn().
				Str("provider", provKey).
				Str("trader", trader).
				Str("reassigned", liq.Quantity.String()).
				Str("retained", retained.String()).
				Msg("position liquidated to house account")
		}
	}

	return liquidations, nil
}

// accountSolvency returns the account's net liquidation value and total
// maintenance requirement at current mark prices.
func (l *Ledger) accountSolvency(prov *provider, a *account) (nlv, maint decimal.Decimal) {
	nlv = a.unassigned
	for sym, pos := range a.positions {
		nlv = nlv.Add(pos.traderMargin).Add(pos.lenderMargin)
		st := l.products[sym]
		if st.hasMark {
			pnl := pos.qty.Mul(st.markPrice).Sub(pos.cost).Mul(st.spec.Multiplier)
			nlv = nlv.Add(pnl)
		}
		maint = maint.Add(roundRequired(st.spec.MaintenanceMargin.Mul(pos.qty.Abs())))
	}
	return nlv, maint
}

// liquidate cuts the position down to retained contracts, realizing the
// slice at the mark price, re-earmarks collateral for what remains and
// books the cut quantity into the house account.
func (l *Ledger) liquidate(prov *provider, trader string, a *account, pos *position,
	prod *productState, retained, cut, price decimal.Decimal) Liquidation {

	sign := one
	if pos.qty.IsNegative() {
		sign = one.Neg()
	}
	avgEntry := pos.cost.Div(pos.qty)

	// Realize the cut slice at the mark price.
	realized := price.Sub(avgEntry).Mul(cut).Mul(sign).Mul(prod.spec.Multiplier)
	a.unassigned = a.unassigned.Add(realized)

	pos.qty = sign.Mul(retained)
	pos.cost = avgEntry.Mul(pos.qty)

	// Re-earmark collateral for the retained quantity, keeping the lender
	// funded up to the leverage cap and releasing the rest.
	required := roundRequired(prod.spec.InitialMargin.Mul(retained))
	lev := prov.leverageFor(prod.spec.Symbol)
	lenderTarget := decimal.Min(pos.lenderMargin,
		roundReleasable(required.Mul(one.Sub(one.Div(lev)))))
	traderTarget := required.Sub(lenderTarget)

	a.unassigned = a.unassigned.Add(pos.traderMargin.Sub(traderTarget))
	pos.traderMargin = traderTarget
	pos.lenderMargin = lenderTarget

	house := prov.ensureAccount(prov.key)
	housePos := house.ensurePosition(prod.spec.Symbol)
	moved := sign.Mul(cut)
	housePos.qty = housePos.qty.Add(moved)
	housePos.cost = housePos.cost.Add(moved.Mul(price))

	return Liquidation{
		ProviderKey: prov.key,
		Product:     prod.spec.Symbol,
		TraderID:    trader,
		Quantity:    moved,
		Price:       price,
	}
}

// Settle realizes all open P&L for the product at the terminal price into
// unassigned deposits, releases every margin assignment and zeroes every
// position. The product accepts no further trades.
func (l *Ledger) Settle(product string, finalPrice decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prod, ok := l.products[product]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProduct, product)
	}
	if prod.settled {
		return fmt.Errorf("%w: %s", ErrProductSettled, product)
	}

	for _, prov := range l.providers {
		for _, a := range prov.accounts {
			pos, ok := a.positions[product]
			if !ok {
				continue
			}
			realized := pos.qty.Mul(finalPrice).Sub(pos.cost).Mul(prod.spec.Multiplier)
			a.unassigned = a.unassigned.Add(pos.traderMargin).Add(realized)
			*pos = position{}
		}
	}
	delete(l.custodian, product)

	prod.markPrice = finalPrice
	prod.hasMark = true
	prod.settled = true

	log.Info().
		Str("product", product).
		Str("final_price", finalPrice.String()).
		Msg("product settled")

	return nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package auction implements the call-auction matching engine: a uniform
// clearing price is discovered from the resting book and every crossing
// order is filled pro rata at that price. The engine is pure; it never
// touches storage and re-running it over the same snapshot yields the same
// result.
package auction

import (
	"sort"

	"github.com/evermarkets/evr-core/internal/types"
	"github.com/shopspring/decimal"
)

// Fill is one order's share of the crossed volume, signed like the order.
type Fill struct {
	OrderID     string          `json:"order_id"`
	ProviderKey string          `json:"provider_key"`
	TraderID    string          `json:"trader_id"`
	Size        decimal.Decimal `json:"size"`
}

// Result is the outcome of running one call auction over an order snapshot.
// Fills are grouped so that each provider's fills are contiguous;
// ProviderKeys and ProviderCounts run-length encode that grouping.
type Result struct {
	Fills          []Fill            `json:"fills"`
	ProviderKeys   []string          `json:"provider_keys"`
	ProviderCounts []int             `json:"provider_counts"`
	ClearingPrice  decimal.Decimal   `json:"clearing_price"`
	TotalVolume    decimal.Decimal   `json:"total_volume"` // matched units, each counted once per side
	Imbalance      decimal.Decimal   `json:"imbalance"`    // bid available - ask available at the clearing price
}

// Empty reports whether the auction crossed no volume.
func (r Result) Empty() bool {
	return len(r.Fills) == 0
}

var two = decimal.NewFromInt(2)

// Run computes the clearing price and pro-rata fills for one auction.
// lastPrice is the previous auction's clearing price; it is only consulted
// when market orders alone cross (no resting limit orders), and may be nil.
// Orders with no residual quantity contribute nothing.
func Run(orders []*types.Order, lastPrice *decimal.Decimal) Result {
	var limitOrders, marketOrders []*types.Order
	for _, o := range orders {
		switch o.OrderType {
		case types.OrderTypeLimit:
			limitOrders = append(limitOrders, o)
		case types.OrderTypeMarket:
			marketOrders = append(marketOrders, o)
		}
	}

	if len(limitOrders) == 0 && (len(marketOrders) == 0 || lastPrice == nil) {
		return Result{}
	}

	prices := distinctSortedPrices(limitOrders)

	// Volume resting at each exact price level, split by side.
	bidVolumes := make([]decimal.Decimal, len(prices))
	askVolumes := make([]decimal.Decimal, len(prices))
	for i := range prices {
		bidVolumes[i] = decimal.Zero
		askVolumes[i] = decimal.Zero
	}
	for _, o := range limitOrders {
		i := sort.Search(len(prices), func(j int) bool { return prices[j].GreaterThanOrEqual(o.Price) })
		size := o.Residual()
		if size.IsPositive() {
			bidVolumes[i] = bidVolumes[i].Add(size)
		} else {
			askVolumes[i] = askVolumes[i].Sub(size)
		}
	}

	marketBidVolume := decimal.Zero
	marketAskVolume := decimal.Zero
	for _, o := range marketOrders {
		size := o.Residual()
		if size.IsPositive() {
			marketBidVolume = marketBidVolume.Add(size)
		} else {
			marketAskVolume = marketAskVolume.Sub(size)
		}
	}

	// The volume tradable at price p is min(bids at-or-above p, asks
	// at-or-below p), so accumulate bid volume from the top of the book
	// down and ask volume from the bottom up.
	bidsAtOrAbove := make([]decimal.Decimal, len(prices))
	asksAtOrBelow := make([]decimal.Decimal, len(prices))
	running := decimal.Zero
	for i := len(prices) - 1; i >= 0; i-- {
		running = running.Add(bidVolumes[i])
		bidsAtOrAbove[i] = running
	}
	running = decimal.Zero
	for i := 0; i < len(prices); i++ {
		running = running.Add(askVolumes[i])
		asksAtOrBelow[i] = running
	}

	// Scan for the price maximizing crossed volume. Tying prices form a
	// contiguous interval (bid availability is monotone decreasing and ask
	// availability monotone increasing in price), so tracking the lowest
	// and highest tying price is enough; the clearing price is their mean.
	maxVolume := decimal.Min(marketBidVolume, marketAskVolume)
	var minBestPrice, maxBestPrice decimal.Decimal
	bestFound := false
	for i, p := range prices {
		v := decimal.Min(bidsAtOrAbove[i].Add(marketBidVolume), asksAtOrBelow[i].Add(marketAskVolume))
		switch {
		case v.GreaterThan(maxVolume):
			maxVolume = v
			minBestPrice = p
			maxBestPrice = p
			bestFound = true
		case v.Equal(maxVolume):
			if !bestFound {
				minBestPrice = p
				bestFound = true
			}
			maxBestPrice = p
		}
	}

	if !maxVolume.IsPositive() {
		return Result{}
	}

	var clearingPrice, bidAvailable, askAvailable decimal.Decimal
	if len(prices) > 0 && bestFound {
		clearingPrice = minBestPrice.Add(maxBestPrice).Div(two)

		// The averaged price may land between two levels; available bid
		// volume then comes from the level above, ask volume from the
		// level below.
		priceIndex := -1
		for i, p := range prices {
			if p.LessThanOrEqual(clearingPrice) {
				priceIndex = i
			}
		}
		bidIndex, askIndex := priceIndex, priceIndex
		if priceIndex < 0 || !prices[priceIndex].Equal(clearingPrice) {
			bidIndex = priceIndex + 1
		}

		bidAvailable = marketBidVolume
		if bidIndex >= 0 && bidIndex < len(prices) {
			bidAvailable = bidsAtOrAbove[bidIndex].Add(marketBidVolume)
		}
		askAvailable = marketAskVolume
		if askIndex >= 0 {
			askAvailable = asksAtOrBelow[askIndex].Add(marketAskVolume)
		}
	} else {
		// Market orders alone crossed; they trade at the previous
		// auction's clearing price.
		clearingPrice = *lastPrice
		bidAvailable = marketBidVolume
		askAvailable = marketAskVolume
	}

	// Every crossing order is filled pro rata against the available volume
	// on its side, preserving the input order within each side.
	var fills []Fill
	for _, o := range orders {
		size := o.Residual()
		fill := decimal.Zero
		if size.IsPositive() && (o.OrderType == types.OrderTypeMarket || o.Price.GreaterThanOrEqual(clearingPrice)) {
			fill = size.Mul(maxVolume).Div(bidAvailable)
		} else if size.IsNegative() && (o.OrderType == types.OrderTypeMarket || o.Price.LessThanOrEqual(clearingPrice)) {
			fill = size.Mul(maxVolume).Div(askAvailable)
		}

		if !fill.IsZero() {
			fills = append(fills, Fill{
				OrderID:     o.OrderID,
				ProviderKey: o.ProviderKey,
				TraderID:    o.TraderID,
				Size:        fill,
			})
		}
	}

	if len(fills) == 0 {
		return Result{}
	}

	totalVolume := decimal.Zero
	for _, f := range fills {
		totalVolume = totalVolume.Add(f.Size.Abs())
	}

	fills, providerKeys, providerCounts := groupByProvider(fills)

	return Result{
		Fills:          fills,
		ProviderKeys:   providerKeys,
		ProviderCounts: providerCounts,
		ClearingPrice:  clearingPrice,
		TotalVolume:    totalVolume.Div(two),
		Imbalance:      bidAvailable.Sub(askAvailable),
	}
}

func distinctSortedPrices(limitOrders []*types.Order) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, len(limitOrders))
	for _, o := range limitOrders {
		prices = append(prices, o.Price)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })

	distinct := prices[:0]
	for _, p := range prices {
		if len(distinct) == 0 || !distinct[len(distinct)-1].Equal(p) {
			distinct = append(distinct, p)
		}
	}
	return distinct
}

// groupByProvider reorders fills so each provider's fills are contiguous,
// providers appearing in order of first fill, and run-length encodes the
// grouping.
func groupByProvider(fills []Fill) ([]Fill, []string, []int) {
	var keys []string
	seen := make(map[string]bool)
	for _, f := range fills {
		if !seen[f.ProviderKey] {
			seen[f.ProviderKey] = true
			keys = append(keys, f.ProviderKey)
		}
	}

	grouped := make([]Fill, 0, len(fills))
	counts := make([]int, 0, len(keys))
	for _, k := range keys {
		n := 0
		for _, f := range fills {
			if f.ProviderKey == k {
				grouped = append(grouped, f)
				n++
			}
		}
		counts = append(counts, n)
	}
	return grouped, keys, counts
}

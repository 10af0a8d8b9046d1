package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/evermarkets/evr-core/internal/ledger"
	"github.com/evermarkets/evr-core/internal/pricefeed"
)

// Processor drives the periodic side of settlement: it calls every active
// product's auction on a fixed interval, marks positions to market as the
// price feed ticks, and settles products that have reached expiry.
type Processor struct {
	executor        *Executor
	ledger          *ledger.Ledger
	feed            pricefeed.Source
	auctionInterval time.Duration
	readyTimeout    time.Duration
}

func NewProcessor(executor *Executor, l *ledger.Ledger, feed pricefeed.Source, auctionInterval time.Duration) *Processor {
	if auctionInterval <= 0 {
		auctionInterval = time.Minute
	}
	return &Processor{
		executor:        executor,
		ledger:          l,
		feed:            feed,
		auctionInterval: auctionInterval,
		readyTimeout:    30 * time.Second,
	}
}

// Start runs the processing loop until the context is canceled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Dur("auction_interval", p.auctionInterval).Msg("starting settlement processor")

	if err := pricefeed.WaitReady(ctx, p.feed, p.readyTimeout); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msg("price feed not ready, auctions run without marks until it is")
	}

	ticker := time.NewTicker(p.auctionInterval)
	defer ticker.Stop()

	updates := p.feed.Updates()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case u, ok := <-updates:
			if !ok {
				logger.Warn().Msg("price feed closed")
				updates = nil
				continue
			}
			p.markToMarket(u)
		case <-ticker.C:
			p.runCycle()
		}
	}
}

func (p *Processor) markToMarket(u pricefeed.Update) {
	logger := log.With().Str("component", "settlement_processor").Str("product", u.Product).Logger()

	liquidations, err := p.ledger.MarkToMarket(u.Product, u.Price)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownProduct) || errors.Is(err, ledger.ErrProductSettled) {
			logger.Debug().Err(err).Msg("mark skipped")
			return
		}
		logger.Error().Err(err).Msg("mark to market failed")
		return
	}
	if len(liquidations) > 0 {
		logger.Info().
			Int("liquidations", len(liquidations)).
			Str("price", u.Price.String()).
			Msg("mark to market liquidated positions")
	}
}

func (p *Processor) runCycle() {
	logger := log.With().Str("component", "settlement_processor").Logger()

	products, err := p.executor.GetDB().ActiveProducts()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list active products")
		return
	}

	now := time.Now()
	for _, product := range products {
		if !product.Expiry.IsZero() && product.Expiry.Before(now) {
			p.settleExpired(product.Symbol)
			continue
		}

		result, err := p.executor.CallAuction(product.Symbol, "")
		if err != nil {
			if errors.Is(err, ErrNoOpenAuction) {
				logger.Debug().Str("product", product.Symbol).Msg("no open auction")
				continue
			}
			logger.Error().Err(err).Str("product", product.Symbol).Msg("auction call failed")
			continue
		}
		if !result.Executed {
			logger.Debug().
				Str("product", product.Symbol).
				Str("reason", result.Reason).
				Msg("auction skipped")
		}
	}
}

// settleExpired realizes every position at the last mark and retires the
// product. Settlement waits for a mark price to exist.
func (p *Processor) settleExpired(symbol string) {
	logger := log.With().Str("component", "settlement_processor").Str("product", symbol).Logger()

	finalPrice, ok := p.ledger.MarkPrice(symbol)
	if !ok {
		logger.Warn().Msg("product expired without a mark price, settlement deferred")
		return
	}

	if err := p.ledger.Settle(symbol, finalPrice); err != nil && !errors.Is(err, ledger.ErrProductSettled) {
		logger.Error().Err(err).Msg("settlement failed")
		return
	}
	if err := p.executor.GetDB().MarkProductSettled(symbol, time.Now()); err != nil {
		logger.Error().Err(err).Msg("failed to flag product settled")
		return
	}
	logger.Info().Str("final_price", finalPrice.String()).Msg("expired product settled")
}

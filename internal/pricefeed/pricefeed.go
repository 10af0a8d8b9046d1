// Package pricefeed defines the price source contract that drives
// mark-to-market passes. Sources announce readiness explicitly instead of
// being polled; consumers wait on the readiness signal with a bounded
// timeout.
package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Update is one observed price for a product.
type Update struct {
	Product string
	Price   decimal.Decimal
	At      time.Time
}

// Source is a stream of price updates. Ready is closed once the source has
// initialized and Updates will start delivering; Updates is closed when the
// source shuts down.
type Source interface {
	Ready() <-chan struct{}
	Updates() <-chan Update
}

// WaitReady blocks until the source signals readiness, the timeout elapses
// or the context is canceled.
func WaitReady(ctx context.Context, src Source, timeout time.Duration) error {
	select {
	case <-src.Ready():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("price feed not ready after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Simulated is an in-process source fed by explicit Publish calls. It is
// used by the processor in local runs and by the simulation command.
type Simulated struct {
	ready     chan struct{}
	updates   chan Update
	readyOnce sync.Once
	closeOnce sync.Once
}

func NewSimulated() *Simulated {
	return &Simulated{
		ready:   make(chan struct{}),
		updates: make(chan Update, 64),
	}
}

func (s *Simulated) Ready() <-chan struct{} {
	return s.ready
}

func (s *Simulated) Updates() <-chan Update {
	return s.updates
}

// MarkReady signals that the source is initialized. Safe to call more than
// once.
func (s *Simulated) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Publish emits one price update, marking the source ready on first use.
// Updates are dropped when the consumer has fallen behind the buffer.
func (s *Simulated) Publish(product string, price decimal.Decimal) {
	s.MarkReady()
	u := Update{Product: product, Price: price, At: time.Now()}
	select {
	case s.updates <- u:
	default:
		log.Warn().Str("product", product).Msg("price feed buffer full, update dropped")
	}
}

// Close ends the stream.
func (s *Simulated) Close() {
	s.closeOnce.Do(func() { close(s.updates) })
}

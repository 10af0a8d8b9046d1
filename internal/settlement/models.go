package settlement

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoOpenAuction means the product has no auction accepting orders.
	ErrNoOpenAuction = errors.New("no open auction for product")
	// ErrStaleAuction means the caller tried to settle an auction that has
	// already ended.
	ErrStaleAuction = errors.New("auction already ended")
)

// CallResult reports the outcome of one auction call. Executed is false
// when the auction crossed nothing or a participant could not be funded; in
// both cases Reason carries the explanation and the auction stays open.
type CallResult struct {
	Executed      bool            `json:"executed"`
	Reason        string          `json:"reason,omitempty"`
	AuctionID     string          `json:"auction_id"`
	NextAuctionID string          `json:"next_auction_id,omitempty"`
	ClearingPrice decimal.Decimal `json:"clearing_price"`
	Volume        decimal.Decimal `json:"volume"`
	Imbalance     decimal.Decimal `json:"imbalance"`
	Fills         int             `json:"fills"`
}

package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionScheduled AuctionStatus = "scheduled"
	AuctionActive    AuctionStatus = "active"
	AuctionEnded     AuctionStatus = "ended"
	AuctionCancelled AuctionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionEnded || s == AuctionCancelled
}

// EndReason records why an auction left the active state.
type EndReason string

const (
	EndReasonDeadline  EndReason = "deadline"
	EndReasonBuyNow    EndReason = "buy_now"
	EndReasonManual    EndReason = "manual"
	EndReasonCancelled EndReason = "cancelled"
)

// Auction holds the terms and lifecycle state of a single listing sold by auction.
type Auction struct {
	ID           string              `json:"id"`
	SellerID     string              `json:"seller_id"`
	Title        string              `json:"title,omitempty"`
	StartingBid  decimal.Decimal     `json:"starting_bid"`
	ReservePrice decimal.NullDecimal `json:"reserve_price"`
	BuyNowPrice  decimal.NullDecimal `json:"buy_now_price"`
	Increment    decimal.Decimal     `json:"increment"`
	Quantity     int                 `json:"quantity"`
	StartsAt     time.Time           `json:"starts_at"`
	EndsAt       time.Time           `json:"ends_at"`
	Status       AuctionStatus       `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`

	// Set once the auction reaches a terminal status.
	EndReason    EndReason           `json:"end_reason,omitempty"`
	CancelReason string              `json:"cancel_reason,omitempty"`
	WinnerBidID  string              `json:"winner_bid_id,omitempty"`
	WinnerID     string              `json:"winner_id,omitempty"`
	FinalPrice   decimal.NullDecimal `json:"final_price"`
	ClosedAt     time.Time           `json:"closed_at,omitzero"`
}

// Bid is a single attempt to outbid the current highest accepted bid.
// Accepted bids are immutable once appended to the ledger.
type Bid struct {
	ID           string          `json:"id"`
	AuctionID    string          `json:"auction_id"`
	BidderID     string          `json:"bidder_id"`
	Amount       decimal.Decimal `json:"amount"`
	PlacedAt     time.Time       `json:"placed_at"`
	Seq          int64           `json:"seq"`
	Accepted     bool            `json:"accepted"`
	RejectReason string          `json:"reject_reason,omitempty"`
}

// Outcome is the result of closing an auction.
type Outcome struct {
	// Winner is the highest accepted bid meeting the reserve (nil if none)
	Winner *Bid

	// RunnerUp is the best bid from a different bidder (nil if none)
	RunnerUp *Bid

	// Highest is the highest accepted bid regardless of reserve
	Highest *Bid

	ReserveMet bool
}

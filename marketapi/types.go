// Package marketapi holds the JSON request and response types of the market
// HTTP API. Every command response carries an outcome discriminator so
// clients can branch without parsing status codes or messages.
package marketapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/core"
)

type Outcome string

const (
	OutcomeOK Outcome = "ok"
	// OutcomeRejected covers validation failures and state conflicts.
	OutcomeRejected          Outcome = "rejected"
	OutcomeRestricted        Outcome = "restricted"
	OutcomeInsufficientStock Outcome = "insufficient_stock"
	OutcomeNotFound          Outcome = "not_found"
	OutcomeUnavailable       Outcome = "unavailable"
	OutcomeError             Outcome = "error"
)

// OutcomeFor classifies err by its kind. A nil error is OutcomeOK.
func OutcomeFor(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	switch core.KindOf(err) {
	case core.KindValidation, core.KindStateConflict:
		return OutcomeRejected
	case core.KindRestriction:
		return OutcomeRestricted
	case core.KindInsufficientStock:
		return OutcomeInsufficientStock
	case core.KindNotFound:
		return OutcomeNotFound
	case core.KindExternalVerifier:
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}

type ErrorBody struct {
	Kind    core.Kind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Response is the envelope of every API response.
type Response struct {
	Outcome Outcome    `json:"outcome"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

func OK(data any) Response {
	return Response{Outcome: OutcomeOK, Data: data}
}

// Failure builds the envelope for err. Internal errors keep their detail out
// of the message.
func Failure(err error) Response {
	body := &ErrorBody{Kind: core.KindOf(err), Code: core.CodeOf(err), Message: err.Error()}
	if body.Kind == core.KindInternal {
		body.Message = "internal error"
	}
	return Response{Outcome: OutcomeFor(err), Error: body}
}

// parseOptionalMoney returns an invalid NullDecimal for nil or blank input.
func parseOptionalMoney(s *string) (decimal.NullDecimal, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := core.ParseMoney(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

type CreateAuctionRequest struct {
	ID           string    `json:"id,omitempty"`
	SellerID     string    `json:"seller_id"`
	Title        string    `json:"title"`
	StartingBid  string    `json:"starting_bid"`
	ReservePrice *string   `json:"reserve_price,omitempty"`
	BuyNowPrice  *string   `json:"buy_now_price,omitempty"`
	Increment    string    `json:"increment"`
	Quantity     int       `json:"quantity"`
	StartsAt     time.Time `json:"starts_at,omitzero"`
	EndsAt       time.Time `json:"ends_at"`
}

// AuctionTerms is the parsed form of CreateAuctionRequest.
type AuctionTerms struct {
	StartingBid  decimal.Decimal
	ReservePrice decimal.NullDecimal
	BuyNowPrice  decimal.NullDecimal
	Increment    decimal.Decimal
}

func (r CreateAuctionRequest) Terms() (AuctionTerms, error) {
	var (
		t    AuctionTerms
		err  error
		errs []error
	)
	if t.StartingBid, err = core.ParseMoney(r.StartingBid); err != nil {
		errs = append(errs, fmt.Errorf("starting_bid: %w", err))
	}
	if t.Increment, err = core.ParseMoney(r.Increment); err != nil {
		errs = append(errs, fmt.Errorf("increment: %w", err))
	}
	if t.ReservePrice, err = parseOptionalMoney(r.ReservePrice); err != nil {
		errs = append(errs, fmt.Errorf("reserve_price: %w", err))
	}
	if t.BuyNowPrice, err = parseOptionalMoney(r.BuyNowPrice); err != nil {
		errs = append(errs, fmt.Errorf("buy_now_price: %w", err))
	}
	return t, errors.Join(errs...)
}

type PlaceBidRequest struct {
	BidderID string `json:"bidder_id"`
	Amount   string `json:"amount"`
}

type BuyNowRequest struct {
	BidderID string `json:"bidder_id"`
}

type CancelAuctionRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

// BidHistoryPage is one page of an auction's bid history. NextAfter is zero
// on the last page.
type BidHistoryPage struct {
	AuctionID string     `json:"auction_id"`
	Bids      []core.Bid `json:"bids"`
	NextAfter int64      `json:"next_after,omitempty"`
}

// ReceiptResponse carries a signed close receipt, base64 encoded by
// encoding/json.
type ReceiptResponse struct {
	AuctionID string `json:"auction_id"`
	KeyID     string `json:"key_id,omitempty"`
	Receipt   []byte `json:"receipt"`
}

type CreateListingRequest struct {
	ID        string `json:"id,omitempty"`
	SellerID  string `json:"seller_id"`
	Title     string `json:"title"`
	UnitPrice string `json:"unit_price"`
	Stock     int    `json:"stock"`
}

type RestockRequest struct {
	Quantity int `json:"quantity"`
}

type ReserveRequest struct {
	OrderID  string `json:"order_id"`
	BuyerID  string `json:"buyer_id"`
	Quantity int    `json:"quantity"`
}

type SettleRequest struct {
	Token string `json:"token"`
}

type PayoutRequest struct {
	Amount string `json:"amount"`
}

type ScoreRequest struct {
	Delta int `json:"delta"`
	// Reset zeroes the score and ignores Delta.
	Reset bool `json:"reset,omitempty"`
}

type RestrictionRequest struct {
	Value  bool   `json:"value"`
	Reason string `json:"reason"`
}

type ReviewRequest struct {
	Status   string `json:"status"`
	Notes    string `json:"notes"`
	Reviewer string `json:"reviewer"`
}

type SignalRequest struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

type RegisterProfileRequest struct {
	Signals []SignalRequest `json:"signals"`
}

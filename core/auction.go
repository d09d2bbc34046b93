package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidateAuction checks the terms of a new auction.
//
// Rules:
//   - seller, positive starting bid and increment, quantity >= 1
//   - reserve (when set) >= starting bid
//   - buy-now (when set) > reserve, or >= starting bid without a reserve
//   - end time strictly after start time
func ValidateAuction(a *Auction) error {
	var problems []string

	if strings.TrimSpace(a.SellerID) == "" {
		problems = append(problems, "seller_id is required")
	}
	if !a.StartingBid.IsPositive() {
		problems = append(problems, "starting_bid must be positive")
	}
	if !a.Increment.IsPositive() {
		problems = append(problems, "increment must be positive")
	}
	if a.Quantity < 1 {
		problems = append(problems, "quantity must be at least 1")
	}
	if a.ReservePrice.Valid && !MeetsThreshold(a.ReservePrice.Decimal, a.StartingBid) {
		problems = append(problems, "reserve_price must be >= starting_bid")
	}
	if a.BuyNowPrice.Valid {
		switch {
		case a.ReservePrice.Valid && !RoundMoney(a.BuyNowPrice.Decimal).GreaterThan(RoundMoney(a.ReservePrice.Decimal)):
			problems = append(problems, "buy_now_price must be > reserve_price")
		case !MeetsThreshold(a.BuyNowPrice.Decimal, a.StartingBid):
			problems = append(problems, "buy_now_price must be >= starting_bid")
		}
	}
	if a.EndsAt.IsZero() {
		problems = append(problems, "ends_at is required")
	} else if !a.StartsAt.IsZero() && !a.EndsAt.After(a.StartsAt) {
		problems = append(problems, "ends_at must be after starts_at")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidAuction, strings.Join(problems, "; "))
	}
	return nil
}

// MinimumNextBid returns the smallest amount the next bid must reach under
// the increment rule. Without a prior accepted bid it is the starting bid.
func MinimumNextBid(a *Auction, highest *Bid) decimal.Decimal {
	if highest == nil {
		return RoundMoney(a.StartingBid)
	}
	return RoundMoney(highest.Amount.Add(a.Increment))
}

// MeetsReserve reports whether amount satisfies the auction's reserve.
// An auction without a reserve is always met.
func MeetsReserve(a *Auction, amount decimal.Decimal) bool {
	if !a.ReservePrice.Valid {
		return true
	}
	return MeetsThreshold(amount, a.ReservePrice.Decimal)
}

// BidDecision describes an accepted bid amount.
type BidDecision struct {
	Minimum    decimal.Decimal
	BuyNow     bool
	ReserveMet bool
}

// EvaluateBid applies the increment and buy-now rules to amount against the
// current highest accepted bid. It never looks at status or bidder state.
//
// A bid at or above the buy-now price only has to exceed the current highest
// bid; every other bid must reach MinimumNextBid. A bid that does not exceed
// the current highest is stale.
func EvaluateBid(a *Auction, highest *Bid, amount decimal.Decimal) (BidDecision, error) {
	amount = RoundMoney(amount)
	decision := BidDecision{Minimum: MinimumNextBid(a, highest)}

	if !amount.IsPositive() {
		return decision, fmt.Errorf("%w: %s", ErrInvalidAmount, Money(amount))
	}
	if highest != nil && !amount.GreaterThan(RoundMoney(highest.Amount)) {
		return decision, fmt.Errorf("%w: current highest is %s", ErrStaleBid, Money(highest.Amount))
	}

	if a.BuyNowPrice.Valid && MeetsThreshold(amount, a.BuyNowPrice.Decimal) {
		decision.BuyNow = true
		decision.ReserveMet = MeetsReserve(a, amount)
		return decision, nil
	}

	if amount.LessThan(decision.Minimum) {
		return decision, fmt.Errorf("%w: minimum is %s", ErrBidTooLow, Money(decision.Minimum))
	}
	decision.ReserveMet = MeetsReserve(a, amount)
	return decision, nil
}

// DetermineOutcome computes the winner of an auction from its accepted bids.
//
// Processing flow:
//  1. Rank accepted bids per bidder
//  2. Take the top ranked bid as the highest
//  3. The highest bid wins only if it meets the reserve
func DetermineOutcome(a *Auction, accepted []Bid) *Outcome {
	ranking := RankBidders(accepted)

	outcome := &Outcome{}
	if len(ranking.SortedBidders) == 0 {
		return outcome
	}

	outcome.Highest = ranking.HighestBids[ranking.SortedBidders[0]]
	if len(ranking.SortedBidders) > 1 {
		outcome.RunnerUp = ranking.HighestBids[ranking.SortedBidders[1]]
	}

	outcome.ReserveMet = MeetsReserve(a, outcome.Highest.Amount)
	if outcome.ReserveMet {
		outcome.Winner = outcome.Highest
	}
	return outcome
}

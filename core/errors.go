package core

import "errors"

// Kind classifies an error so transports can map it without string matching.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindStateConflict     Kind = "state_conflict"
	KindRestriction       Kind = "restriction"
	KindInsufficientStock Kind = "insufficient_stock"
	KindExternalVerifier  Kind = "external_verifier"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// Error is a typed domain error. Sentinels below are compared with errors.Is
// and wrapped with detail through fmt.Errorf("%w: ...").
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidAuction      = newError(KindValidation, "invalid_auction", "invalid auction terms")
	ErrInvalidAmount       = newError(KindValidation, "invalid_amount", "amount must be a positive number")
	ErrInvalidQuantity     = newError(KindValidation, "invalid_quantity", "quantity must be positive")
	ErrInvalidRequest      = newError(KindValidation, "invalid_request", "invalid request")
	ErrBidTooLow           = newError(KindValidation, "bid_too_low", "bid amount below minimum")
	ErrStaleBid            = newError(KindValidation, "stale_bid", "bid does not exceed the current highest bid")
	ErrInsufficientBalance = newError(KindValidation, "insufficient_balance", "payout exceeds available balance")
	ErrInvalidReview       = newError(KindValidation, "invalid_review", "invalid review status")

	ErrAuctionNotActive  = newError(KindStateConflict, "auction_not_active", "auction is not active")
	ErrAuctionEnded      = newError(KindStateConflict, "auction_ended", "auction has ended")
	ErrAuctionFinalized  = newError(KindStateConflict, "auction_finalized", "auction is already finalized")
	ErrLedgerSealed      = newError(KindStateConflict, "ledger_sealed", "bid ledger is sealed")
	ErrAlreadyReviewed   = newError(KindStateConflict, "already_reviewed", "alert already has a final review")
	ErrPayoutNotPending  = newError(KindStateConflict, "payout_not_pending", "payout is not pending")
	ErrDuplicateAuction  = newError(KindStateConflict, "duplicate_auction", "auction already exists")
	ErrDuplicateListing  = newError(KindStateConflict, "duplicate_listing", "listing already exists")
	ErrInvalidTransition = newError(KindStateConflict, "invalid_transition", "invalid state transition")

	ErrBidderSuspended   = newError(KindRestriction, "bidder_suspended", "bidder account is suspended")
	ErrSellerSuspended   = newError(KindRestriction, "seller_suspended", "seller account is suspended")
	ErrSelfBid           = newError(KindRestriction, "self_bid", "sellers cannot bid on their own auctions")
	ErrNotSeller         = newError(KindRestriction, "not_seller", "only the seller may do this")
	ErrWithdrawalBlocked = newError(KindRestriction, "withdrawal_blocked", "withdrawals are blocked for this account")

	ErrInsufficientStock = newError(KindInsufficientStock, "insufficient_stock", "not enough stock available")

	ErrVerifierUnavailable = newError(KindExternalVerifier, "verifier_unavailable", "payment verifier unavailable")

	ErrAuctionNotFound     = newError(KindNotFound, "auction_not_found", "auction not found")
	ErrListingNotFound     = newError(KindNotFound, "listing_not_found", "listing not found")
	ErrReservationNotFound = newError(KindNotFound, "reservation_not_found", "reservation not found")
	ErrAlertNotFound       = newError(KindNotFound, "alert_not_found", "fraud alert not found")
	ErrPayoutNotFound      = newError(KindNotFound, "payout_not_found", "payout request not found")

	ErrInvariantViolation = newError(KindInternal, "invariant_violation", "internal invariant violated")
)

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// IsInvariantViolation reports whether err signals corrupted internal state.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

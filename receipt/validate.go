package receipt

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/core"
)

// InclusionInput is what a bidder knows about their own bid and what they
// expect the outcome to be.
type InclusionInput struct {
	BidID  string
	Amount decimal.Decimal
	// ExpectWinner is the bidder's belief that their bid won.
	ExpectWinner bool
	// FinalPrice is checked only when valid.
	FinalPrice decimal.NullDecimal
}

type ValidationResult struct {
	Receipt         *CloseReceipt `json:"receipt,omitempty"`
	SignatureValid  bool          `json:"signature_valid"`
	BidHashValid    bool          `json:"bid_hash_valid"`
	WinnerValid     bool          `json:"winner_valid"`
	FinalPriceValid bool          `json:"final_price_valid"`
	Details         []string      `json:"details"`
}

func (r *ValidationResult) IsValid() bool {
	return r.SignatureValid && r.BidHashValid && r.WinnerValid && r.FinalPriceValid
}

func (r *ValidationResult) note(format string, args ...any) {
	r.Details = append(r.Details, fmt.Sprintf(format, args...))
}

// ValidateBidInclusion verifies the receipt signature and checks that the
// bid is committed to and that the outcome matches the bidder's expectation.
// An error means the check could not be performed at all.
func ValidateBidInclusion(data []byte, pub *ecdsa.PublicKey, in InclusionInput) (*ValidationResult, error) {
	if in.BidID == "" {
		return nil, fmt.Errorf("%w: bid id is required", core.ErrInvalidRequest)
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: public key is required", core.ErrInvalidRequest)
	}

	result := &ValidationResult{}
	r, err := Verify(data, pub)
	if err != nil {
		result.note("Signature verification failed: %v", err)
		return result, nil
	}
	result.Receipt = &r
	result.SignatureValid = true
	result.note("Signature valid for auction %s", r.AuctionID)

	result.BidHashValid = validateBidHash(r, in, result)
	result.WinnerValid = validateWinner(r, in, result)
	result.FinalPriceValid = validateFinalPrice(r, in, result)
	return result, nil
}

func validateBidHash(r CloseReceipt, in InclusionInput, result *ValidationResult) bool {
	if r.BidHashNonce == "" {
		result.note("Bid hash nonce missing from receipt")
		return false
	}
	computed := core.ComputeBidHash(in.BidID, in.Amount, r.BidHashNonce)
	for _, h := range r.BidHashes {
		if h == computed {
			result.note("Bid hash found in receipt: %s", computed)
			return true
		}
	}
	result.note("Bid hash NOT found in receipt. Computed: %s", computed)
	result.note("Total hashes in receipt: %d", len(r.BidHashes))
	return false
}

func validateWinner(r CloseReceipt, in InclusionInput, result *ValidationResult) bool {
	won := r.Winner != nil && r.Winner.ID == in.BidID
	switch {
	case in.ExpectWinner == won && won:
		result.note("Winner validation passed: bid won as expected (price: %s)", r.Winner.Amount)
		return true
	case in.ExpectWinner == won:
		result.note("Winner validation passed: bid lost as expected")
		return true
	case in.ExpectWinner:
		result.note("Winner validation failed: expected to win, but did not win")
	default:
		result.note("Winner validation failed: expected to lose, but won with price %s", r.Winner.Amount)
	}
	return false
}

func validateFinalPrice(r CloseReceipt, in InclusionInput, result *ValidationResult) bool {
	if !in.FinalPrice.Valid {
		result.note("Final price not checked")
		return true
	}
	if r.FinalPrice == "" {
		result.note("Final price mismatch: expected %s, receipt has no sale", core.Money(in.FinalPrice.Decimal))
		return false
	}
	attested, err := decimal.NewFromString(r.FinalPrice)
	if err != nil {
		result.note("Final price in receipt is malformed: %q", r.FinalPrice)
		return false
	}
	if core.RoundMoney(attested).Equal(core.RoundMoney(in.FinalPrice.Decimal)) {
		result.note("Final price validation passed: %s", r.FinalPrice)
		return true
	}
	result.note("Final price mismatch: expected %s, receipt has %s", core.Money(in.FinalPrice.Decimal), r.FinalPrice)
	return false
}

// Package receipt issues and checks signed close receipts.
//
// A receipt is a CBOR document committing to an auction's terms, the salted
// hashes of every accepted bid and the outcome. It is signed as a COSE_Sign1
// message (ES256) so a bidder holding the market's public key can check that
// their bid was counted and how the auction ended without seeing anyone
// else's bids.
package receipt

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/openmarket/auction"
	"github.com/cloudx-io/openmarket/clock"
	"github.com/cloudx-io/openmarket/core"
)

const Version = 1

// BidSummary identifies a bid in a receipt without its bidder.
type BidSummary struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

// CloseReceipt is the signed payload.
type CloseReceipt struct {
	Version      int                `json:"version"`
	AuctionID    string             `json:"auction_id"`
	Status       core.AuctionStatus `json:"status"`
	EndReason    core.EndReason     `json:"end_reason"`
	TermsHash    string             `json:"terms_hash"`
	TermsNonce   string             `json:"terms_nonce"`
	BidHashNonce string             `json:"bid_hash_nonce"`
	BidHashes    []string           `json:"bid_hashes"`
	Winner       *BidSummary        `json:"winner,omitempty"`
	RunnerUp     *BidSummary        `json:"runner_up,omitempty"`
	ReserveMet   bool               `json:"reserve_met"`
	FinalPrice   string             `json:"final_price,omitempty"`
	ClosedAt     time.Time          `json:"closed_at"`
	IssuedAt     time.Time          `json:"issued_at"`
}

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("receipt: cbor enc mode: %v", err))
	}
	return em
}()

func summarize(b *core.Bid) *BidSummary {
	if b == nil {
		return nil
	}
	return &BidSummary{ID: b.ID, Amount: core.RoundMoney(b.Amount).StringFixed(4)}
}

// Build assembles the receipt for a finalized auction. Rejected attempts are
// left out; only accepted bids are committed to.
func Build(a core.Auction, bids []core.Bid, outcome *core.Outcome, issuedAt time.Time) (CloseReceipt, error) {
	if !a.Status.Terminal() {
		return CloseReceipt{}, fmt.Errorf("%w: auction %s is %s", core.ErrAuctionNotActive, a.ID, a.Status)
	}

	termsNonce, err := generateNonce()
	if err != nil {
		return CloseReceipt{}, fmt.Errorf("failed to generate terms nonce: %w", err)
	}
	bidHashNonce, err := generateNonce()
	if err != nil {
		return CloseReceipt{}, fmt.Errorf("failed to generate bid hash nonce: %w", err)
	}

	hashes := make([]string, 0, len(bids))
	for _, b := range bids {
		if !b.Accepted {
			continue
		}
		hashes = append(hashes, core.ComputeBidHash(b.ID, b.Amount, bidHashNonce))
	}

	r := CloseReceipt{
		Version:      Version,
		AuctionID:    a.ID,
		Status:       a.Status,
		EndReason:    a.EndReason,
		TermsHash:    core.ComputeTermsHash(&a, termsNonce),
		TermsNonce:   termsNonce,
		BidHashNonce: bidHashNonce,
		BidHashes:    hashes,
		ClosedAt:     a.ClosedAt.UTC(),
		IssuedAt:     issuedAt.UTC(),
	}
	if outcome != nil {
		r.Winner = summarize(outcome.Winner)
		r.RunnerUp = summarize(outcome.RunnerUp)
		r.ReserveMet = outcome.ReserveMet
	}
	if a.FinalPrice.Valid {
		r.FinalPrice = core.RoundMoney(a.FinalPrice.Decimal).StringFixed(4)
	}
	return r, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("entropy generation failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock sets the clock stamping IssuedAt.
func WithClock(c clock.Clock) Option {
	return func(s *Signer) {
		s.clock = c
	}
}

// Signer signs close receipts with an ECDSA P-256 key.
type Signer struct {
	key    *ecdsa.PrivateKey
	keyID  string
	signer cose.Signer
	clock  clock.Clock
}

var _ auction.Attestor = (*Signer)(nil)

func NewSigner(key *ecdsa.PrivateKey, opts ...Option) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("receipt signing key is nil")
	}
	signer, err := cose.NewSigner(cose.AlgorithmES256, key)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	keyID, err := KeyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	s := &Signer{key: key, keyID: keyID, signer: signer, clock: clock.NewSystem()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Signer) PublicKey() *ecdsa.PublicKey { return &s.key.PublicKey }

func (s *Signer) KeyID() string { return s.keyID }

// Issue builds and signs the receipt of a finalized auction.
func (s *Signer) Issue(_ context.Context, a core.Auction, bids []core.Bid, outcome *core.Outcome) ([]byte, error) {
	r, err := Build(a, bids, outcome, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return s.Sign(r)
}

// Sign encodes r deterministically and wraps it in a tagged COSE_Sign1 message.
func (s *Signer) Sign(r CloseReceipt) ([]byte, error) {
	payload, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal receipt: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected[cose.HeaderLabelAlgorithm] = cose.AlgorithmES256
	msg.Headers.Unprotected[cose.HeaderLabelKeyID] = []byte(s.keyID)
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, nil, s.signer); err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}
	return msg.MarshalCBOR()
}

// Decode returns the payload of a receipt without checking its signature.
func Decode(data []byte) (CloseReceipt, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(data); err != nil {
		return CloseReceipt{}, fmt.Errorf("parse COSE_Sign1: %w", err)
	}
	return decodePayload(msg.Payload)
}

// Verify checks the ES256 signature with pub and returns the payload.
func Verify(data []byte, pub *ecdsa.PublicKey) (CloseReceipt, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(data); err != nil {
		return CloseReceipt{}, fmt.Errorf("parse COSE_Sign1: %w", err)
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmES256, pub)
	if err != nil {
		return CloseReceipt{}, fmt.Errorf("create verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return CloseReceipt{}, fmt.Errorf("COSE signature verification failed: %w", err)
	}
	return decodePayload(msg.Payload)
}

func decodePayload(payload []byte) (CloseReceipt, error) {
	var r CloseReceipt
	if err := cbor.Unmarshal(payload, &r); err != nil {
		return CloseReceipt{}, fmt.Errorf("parse receipt payload: %w", err)
	}
	if r.Version != Version {
		return CloseReceipt{}, fmt.Errorf("unsupported receipt version %d", r.Version)
	}
	return r, nil
}

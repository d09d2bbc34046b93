package fraud

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ShillEvidence links a bidder to the seller of the auction they bid on.
type ShillEvidence struct {
	AuctionID      string   `json:"auction_id"`
	SellerID       string   `json:"seller_id"`
	BidderID       string   `json:"bidder_id"`
	BidID          string   `json:"bid_id"`
	Amount         string   `json:"amount"`
	Relation       string   `json:"relation"`
	SharedContacts []string `json:"shared_contacts,omitempty"`
}

// ManipulationEvidence describes a run of minimum raises from a small set of accounts.
type ManipulationEvidence struct {
	AuctionID     string   `json:"auction_id"`
	Accounts      []string `json:"accounts"`
	BidIDs        []string `json:"bid_ids"`
	Increment     string   `json:"increment"`
	WindowSeconds int64    `json:"window_seconds"`
}

// WithdrawalEvidence describes a payout following a sales spike on dormant listings.
type WithdrawalEvidence struct {
	PayoutID        string    `json:"payout_id"`
	Amount          string    `json:"amount"`
	RecentSales     string    `json:"recent_sales"`
	Ratio           string    `json:"ratio"`
	SpikeSales      int       `json:"spike_sales"`
	DormantListings []string  `json:"dormant_listings"`
	RequestedAt     time.Time `json:"requested_at"`
}

// MultiAccountEvidence carries the identity similarity between two bidders.
type MultiAccountEvidence struct {
	AuctionID      string   `json:"auction_id"`
	OtherAccountID string   `json:"other_account_id"`
	Score          float64  `json:"score"`
	Signals        []string `json:"signals"`
}

// BidPatternEvidence summarizes repeated sub-threshold reaction times.
type BidPatternEvidence struct {
	RapidReactions  int      `json:"rapid_reactions"`
	Auctions        []string `json:"auctions"`
	FastestMillis   int64    `json:"fastest_millis"`
	MedianMillis    int64    `json:"median_millis"`
	ThresholdMillis int64    `json:"threshold_millis"`
}

// Evidence holds exactly one typed payload matching Type.
type Evidence struct {
	Type              AlertType             `json:"type"`
	Shill             *ShillEvidence        `json:"shill_bidding,omitempty"`
	PriceManipulation *ManipulationEvidence `json:"price_manipulation,omitempty"`
	Withdrawal        *WithdrawalEvidence   `json:"suspicious_withdrawal,omitempty"`
	MultipleAccounts  *MultiAccountEvidence `json:"multiple_accounts,omitempty"`
	BidPattern        *BidPatternEvidence   `json:"suspicious_bid_pattern,omitempty"`
}

// Fact is one named item of evidence, in display order.
type Fact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Facts flattens the evidence into an ordered list.
func (e Evidence) Facts() []Fact {
	var facts []Fact
	add := func(name, value string) {
		if value != "" {
			facts = append(facts, Fact{Name: name, Value: value})
		}
	}

	switch {
	case e.Shill != nil:
		s := e.Shill
		add("auction_id", s.AuctionID)
		add("seller_id", s.SellerID)
		add("bidder_id", s.BidderID)
		add("bid_id", s.BidID)
		add("amount", s.Amount)
		add("relation", s.Relation)
		add("shared_contacts", strings.Join(s.SharedContacts, ","))
	case e.PriceManipulation != nil:
		m := e.PriceManipulation
		add("auction_id", m.AuctionID)
		add("accounts", strings.Join(m.Accounts, ","))
		add("bid_count", strconv.Itoa(len(m.BidIDs)))
		add("increment", m.Increment)
		add("window_seconds", strconv.FormatInt(m.WindowSeconds, 10))
	case e.Withdrawal != nil:
		w := e.Withdrawal
		add("payout_id", w.PayoutID)
		add("amount", w.Amount)
		add("recent_sales", w.RecentSales)
		add("ratio", w.Ratio)
		add("spike_sales", strconv.Itoa(w.SpikeSales))
		add("dormant_listings", strings.Join(w.DormantListings, ","))
	case e.MultipleAccounts != nil:
		m := e.MultipleAccounts
		add("auction_id", m.AuctionID)
		add("other_account_id", m.OtherAccountID)
		add("score", strconv.FormatFloat(m.Score, 'f', 2, 64))
		add("signals", strings.Join(m.Signals, ","))
	case e.BidPattern != nil:
		p := e.BidPattern
		add("rapid_reactions", strconv.Itoa(p.RapidReactions))
		add("auctions", strings.Join(p.Auctions, ","))
		add("fastest_millis", strconv.FormatInt(p.FastestMillis, 10))
		add("median_millis", strconv.FormatInt(p.MedianMillis, 10))
		add("threshold_millis", strconv.FormatInt(p.ThresholdMillis, 10))
	}
	return facts
}

// Validate checks that exactly the payload matching Type is set.
func (e Evidence) Validate() error {
	set := map[AlertType]bool{
		TypeShillBidding:         e.Shill != nil,
		TypePriceManipulation:    e.PriceManipulation != nil,
		TypeSuspiciousWithdrawal: e.Withdrawal != nil,
		TypeMultipleAccounts:     e.MultipleAccounts != nil,
		TypeSuspiciousBidPattern: e.BidPattern != nil,
	}
	count := 0
	for _, ok := range set {
		if ok {
			count++
		}
	}
	if count != 1 || !set[e.Type] {
		return fmt.Errorf("evidence for %q must carry exactly its own payload", e.Type)
	}
	return nil
}

var evidenceEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("fraud: build CBOR encoding mode: %v", err))
	}
	return em
}()

// EncodeEvidence returns the deterministic CBOR encoding of e.
func EncodeEvidence(e Evidence) ([]byte, error) {
	return evidenceEncMode.Marshal(e)
}

// DecodeEvidence parses CBOR produced by EncodeEvidence.
func DecodeEvidence(data []byte) (Evidence, error) {
	var e Evidence
	if err := cbor.Unmarshal(data, &e); err != nil {
		return Evidence{}, fmt.Errorf("decode evidence: %w", err)
	}
	return e, nil
}

// EvidenceDigest is the SHA-256 of the canonical encoding. Reviewers use it
// to confirm the evidence was not altered after the alert was raised.
func EvidenceDigest(e Evidence) (string, error) {
	data, err := EncodeEvidence(e)
	if err != nil {
		return "", fmt.Errorf("encode evidence: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

package fraud

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/trust"
)

type finding struct {
	severity  Severity
	subject   string
	auctionID string
	dedupKey  string
	evidence  Evidence
}

func dedupKey(parts ...string) string {
	return strings.Join(parts, "|")
}

// checkShill flags a bid placed by the seller or by an account sharing a
// verified contact with the seller.
func (d *Detector) checkShill(ctx context.Context, ev core.BidEvent) (*finding, error) {
	a, bid := ev.Auction, ev.Bid
	evidence := &ShillEvidence{
		AuctionID: a.ID,
		SellerID:  a.SellerID,
		BidderID:  bid.BidderID,
		BidID:     bid.ID,
		Amount:    core.Money(bid.Amount),
	}

	switch {
	case bid.BidderID == a.SellerID:
		evidence.Relation = "same_account"
	case d.similarity != nil:
		m, err := d.similarity.Similarity(ctx, a.SellerID, bid.BidderID)
		if err != nil {
			return nil, fmt.Errorf("seller similarity: %w", err)
		}
		if len(m.SharedContacts) == 0 {
			return nil, nil
		}
		evidence.Relation = "shared_contact"
		evidence.SharedContacts = m.SharedContacts
	default:
		return nil, nil
	}

	return &finding{
		severity:  SeverityCritical,
		subject:   bid.BidderID,
		auctionID: a.ID,
		dedupKey:  dedupKey(string(TypeShillBidding), a.ID, bid.BidderID),
		evidence:  Evidence{Type: TypeShillBidding, Shill: evidence},
	}, nil
}

// checkPriceManipulation looks for a trailing run of bids where two or three
// accounts without wins take turns raising by exactly the minimum increment
// in quick succession.
func (d *Detector) checkPriceManipulation(_ context.Context, ev core.BidEvent) (*finding, error) {
	a := ev.Auction
	if !a.Increment.IsPositive() {
		return nil, nil
	}

	var bids []core.Bid
	for b := range d.history.Accepted(a.ID) {
		if b.Seq > ev.Bid.Seq {
			break
		}
		bids = append(bids, b)
	}
	if len(bids) < d.cfg.ManipulationMinBids {
		return nil, nil
	}

	last := bids[len(bids)-1]
	windowStart := last.PlacedAt.Add(-d.cfg.ManipulationWindow)
	start := len(bids) - 1
	for i := len(bids) - 1; i > 0; i-- {
		cur, prev := bids[i], bids[i-1]
		if prev.PlacedAt.Before(windowStart) ||
			prev.BidderID == cur.BidderID ||
			!cur.Amount.Sub(prev.Amount).Equal(a.Increment) ||
			cur.PlacedAt.Sub(prev.PlacedAt) > d.cfg.ManipulationMaxInterval {
			break
		}
		start = i - 1
	}

	run := bids[start:]
	if len(run) < d.cfg.ManipulationMinBids {
		return nil, nil
	}

	var accounts []string
	bidIDs := make([]string, 0, len(run))
	for _, b := range run {
		if !slices.Contains(accounts, b.BidderID) {
			accounts = append(accounts, b.BidderID)
		}
		bidIDs = append(bidIDs, b.ID)
	}
	if len(accounts) < 2 || len(accounts) > d.cfg.ManipulationMaxAccounts {
		return nil, nil
	}

	d.mu.Lock()
	for _, acct := range accounts {
		if d.wins[acct] > 0 {
			d.mu.Unlock()
			return nil, nil
		}
	}
	d.mu.Unlock()

	sort.Strings(accounts)
	return &finding{
		severity:  SeverityWarning,
		subject:   ev.Bid.BidderID,
		auctionID: a.ID,
		dedupKey:  dedupKey(string(TypePriceManipulation), a.ID),
		evidence: Evidence{Type: TypePriceManipulation, PriceManipulation: &ManipulationEvidence{
			AuctionID:     a.ID,
			Accounts:      accounts,
			BidIDs:        bidIDs,
			Increment:     core.Money(a.Increment),
			WindowSeconds: int64(last.PlacedAt.Sub(run[0].PlacedAt) / time.Second),
		}},
	}, nil
}

// checkMultipleAccounts compares the bidder with every other bidder on the
// auction and flags the closest match above the similarity threshold.
func (d *Detector) checkMultipleAccounts(ctx context.Context, ev core.BidEvent) (*finding, error) {
	if d.similarity == nil {
		return nil, nil
	}
	a, bidder := ev.Auction, ev.Bid.BidderID

	var others []string
	for b := range d.history.Accepted(a.ID) {
		if b.BidderID != bidder && b.BidderID != a.SellerID && !slices.Contains(others, b.BidderID) {
			others = append(others, b.BidderID)
		}
	}

	var best *MultiAccountEvidence
	for _, other := range others {
		m, err := d.similarity.Similarity(ctx, bidder, other)
		if err != nil {
			return nil, fmt.Errorf("bidder similarity: %w", err)
		}
		if m.Score < d.cfg.SimilarityThreshold {
			continue
		}
		if best == nil || m.Score > best.Score {
			best = &MultiAccountEvidence{
				AuctionID:      a.ID,
				OtherAccountID: other,
				Score:          m.Score,
				Signals:        m.Signals,
			}
		}
	}
	if best == nil {
		return nil, nil
	}

	first, second := bidder, best.OtherAccountID
	if second < first {
		first, second = second, first
	}
	return &finding{
		severity:  SeverityCritical,
		subject:   bidder,
		auctionID: a.ID,
		dedupKey:  dedupKey(string(TypeMultipleAccounts), first, second),
		evidence:  Evidence{Type: TypeMultipleAccounts, MultipleAccounts: best},
	}, nil
}

// checkBidPattern tracks how quickly a bidder reacts to being outbid and
// flags repeated sub-threshold reactions across several auctions.
func (d *Detector) checkBidPattern(_ context.Context, ev core.BidEvent) (*finding, error) {
	prev, bid := ev.Previous, ev.Bid
	if prev == nil || prev.BidderID == bid.BidderID {
		return nil, nil
	}
	delay := bid.PlacedAt.Sub(prev.PlacedAt)
	if delay < 0 || delay >= d.cfg.RapidReaction {
		return nil, nil
	}

	d.mu.Lock()
	cutoff := bid.PlacedAt.Add(-d.cfg.PatternWindow)
	kept := d.reactions[bid.BidderID][:0]
	for _, r := range d.reactions[bid.BidderID] {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	kept = append(kept, reaction{auctionID: ev.Auction.ID, delay: delay, at: bid.PlacedAt})
	d.reactions[bid.BidderID] = kept
	recent := slices.Clone(kept)
	d.mu.Unlock()

	var auctions []string
	delays := make([]time.Duration, 0, len(recent))
	for _, r := range recent {
		if !slices.Contains(auctions, r.auctionID) {
			auctions = append(auctions, r.auctionID)
		}
		delays = append(delays, r.delay)
	}
	if len(recent) < d.cfg.PatternMinReactions || len(auctions) < d.cfg.PatternMinAuctions {
		return nil, nil
	}

	slices.Sort(delays)
	sort.Strings(auctions)
	return &finding{
		severity: SeverityWarning,
		subject:  bid.BidderID,
		dedupKey: dedupKey(string(TypeSuspiciousBidPattern), bid.BidderID),
		evidence: Evidence{Type: TypeSuspiciousBidPattern, BidPattern: &BidPatternEvidence{
			RapidReactions:  len(recent),
			Auctions:        auctions,
			FastestMillis:   delays[0].Milliseconds(),
			MedianMillis:    delays[len(delays)/2].Milliseconds(),
			ThresholdMillis: d.cfg.RapidReaction.Milliseconds(),
		}},
	}, nil
}

// checkWithdrawal flags a payout that takes most of the money earned in a
// burst of sales on listings that had been dormant.
func (d *Detector) checkWithdrawal(req trust.PayoutRequest) *finding {
	spikeStart := req.RequestedAt.Add(-d.cfg.SpikeWindow)
	dormantSince := spikeStart.Add(-d.cfg.DormancyPeriod)

	sales := d.trust.Sales(req.AccountID)
	lastBefore := make(map[string]time.Time)
	var spike []trust.Sale
	for _, s := range sales {
		switch {
		case s.At.After(req.RequestedAt):
		case s.At.After(spikeStart):
			spike = append(spike, s)
		case s.At.After(lastBefore[s.ListingID]):
			lastBefore[s.ListingID] = s.At
		}
	}

	recent := decimal.Zero
	spikeSales := 0
	var dormant []string
	for _, s := range spike {
		recent = recent.Add(s.Amount)
		if last, ok := lastBefore[s.ListingID]; ok && last.After(dormantSince) {
			continue
		}
		spikeSales++
		if !slices.Contains(dormant, s.ListingID) {
			dormant = append(dormant, s.ListingID)
		}
	}
	if spikeSales < d.cfg.SpikeMinSales || !recent.IsPositive() {
		return nil
	}

	ratio := req.Amount.Div(recent)
	if ratio.LessThan(d.cfg.WithdrawalRatio) {
		return nil
	}

	severity := SeverityInfo
	switch {
	case core.MeetsThreshold(req.Amount, d.cfg.CriticalAmount):
		severity = SeverityCritical
	case core.MeetsThreshold(req.Amount, d.cfg.WarningAmount):
		severity = SeverityWarning
	}

	sort.Strings(dormant)
	return &finding{
		severity: severity,
		subject:  req.AccountID,
		dedupKey: dedupKey(string(TypeSuspiciousWithdrawal), req.AccountID, req.ID),
		evidence: Evidence{Type: TypeSuspiciousWithdrawal, Withdrawal: &WithdrawalEvidence{
			PayoutID:        req.ID,
			Amount:          core.Money(req.Amount),
			RecentSales:     core.Money(recent),
			Ratio:           ratio.StringFixed(2),
			SpikeSales:      spikeSales,
			DormantListings: dormant,
			RequestedAt:     req.RequestedAt,
		}},
	}
}

package core

import "sort"

// Ranking contains bidders ordered by their best accepted bid.
type Ranking struct {
	Ranks         map[string]int  `json:"ranks"`
	HighestBids   map[string]*Bid `json:"highest_bids"`
	SortedBidders []string        `json:"sorted_bidders"`
}

// RankBidders keeps the highest accepted bid per bidder and orders bidders by
// it, descending. Equal amounts are ordered by ledger sequence so the bid that
// got there first ranks higher. Rejected bids are ignored.
func RankBidders(bids []Bid) *Ranking {
	result := &Ranking{
		Ranks:         make(map[string]int),
		HighestBids:   make(map[string]*Bid),
		SortedBidders: make([]string, 0),
	}

	for i := range bids {
		bid := &bids[i]
		if !bid.Accepted {
			continue
		}

		existing, exists := result.HighestBids[bid.BidderID]
		if !exists || outranks(bid, existing) {
			result.HighestBids[bid.BidderID] = bid
		}
	}

	for bidder := range result.HighestBids {
		result.SortedBidders = append(result.SortedBidders, bidder)
	}
	sort.Slice(result.SortedBidders, func(i, j int) bool {
		return outranks(result.HighestBids[result.SortedBidders[i]], result.HighestBids[result.SortedBidders[j]])
	})

	for rank, bidder := range result.SortedBidders {
		result.Ranks[bidder] = rank + 1
	}

	return result
}

func outranks(a, b *Bid) bool {
	if cmp := RoundMoney(a.Amount).Cmp(RoundMoney(b.Amount)); cmp != 0 {
		return cmp > 0
	}
	return a.Seq < b.Seq
}

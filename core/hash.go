package core

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ComputeBidHash computes the salted hash of a bid published in close receipts.
// Receipt issuers generate hashes with it and bidders recompute them to check inclusion.
//
// Formula: SHA256(bid_id + "|" + fixed(amount, 4) + "|" + nonce)
//
// The amount is formatted to exactly 4 decimal places so that 110, 110.0 and
// 110.0000 hash identically.
func ComputeBidHash(bidID string, amount decimal.Decimal, nonce string) string {
	data := fmt.Sprintf("%s|%s|%s", bidID, RoundMoney(amount).StringFixed(monetaryPrecision), nonce)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ComputeTermsHash computes the hash of an auction's terms.
//
// Formula: SHA256(nonce + "|" + sorted_key_value_pairs)
// where sorted_key_value_pairs = "key1:value1|key2:value2|..." (sorted by key)
func ComputeTermsHash(a *Auction, nonce string) string {
	terms := AuctionTerms(a)

	keys := make([]string, 0, len(terms))
	for k := range terms {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := nonce
	for _, k := range keys {
		data += fmt.Sprintf("|%s:%s", k, terms[k])
	}
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// AuctionTerms flattens the money terms of an auction into canonical strings.
// Absent optional prices are omitted.
func AuctionTerms(a *Auction) map[string]string {
	terms := map[string]string{
		"auction_id":   a.ID,
		"seller_id":    a.SellerID,
		"starting_bid": RoundMoney(a.StartingBid).StringFixed(monetaryPrecision),
		"increment":    RoundMoney(a.Increment).StringFixed(monetaryPrecision),
		"quantity":     fmt.Sprintf("%d", a.Quantity),
	}
	if a.ReservePrice.Valid {
		terms["reserve_price"] = RoundMoney(a.ReservePrice.Decimal).StringFixed(monetaryPrecision)
	}
	if a.BuyNowPrice.Valid {
		terms["buy_now_price"] = RoundMoney(a.BuyNowPrice.Decimal).StringFixed(monetaryPrecision)
	}
	return terms
}

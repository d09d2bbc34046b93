package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/ledger"
)

// BidJournal mirrors ledger appends into the bids table.
type BidJournal struct {
	pool *pgxpool.Pool
}

var _ ledger.Journal = (*BidJournal)(nil)

func NewBidJournal(db *DB) *BidJournal {
	return &BidJournal{pool: db.pool}
}

// AppendBid is idempotent on the bid id so a retried append after a lost
// acknowledgement does not fail the ledger.
func (j *BidJournal) AppendBid(ctx context.Context, bid core.Bid) error {
	_, err := j.pool.Exec(ctx, `
INSERT INTO bids (id, auction_id, bidder_id, amount, placed_at, seq, accepted, reject_reason)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`,
		bid.ID, bid.AuctionID, bid.BidderID, bid.Amount.String(), bid.PlacedAt, bid.Seq, bid.Accepted, bid.RejectReason,
	)
	if err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}
	return nil
}

func (j *BidJournal) LoadBids(ctx context.Context, auctionID string) ([]core.Bid, error) {
	rows, err := j.pool.Query(ctx, `
SELECT id, auction_id, bidder_id, amount::text, placed_at, seq, accepted, reject_reason
FROM bids
WHERE auction_id = $1
ORDER BY seq`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("query bids: %w", err)
	}
	defer rows.Close()

	var bids []core.Bid
	for rows.Next() {
		var (
			b      core.Bid
			amount string
		)
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amount, &b.PlacedAt, &b.Seq, &b.Accepted, &b.RejectReason); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		b.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("%w: bid %s amount %q", core.ErrInvariantViolation, b.ID, amount)
		}
		b.PlacedAt = b.PlacedAt.UTC()
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bids: %w", err)
	}
	return bids, nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/cloudx-io/openmarket/auction"
	"github.com/cloudx-io/openmarket/core"
)

type auctionRow struct {
	bun.BaseModel `bun:"table:auctions"`

	ID           string              `bun:"id,pk"`
	SellerID     string              `bun:"seller_id,notnull"`
	Title        string              `bun:"title,notnull"`
	StartingBid  decimal.Decimal     `bun:"starting_bid,type:numeric(18,4),notnull"`
	ReservePrice decimal.NullDecimal `bun:"reserve_price,type:numeric(18,4)"`
	BuyNowPrice  decimal.NullDecimal `bun:"buy_now_price,type:numeric(18,4)"`
	Increment    decimal.Decimal     `bun:"increment,type:numeric(18,4),notnull"`
	Quantity     int                 `bun:"quantity,notnull"`
	StartsAt     time.Time           `bun:"starts_at,notnull"`
	EndsAt       time.Time           `bun:"ends_at,notnull"`
	Status       string              `bun:"status,notnull"`
	CreatedAt    time.Time           `bun:"created_at,notnull"`
	EndReason    string              `bun:"end_reason,notnull"`
	CancelReason string              `bun:"cancel_reason,notnull"`
	WinnerBidID  string              `bun:"winner_bid_id,notnull"`
	WinnerID     string              `bun:"winner_id,notnull"`
	FinalPrice   decimal.NullDecimal `bun:"final_price,type:numeric(18,4)"`
	ClosedAt     time.Time           `bun:"closed_at,nullzero"`
}

func toAuctionRow(a core.Auction) auctionRow {
	return auctionRow{
		ID:           a.ID,
		SellerID:     a.SellerID,
		Title:        a.Title,
		StartingBid:  a.StartingBid,
		ReservePrice: a.ReservePrice,
		BuyNowPrice:  a.BuyNowPrice,
		Increment:    a.Increment,
		Quantity:     a.Quantity,
		StartsAt:     a.StartsAt,
		EndsAt:       a.EndsAt,
		Status:       string(a.Status),
		CreatedAt:    a.CreatedAt,
		EndReason:    string(a.EndReason),
		CancelReason: a.CancelReason,
		WinnerBidID:  a.WinnerBidID,
		WinnerID:     a.WinnerID,
		FinalPrice:   a.FinalPrice,
		ClosedAt:     a.ClosedAt,
	}
}

func (r auctionRow) auction() core.Auction {
	a := core.Auction{
		ID:           r.ID,
		SellerID:     r.SellerID,
		Title:        r.Title,
		StartingBid:  r.StartingBid,
		ReservePrice: r.ReservePrice,
		BuyNowPrice:  r.BuyNowPrice,
		Increment:    r.Increment,
		Quantity:     r.Quantity,
		StartsAt:     r.StartsAt.UTC(),
		EndsAt:       r.EndsAt.UTC(),
		Status:       core.AuctionStatus(r.Status),
		CreatedAt:    r.CreatedAt.UTC(),
		EndReason:    core.EndReason(r.EndReason),
		CancelReason: r.CancelReason,
		WinnerBidID:  r.WinnerBidID,
		WinnerID:     r.WinnerID,
		FinalPrice:   r.FinalPrice,
	}
	if !r.ClosedAt.IsZero() {
		a.ClosedAt = r.ClosedAt.UTC()
	}
	return a
}

// AuctionStore upserts the full auction row on every save.
type AuctionStore struct {
	db *bun.DB
}

var _ auction.Store = (*AuctionStore)(nil)

func NewAuctionStore(db *DB) *AuctionStore {
	return &AuctionStore{db: db.bun}
}

func (s *AuctionStore) SaveAuction(ctx context.Context, a core.Auction) error {
	row := toAuctionRow(a)
	_, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("starts_at = EXCLUDED.starts_at").
		Set("ends_at = EXCLUDED.ends_at").
		Set("end_reason = EXCLUDED.end_reason").
		Set("cancel_reason = EXCLUDED.cancel_reason").
		Set("winner_bid_id = EXCLUDED.winner_bid_id").
		Set("winner_id = EXCLUDED.winner_id").
		Set("final_price = EXCLUDED.final_price").
		Set("closed_at = EXCLUDED.closed_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save auction %s: %w", a.ID, err)
	}
	return nil
}

func (s *AuctionStore) LoadAuctions(ctx context.Context) ([]core.Auction, error) {
	var rows []auctionRow
	if err := s.db.NewSelect().Model(&rows).Order("created_at ASC", "id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load auctions: %w", err)
	}
	out := make([]core.Auction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.auction())
	}
	return out, nil
}

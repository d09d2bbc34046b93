package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/auction"
	"github.com/cloudx-io/openmarket/clock"
	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/ledger"
	"github.com/cloudx-io/openmarket/settlement"
	"github.com/cloudx-io/openmarket/trust"
)

const testDBLockID int64 = 724190032

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// newTestDB connects to TEST_DATABASE_URL and skips when it is unset or
// unreachable. Tests in this package serialize on an advisory lock and start
// from empty tables.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := Open(ctx, Options{DSN: dsn, MaxConns: 8, Migrate: true})
	if err != nil {
		t.Skipf("skipping Postgres integration tests: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	conn, err := db.pool.Acquire(ctx)
	assert.NoError(t, err)
	_, err = conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, testDBLockID)
	assert.NoError(t, err)
	t.Cleanup(func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, testDBLockID)
		conn.Release()
	})

	_, err = db.pool.Exec(ctx, `TRUNCATE bids, auctions, reservations, listings`)
	assert.NoError(t, err)
	return db
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestBidJournal_RoundTripsLedger(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	journal := NewBidJournal(db)

	l := ledger.New(ledger.WithJournal(journal))
	for i, amount := range []string{"100", "110.5", "120.25"} {
		_, err := l.Append(ctx, core.Bid{
			ID:        "b" + amount,
			AuctionID: "a1",
			BidderID:  "bidder",
			Amount:    d(amount),
			PlacedAt:  t0.Add(time.Duration(i) * time.Second),
			Accepted:  true,
		})
		assert.NoError(t, err)
	}

	recovered := ledger.New(ledger.WithJournal(journal))
	assert.NoError(t, recovered.Recover(ctx, "a1"))
	highest, ok := recovered.HighestAccepted("a1")
	assert.True(t, ok)
	check.True(t, d("120.25").Equal(highest.Amount))
	check.Equal(t, int64(3), highest.Seq)
	check.Equal(t, 3, recovered.BidCount("a1"))

	// a retried append of the same bid is absorbed
	assert.NoError(t, journal.AppendBid(ctx, highest))
	bids, err := journal.LoadBids(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, 3, len(bids))
}

func TestAuctionStore_SaveAndRecover(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewAuctionStore(db)
	journal := NewBidJournal(db)
	clk := clock.NewManual(t0)
	tc := trust.NewController(trust.WithClock(clk))

	engine := auction.NewEngine(ledger.New(ledger.WithJournal(journal)), tc,
		auction.WithStore(store), auction.WithClock(clk))
	a, err := engine.CreateAuction(ctx, auction.CreateInput{
		SellerID:     "seller",
		Title:        "Print",
		StartingBid:  d("100"),
		ReservePrice: decimal.NewNullDecimal(d("150")),
		Increment:    d("10"),
		Quantity:     1,
		EndsAt:       t0.Add(time.Hour),
	})
	assert.NoError(t, err)
	_, err = engine.PlaceBid(ctx, a.ID, "alice", d("100"))
	assert.NoError(t, err)
	_, err = engine.PlaceBid(ctx, a.ID, "bob", d("160"))
	assert.NoError(t, err)
	clk.Advance(time.Hour)
	closed, err := engine.CloseAuction(ctx, a.ID)
	assert.NoError(t, err)

	restarted := auction.NewEngine(ledger.New(ledger.WithJournal(journal)), tc,
		auction.WithStore(store), auction.WithClock(clk))
	n, err := restarted.Recover(ctx)
	assert.NoError(t, err)
	check.Equal(t, 1, n)

	got, err := restarted.Get(a.ID)
	assert.NoError(t, err)
	check.Equal(t, core.AuctionEnded, got.Status)
	check.Equal(t, "bob", got.WinnerID)
	check.True(t, got.ReservePrice.Valid)
	check.True(t, d("150").Equal(got.ReservePrice.Decimal))
	check.True(t, closed.Auction.FinalPrice.Decimal.Equal(got.FinalPrice.Decimal))

	_, err = restarted.PlaceBid(ctx, a.ID, "carol", d("500"))
	check.True(t, errors.Is(err, core.ErrAuctionNotActive) || errors.Is(err, core.ErrAuctionEnded))
}

type confirmedVerifier struct{}

func (confirmedVerifier) VerifyPayment(context.Context, []string, string) (settlement.PaymentResult, error) {
	return settlement.PaymentResult{Status: settlement.PaymentConfirmed, Amount: d("1000000")}, nil
}

func TestSettlementRepository_ConcurrentTransitions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clk := clock.NewManual(t0)
	tc := trust.NewController(trust.WithClock(clk))
	coord := settlement.NewCoordinator(NewSettlementRepository(db), confirmedVerifier{}, tc,
		settlement.WithClock(clk), settlement.WithReservationTTL(time.Minute))

	l, err := coord.CreateListing(ctx, settlement.CreateListingInput{SellerID: "seller", UnitPrice: d("9.99"), Stock: 4})
	assert.NoError(t, err)
	res, err := coord.Reserve(ctx, settlement.ReserveInput{OrderID: "o1", ListingID: l.ID, BuyerID: "buyer", Quantity: 3})
	assert.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var tr settlement.TransitionResult
			var err error
			if i%2 == 0 {
				tr, err = coord.Confirm(ctx, res.ID)
			} else {
				tr, err = coord.Release(ctx, res.ID, settlement.ReasonCancelled)
			}
			if err == nil && tr.Changed {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	check.Equal(t, 1, changed)

	final, err := coord.Reservation(ctx, res.ID)
	assert.NoError(t, err)
	after, err := coord.Listing(ctx, l.ID)
	assert.NoError(t, err)
	switch final.Status {
	case settlement.ReservationConfirmed:
		check.Equal(t, 1, after.Available)
		check.Equal(t, 1, len(tc.Sales("seller")))
	case settlement.ReservationReleased:
		check.Equal(t, 4, after.Available)
	default:
		t.Fatalf("reservation still %s", final.Status)
	}
}

func TestSettlementRepository_ExpiryAndLookups(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewSettlementRepository(db)
	clk := clock.NewManual(t0)
	coord := settlement.NewCoordinator(repo, confirmedVerifier{}, trust.NewController(trust.WithClock(clk)),
		settlement.WithClock(clk), settlement.WithReservationTTL(time.Minute))

	l, err := coord.CreateListing(ctx, settlement.CreateListingInput{ID: "lamp", SellerID: "seller", UnitPrice: d("5"), Stock: 2})
	assert.NoError(t, err)
	_, err = coord.CreateListing(ctx, settlement.CreateListingInput{ID: "lamp", SellerID: "seller", UnitPrice: d("5"), Stock: 2})
	check.True(t, errors.Is(err, core.ErrDuplicateListing))

	_, err = coord.Reserve(ctx, settlement.ReserveInput{OrderID: "o1", ListingID: l.ID, Quantity: 2})
	assert.NoError(t, err)
	_, err = coord.Reserve(ctx, settlement.ReserveInput{OrderID: "o2", ListingID: l.ID, Quantity: 1})
	check.True(t, errors.Is(err, core.ErrInsufficientStock))

	byOrder, err := repo.ReservationsByOrder(ctx, "o1")
	assert.NoError(t, err)
	check.Equal(t, 1, len(byOrder))

	clk.Advance(2 * time.Minute)
	n, err := coord.ExpireStale(ctx)
	assert.NoError(t, err)
	check.Equal(t, 1, n)

	after, err := coord.Listing(ctx, l.ID)
	assert.NoError(t, err)
	check.Equal(t, 2, after.Available)

	_, err = repo.GetReservation(ctx, "missing")
	check.True(t, errors.Is(err, core.ErrReservationNotFound))
}

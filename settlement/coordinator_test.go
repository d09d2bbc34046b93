package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/clock"
	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/notify"
	"github.com/cloudx-io/openmarket/trust"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type stubVerifier struct {
	mu     sync.Mutex
	result PaymentResult
	err    error
	calls  int
}

func (v *stubVerifier) VerifyPayment(context.Context, []string, string) (PaymentResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.result, v.err
}

type fixture struct {
	coord    *Coordinator
	repo     *MemoryRepository
	trust    *trust.Controller
	verifier *stubVerifier
	clock    *clock.Manual
	notes    *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return buildFixture()
}

func buildFixture() *fixture {
	f := &fixture{
		repo:     NewMemoryRepository(),
		verifier: &stubVerifier{},
		clock:    clock.NewManual(t0),
		notes:    &notify.Recorder{},
	}
	f.trust = trust.NewController(trust.WithClock(f.clock))
	f.coord = NewCoordinator(f.repo, f.verifier, f.trust,
		WithClock(f.clock),
		WithNotifier(f.notes),
		WithReservationTTL(10*time.Minute))
	return f
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) listing(t *testing.T, stock int) Listing {
	t.Helper()
	l, err := f.coord.CreateListing(context.Background(), CreateListingInput{
		SellerID:  "seller",
		Title:     "Vintage lamp",
		UnitPrice: d("25"),
		Stock:     stock,
	})
	assert.NoError(t, err)
	return l
}

func (f *fixture) available(t *testing.T, listingID string) int {
	t.Helper()
	l, err := f.coord.Listing(context.Background(), listingID)
	assert.NoError(t, err)
	return l.Available
}

func TestCreateListing_SuspendedSeller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.trust.SetRestriction(ctx, "seller", trust.RestrictionSuspended, true, "chargebacks")
	assert.NoError(t, err)

	_, err = f.coord.CreateListing(ctx, CreateListingInput{SellerID: "seller", UnitPrice: d("10"), Stock: 1})
	check.True(t, errors.Is(err, core.ErrSellerSuspended))
	check.Equal(t, core.KindRestriction, core.KindOf(err))
}

func TestCreateListing_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.CreateListing(ctx, CreateListingInput{SellerID: "seller", UnitPrice: d("0"), Stock: 1})
	check.True(t, errors.Is(err, core.ErrInvalidAmount))

	_, err = f.coord.CreateListing(ctx, CreateListingInput{SellerID: "seller", UnitPrice: d("5"), Stock: -1})
	check.True(t, errors.Is(err, core.ErrInvalidQuantity))

	_, err = f.coord.CreateListing(ctx, CreateListingInput{UnitPrice: d("5"), Stock: 1})
	check.True(t, errors.Is(err, core.ErrInvalidRequest))
}

func TestReserve_DecrementsStock(t *testing.T) {
	f := newFixture(t)
	l := f.listing(t, 5)

	res, err := f.coord.Reserve(context.Background(), ReserveInput{OrderID: "o1", ListingID: l.ID, BuyerID: "buyer", Quantity: 3})
	assert.NoError(t, err)
	check.Equal(t, ReservationPending, res.Status)
	check.Equal(t, t0.Add(10*time.Minute), res.ExpiresAt)
	check.True(t, d("75").Equal(res.Total()))
	check.Equal(t, 2, f.available(t, l.ID))
}

func TestReserve_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	l := f.listing(t, 2)

	_, err := f.coord.Reserve(context.Background(), ReserveInput{ListingID: l.ID, Quantity: 3})
	check.True(t, errors.Is(err, core.ErrInsufficientStock))
	check.Equal(t, core.KindInsufficientStock, core.KindOf(err))
	check.Equal(t, 2, f.available(t, l.ID))

	_, err = f.coord.Reserve(context.Background(), ReserveInput{ListingID: l.ID, Quantity: 0})
	check.True(t, errors.Is(err, core.ErrInvalidQuantity))

	_, err = f.coord.Reserve(context.Background(), ReserveInput{ListingID: "missing", Quantity: 1})
	check.True(t, errors.Is(err, core.ErrListingNotFound))
}

func TestConfirm_IdempotentAndCreditsSeller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 5)
	res, err := f.coord.Reserve(ctx, ReserveInput{ListingID: l.ID, Quantity: 2})
	assert.NoError(t, err)

	first, err := f.coord.Confirm(ctx, res.ID)
	assert.NoError(t, err)
	check.True(t, first.Changed)
	check.Equal(t, ReservationConfirmed, first.Reservation.Status)

	second, err := f.coord.Confirm(ctx, res.ID)
	assert.NoError(t, err)
	check.False(t, second.Changed)
	check.Equal(t, ReservationConfirmed, second.Reservation.Status)

	st := f.trust.State("seller")
	check.True(t, d("50").Equal(st.PendingBalance))
	check.Equal(t, 1, len(f.trust.Sales("seller")))
	check.Equal(t, 3, f.available(t, l.ID))
}

func TestRelease_DoubleReleaseRestoresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 5)
	res, err := f.coord.Reserve(ctx, ReserveInput{ListingID: l.ID, Quantity: 2})
	assert.NoError(t, err)
	check.Equal(t, 3, f.available(t, l.ID))

	first, err := f.coord.Release(ctx, res.ID, ReasonPaymentFailed)
	assert.NoError(t, err)
	check.True(t, first.Changed)
	check.Equal(t, ReasonPaymentFailed, first.Reservation.ReleaseReason)

	second, err := f.coord.Release(ctx, res.ID, ReasonExpired)
	assert.NoError(t, err)
	check.False(t, second.Changed)
	check.Equal(t, ReasonPaymentFailed, second.Reservation.ReleaseReason)

	check.Equal(t, 5, f.available(t, l.ID))
}

func TestConfirmAndRelease_MutuallyExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 5)

	confirmed, err := f.coord.Reserve(ctx, ReserveInput{ListingID: l.ID, Quantity: 1})
	assert.NoError(t, err)
	_, err = f.coord.Confirm(ctx, confirmed.ID)
	assert.NoError(t, err)
	after, err := f.coord.Release(ctx, confirmed.ID, ReasonCancelled)
	assert.NoError(t, err)
	check.False(t, after.Changed)
	check.Equal(t, ReservationConfirmed, after.Reservation.Status)

	released, err := f.coord.Reserve(ctx, ReserveInput{ListingID: l.ID, Quantity: 1})
	assert.NoError(t, err)
	_, err = f.coord.Release(ctx, released.ID, ReasonCancelled)
	assert.NoError(t, err)
	late, err := f.coord.Confirm(ctx, released.ID)
	assert.NoError(t, err)
	check.False(t, late.Changed)
	check.Equal(t, ReservationReleased, late.Reservation.Status)

	check.Equal(t, 4, f.available(t, l.ID))
	check.Equal(t, 1, len(f.trust.Sales("seller")))
}

func TestConfirmRelease_ConcurrentExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 1)
	res, err := f.coord.Reserve(ctx, ReserveInput{ListingID: l.ID, Quantity: 1})
	assert.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	changed := 0
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var tr TransitionResult
			var err error
			if i%2 == 0 {
				tr, err = f.coord.Confirm(ctx, res.ID)
			} else {
				tr, err = f.coord.Release(ctx, res.ID, ReasonCancelled)
			}
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if tr.Changed {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	check.Equal(t, 1, changed)
	final, err := f.coord.Reservation(ctx, res.ID)
	assert.NoError(t, err)
	if final.Status == ReservationConfirmed {
		check.Equal(t, 0, f.available(t, l.ID))
	} else {
		check.Equal(t, 1, f.available(t, l.ID))
	}
}

func TestSettle_PaymentConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 5)
	_, err := f.coord.Reserve(ctx, ReserveInput{OrderID: "o1", ListingID: l.ID, BuyerID: "buyer", Quantity: 2})
	assert.NoError(t, err)
	f.verifier.result = PaymentResult{Status: PaymentConfirmed, Amount: d("50")}

	res, err := f.coord.Settle(ctx, "o1", "tok")
	assert.NoError(t, err)
	check.Equal(t, PaymentConfirmed, res.Payment)
	assert.Equal(t, 1, len(res.Reservations))
	check.Equal(t, ReservationConfirmed, res.Reservations[0].Status)
	check.Equal(t, 3, f.available(t, l.ID))
}

func TestSettle_PaymentFailedReleasesStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 5)
	_, err := f.coord.Reserve(ctx, ReserveInput{OrderID: "o1", ListingID: l.ID, BuyerID: "buyer", Quantity: 2})
	assert.NoError(t, err)
	f.verifier.result = PaymentResult{Status: PaymentFailed}

	res, err := f.coord.Settle(ctx, "o1", "tok")
	assert.NoError(t, err)
	check.Equal(t, PaymentFailed, res.Payment)
	check.Equal(t, "payment not confirmed, stock released", res.Message)
	check.Equal(t, ReservationReleased, res.Reservations[0].Status)
	check.Equal(t, ReasonPaymentFailed, res.Reservations[0].ReleaseReason)
	check.Equal(t, 5, f.available(t, l.ID))
	check.Equal(t, 1, len(f.notes.For("buyer")))

	// Settling again does not restore stock a second time.
	_, err = f.coord.Settle(ctx, "o1", "tok")
	assert.NoError(t, err)
	check.Equal(t, 5, f.available(t, l.ID))
}

func TestSettle_UnderpaymentReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 5)
	_, err := f.coord.Reserve(ctx, ReserveInput{OrderID: "o1", ListingID: l.ID, Quantity: 2})
	assert.NoError(t, err)
	f.verifier.result = PaymentResult{Status: PaymentConfirmed, Amount: d("49.99")}

	res, err := f.coord.Settle(ctx, "o1", "tok")
	assert.NoError(t, err)
	check.Equal(t, PaymentFailed, res.Payment)
	check.Equal(t, ReasonAmountMismatch, res.Reservations[0].ReleaseReason)
	check.Equal(t, 5, f.available(t, l.ID))
}

func TestSettle_VerifierErrorLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 5)
	res, err := f.coord.Reserve(ctx, ReserveInput{OrderID: "o1", ListingID: l.ID, Quantity: 2})
	assert.NoError(t, err)
	f.verifier.err = errors.New("connection refused")

	_, err = f.coord.Settle(ctx, "o1", "tok")
	check.True(t, errors.Is(err, core.ErrVerifierUnavailable))
	check.Equal(t, core.KindExternalVerifier, core.KindOf(err))

	after, err := f.coord.Reservation(ctx, res.ID)
	assert.NoError(t, err)
	check.Equal(t, ReservationPending, after.Status)
	check.Equal(t, 3, f.available(t, l.ID))
}

func TestSettle_PendingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 5)
	_, err := f.coord.Reserve(ctx, ReserveInput{OrderID: "o1", ListingID: l.ID, Quantity: 1})
	assert.NoError(t, err)
	f.verifier.result = PaymentResult{Status: PaymentPending}

	res, err := f.coord.Settle(ctx, "o1", "tok")
	assert.NoError(t, err)
	check.Equal(t, PaymentPending, res.Payment)
	check.Equal(t, ReservationPending, res.Reservations[0].Status)
}

func TestSettle_UnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Settle(context.Background(), "nope", "tok")
	check.True(t, errors.Is(err, core.ErrReservationNotFound))
	check.Equal(t, 0, f.verifier.calls)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 5)
	old, err := f.coord.Reserve(ctx, ReserveInput{ListingID: l.ID, Quantity: 2})
	assert.NoError(t, err)
	f.clock.Advance(6 * time.Minute)
	fresh, err := f.coord.Reserve(ctx, ReserveInput{ListingID: l.ID, Quantity: 1})
	assert.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	n, err := f.coord.ExpireStale(ctx)
	assert.NoError(t, err)
	check.Equal(t, 1, n)

	got, err := f.coord.Reservation(ctx, old.ID)
	assert.NoError(t, err)
	check.Equal(t, ReasonExpired, got.ReleaseReason)
	got, err = f.coord.Reservation(ctx, fresh.ID)
	assert.NoError(t, err)
	check.Equal(t, ReservationPending, got.Status)
	check.Equal(t, 4, f.available(t, l.ID))

	n, err = f.coord.ExpireStale(ctx)
	assert.NoError(t, err)
	check.Equal(t, 0, n)
}

func TestRestock(t *testing.T) {
	f := newFixture(t)
	l := f.listing(t, 1)
	got, err := f.coord.Restock(context.Background(), l.ID, 4)
	assert.NoError(t, err)
	check.Equal(t, 5, got.Available)

	_, err = f.coord.Restock(context.Background(), l.ID, 0)
	check.True(t, errors.Is(err, core.ErrInvalidQuantity))
}

func TestReleasePayout_RechecksBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 5)
	res, err := f.coord.Reserve(ctx, ReserveInput{ListingID: l.ID, Quantity: 4})
	assert.NoError(t, err)
	_, err = f.coord.Confirm(ctx, res.ID)
	assert.NoError(t, err)
	_, err = f.trust.ClearPending(ctx, "seller", d("100"))
	assert.NoError(t, err)
	payout, err := f.trust.RequestPayout(ctx, "seller", d("100"))
	assert.NoError(t, err)

	_, err = f.trust.SetRestriction(ctx, "seller", trust.RestrictionWithdrawalBlocked, true, "review")
	assert.NoError(t, err)
	_, err = f.coord.ReleasePayout(ctx, payout.ID)
	check.True(t, errors.Is(err, core.ErrWithdrawalBlocked))

	_, err = f.trust.SetRestriction(ctx, "seller", trust.RestrictionWithdrawalBlocked, false, "")
	assert.NoError(t, err)
	released, err := f.coord.ReleasePayout(ctx, payout.ID)
	assert.NoError(t, err)
	check.Equal(t, trust.PayoutReleased, released.Status)
	check.Equal(t, 1, len(f.notes.For("seller")))
}

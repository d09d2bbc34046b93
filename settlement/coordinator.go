// Package settlement reserves fixed-price stock for orders and settles them
// against an external payment verifier.
//
// Every reservation ends in exactly one terminal state. Confirm and Release
// both take the reservation row lock and only act on a pending reservation,
// so whichever arrives first wins and the other becomes a no-op. Stock taken
// by Reserve is given back at most once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/clock"
	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/notify"
	"github.com/cloudx-io/openmarket/trust"
)

// TrustLedger is the part of the trust controller settlement uses.
type TrustLedger interface {
	Guard(accountID string, fn func(trust.State) error) error
	RecordSale(ctx context.Context, sale trust.Sale) (trust.State, error)
	ReleasePayout(ctx context.Context, payoutID string) (trust.PayoutRequest, error)
}

type Coordinator struct {
	repo     Repository
	verifier PaymentVerifier
	trust    TrustLedger
	clock    clock.Clock
	notifier notify.Notifier
	logger   *slog.Logger
	ttl      time.Duration
}

const defaultReservationTTL = 15 * time.Minute

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReservationTTL overrides how long an unsettled reservation holds stock.
func WithReservationTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock replaces the system clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithNotifier sets where buyer and seller messages go.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator settles orders against repo, verifying payment with verifier.
func NewCoordinator(repo Repository, verifier PaymentVerifier, tl TrustLedger, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:     repo,
		verifier: verifier,
		trust:    tl,
		clock:    clock.NewSystem(),
		notifier: notify.Discard,
		logger:   slog.Default(),
		ttl:      defaultReservationTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type CreateListingInput struct {
	ID        string
	SellerID  string
	Title     string
	UnitPrice decimal.Decimal
	Stock     int
}

// CreateListing adds a listing. Suspended sellers cannot list.
func (c *Coordinator) CreateListing(ctx context.Context, in CreateListingInput) (Listing, error) {
	if strings.TrimSpace(in.SellerID) == "" {
		return Listing{}, fmt.Errorf("%w: seller id is required", core.ErrInvalidRequest)
	}
	price := core.RoundMoney(in.UnitPrice)
	if !price.IsPositive() {
		return Listing{}, fmt.Errorf("%w: unit price must be positive", core.ErrInvalidAmount)
	}
	if in.Stock < 0 {
		return Listing{}, fmt.Errorf("%w: stock cannot be negative", core.ErrInvalidQuantity)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	now := c.clock.Now()
	l := Listing{
		ID:        in.ID,
		SellerID:  in.SellerID,
		Title:     in.Title,
		UnitPrice: price,
		Available: in.Stock,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := c.trust.Guard(in.SellerID, func(st trust.State) error {
		if st.Suspended {
			return fmt.Errorf("%w: %s", core.ErrSellerSuspended, st.SuspendedReason)
		}
		return c.repo.CreateListing(ctx, l)
	})
	if err != nil {
		return Listing{}, err
	}
	return l, nil
}

// Restock adds quantity units to a listing.
func (c *Coordinator) Restock(ctx context.Context, listingID string, quantity int) (Listing, error) {
	if quantity <= 0 {
		return Listing{}, fmt.Errorf("%w: restock quantity must be positive", core.ErrInvalidQuantity)
	}
	var result Listing
	err := c.repo.WithTx(ctx, func(txCtx context.Context) error {
		l, err := c.repo.GetListingForUpdate(txCtx, listingID)
		if err != nil {
			return err
		}
		l.Available += quantity
		l.UpdatedAt = c.clock.Now()
		if err := c.repo.UpdateListingStock(txCtx, l.ID, l.Available, l.UpdatedAt); err != nil {
			return err
		}
		result = l
		return nil
	})
	return result, err
}

func (c *Coordinator) Listing(ctx context.Context, id string) (Listing, error) {
	return c.repo.GetListing(ctx, id)
}

func (c *Coordinator) Reservation(ctx context.Context, id string) (Reservation, error) {
	return c.repo.GetReservation(ctx, id)
}

type ReserveInput struct {
	OrderID   string
	ListingID string
	BuyerID   string
	Quantity  int
}

// Reserve takes quantity units from the listing for an order.
func (c *Coordinator) Reserve(ctx context.Context, in ReserveInput) (Reservation, error) {
	if in.Quantity <= 0 {
		return Reservation{}, fmt.Errorf("%w: quantity must be positive", core.ErrInvalidQuantity)
	}
	if in.OrderID == "" {
		in.OrderID = uuid.NewString()
	}

	now := c.clock.Now()
	var result Reservation
	err := c.repo.WithTx(ctx, func(txCtx context.Context) error {
		l, err := c.repo.GetListingForUpdate(txCtx, in.ListingID)
		if err != nil {
			return err
		}
		if in.Quantity > l.Available {
			return fmt.Errorf("%w: listing %s has %d available, %d requested",
				core.ErrInsufficientStock, l.ID, l.Available, in.Quantity)
		}

		res := Reservation{
			ID:        uuid.NewString(),
			OrderID:   in.OrderID,
			ListingID: l.ID,
			BuyerID:   in.BuyerID,
			Quantity:  in.Quantity,
			UnitPrice: l.UnitPrice,
			Status:    ReservationPending,
			CreatedAt: now,
			ExpiresAt: now.Add(c.ttl),
		}
		if err := c.repo.CreateReservation(txCtx, res); err != nil {
			return err
		}
		if err := c.repo.UpdateListingStock(txCtx, l.ID, l.Available-in.Quantity, now); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

// TransitionResult reports the reservation after Confirm or Release. Changed
// is false when the reservation had already reached a terminal state.
type TransitionResult struct {
	Reservation Reservation `json:"reservation"`
	Changed     bool        `json:"changed"`
}

// Confirm marks a pending reservation as sold and credits the seller. It is
// idempotent, and a no-op on a released reservation.
func (c *Coordinator) Confirm(ctx context.Context, reservationID string) (TransitionResult, error) {
	var result TransitionResult
	var sellerID string
	err := c.repo.WithTx(ctx, func(txCtx context.Context) error {
		res, err := c.repo.GetReservationForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}
		if res.Status.Terminal() {
			result = TransitionResult{Reservation: res}
			return nil
		}
		l, err := c.repo.GetListing(txCtx, res.ListingID)
		if err != nil {
			return err
		}

		res.Status = ReservationConfirmed
		res.ResolvedAt = c.clock.Now()
		if err := c.repo.UpdateReservation(txCtx, res); err != nil {
			return err
		}
		sellerID = l.SellerID
		result = TransitionResult{Reservation: res, Changed: true}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}

	if result.Changed {
		res := result.Reservation
		_, err := c.trust.RecordSale(ctx, trust.Sale{
			SellerID:  sellerID,
			ListingID: res.ListingID,
			Amount:    res.Total(),
			At:        res.ResolvedAt,
		})
		if err != nil {
			c.logger.Error("credit seller for confirmed reservation",
				slog.String("reservation_id", res.ID),
				slog.String("seller_id", sellerID),
				slog.Any("error", err))
		}
	}
	return result, nil
}

// Release returns a pending reservation's stock to its listing. It is
// idempotent, and a no-op on a confirmed reservation.
func (c *Coordinator) Release(ctx context.Context, reservationID, reason string) (TransitionResult, error) {
	if reason == "" {
		reason = ReasonCancelled
	}
	var result TransitionResult
	err := c.repo.WithTx(ctx, func(txCtx context.Context) error {
		res, err := c.repo.GetReservationForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}
		if res.Status.Terminal() {
			result = TransitionResult{Reservation: res}
			return nil
		}
		l, err := c.repo.GetListingForUpdate(txCtx, res.ListingID)
		if err != nil {
			return err
		}

		now := c.clock.Now()
		if err := c.repo.UpdateListingStock(txCtx, l.ID, l.Available+res.Quantity, now); err != nil {
			return err
		}
		res.Status = ReservationReleased
		res.ReleaseReason = reason
		res.ResolvedAt = now
		if err := c.repo.UpdateReservation(txCtx, res); err != nil {
			return err
		}
		result = TransitionResult{Reservation: res, Changed: true}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return result, nil
}

// SettleResult is the outcome of verifying payment for an order.
type SettleResult struct {
	OrderID      string        `json:"order_id"`
	Payment      PaymentStatus `json:"payment"`
	Message      string        `json:"message,omitempty"`
	Reservations []Reservation `json:"reservations"`
}

// Settle verifies payment for an order and confirms or releases its pending
// reservations. A verifier error leaves them pending for the expiry sweep.
func (c *Coordinator) Settle(ctx context.Context, orderID, token string) (SettleResult, error) {
	reservations, err := c.repo.ReservationsByOrder(ctx, orderID)
	if err != nil {
		return SettleResult{}, err
	}
	if len(reservations) == 0 {
		return SettleResult{}, fmt.Errorf("%w: no reservations for order %s", core.ErrReservationNotFound, orderID)
	}

	expected := decimal.Zero
	for _, res := range reservations {
		if res.Status == ReservationPending {
			expected = expected.Add(res.Total())
		}
	}

	payment, err := c.verifier.VerifyPayment(ctx, []string{orderID}, token)
	if err != nil {
		c.logger.Error("payment verifier failed",
			slog.String("kind", string(core.KindExternalVerifier)),
			slog.String("order_id", orderID),
			slog.Any("error", err))
		return SettleResult{}, fmt.Errorf("%w: %v", core.ErrVerifierUnavailable, err)
	}

	result := SettleResult{OrderID: orderID, Payment: payment.Status}
	reason := ReasonPaymentFailed
	switch payment.Status {
	case PaymentPending:
		result.Message = "payment pending"
		result.Reservations = reservations
		return result, nil
	case PaymentConfirmed:
		if core.MeetsThreshold(payment.Amount, expected) {
			return c.settleAll(ctx, result, reservations, c.Confirm)
		}
		result.Payment = PaymentFailed
		reason = ReasonAmountMismatch
	case PaymentFailed:
	default:
		return SettleResult{}, fmt.Errorf("%w: verifier returned status %q", core.ErrVerifierUnavailable, payment.Status)
	}

	result.Message = "payment not confirmed, stock released"
	result, err = c.settleAll(ctx, result, reservations, func(ctx context.Context, id string) (TransitionResult, error) {
		return c.Release(ctx, id, reason)
	})
	if err != nil {
		return result, err
	}
	buyers := make(map[string]bool)
	for _, res := range result.Reservations {
		if res.BuyerID != "" && !buyers[res.BuyerID] {
			buyers[res.BuyerID] = true
			c.notifier.Notify(ctx, res.BuyerID, "Payment not confirmed",
				fmt.Sprintf("Payment for order %s was not confirmed and the reserved stock was released.", orderID))
		}
	}
	return result, nil
}

func (c *Coordinator) settleAll(ctx context.Context, result SettleResult, reservations []Reservation,
	apply func(context.Context, string) (TransitionResult, error)) (SettleResult, error) {
	var errs []error
	for _, res := range reservations {
		tr, err := apply(ctx, res.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("reservation %s: %w", res.ID, err))
			result.Reservations = append(result.Reservations, res)
			continue
		}
		result.Reservations = append(result.Reservations, tr.Reservation)
	}
	return result, errors.Join(errs...)
}

// ExpireStale releases every pending reservation past its expiry.
func (c *Coordinator) ExpireStale(ctx context.Context) (int, error) {
	expired, err := c.repo.ExpiredReservations(ctx, c.clock.Now())
	if err != nil {
		return 0, err
	}
	released := 0
	for _, res := range expired {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		tr, err := c.Release(ctx, res.ID, ReasonExpired)
		if err != nil {
			return released, fmt.Errorf("expire reservation %s: %w", res.ID, err)
		}
		if tr.Changed {
			released++
		}
	}
	return released, nil
}

// StartExpirySweep runs ExpireStale every interval until ctx is cancelled.
func (c *Coordinator) StartExpirySweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := c.ExpireStale(ctx)
				if err != nil {
					c.logger.Error("reservation expiry sweep failed", slog.Any("error", err))
					continue
				}
				if n > 0 {
					c.logger.Info("reservation expiry sweep", slog.Int("released", n))
				}
			}
		}
	}()
}

// ReleasePayout releases a pending seller payout. The trust controller
// re-checks the withdrawal block at release time.
func (c *Coordinator) ReleasePayout(ctx context.Context, payoutID string) (trust.PayoutRequest, error) {
	req, err := c.trust.ReleasePayout(ctx, payoutID)
	if err != nil {
		return req, err
	}
	c.notifier.Notify(ctx, req.AccountID, "Payout released",
		fmt.Sprintf("Your payout of %s has been released.", core.Money(req.Amount)))
	return req, nil
}

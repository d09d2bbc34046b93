package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Listing is fixed-price stock offered by a seller.
type Listing struct {
	ID        string          `json:"id" bun:"id,pk"`
	SellerID  string          `json:"seller_id" bun:"seller_id,notnull"`
	Title     string          `json:"title" bun:"title"`
	UnitPrice decimal.Decimal `json:"unit_price" bun:"unit_price,type:numeric(18,4),notnull"`
	Available int             `json:"available" bun:"available,notnull"`
	CreatedAt time.Time       `json:"created_at" bun:"created_at,notnull"`
	UpdatedAt time.Time       `json:"updated_at" bun:"updated_at,notnull"`
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationConfirmed || s == ReservationReleased
}

// Release reasons recorded on a released reservation.
const (
	ReasonPaymentFailed  = "payment_failed"
	ReasonAmountMismatch = "payment_amount_mismatch"
	ReasonExpired        = "expired"
	ReasonCancelled      = "cancelled"
)

// Reservation holds stock for one order line until it is confirmed or released.
type Reservation struct {
	ID            string            `json:"id" bun:"id,pk"`
	OrderID       string            `json:"order_id" bun:"order_id,notnull"`
	ListingID     string            `json:"listing_id" bun:"listing_id,notnull"`
	BuyerID       string            `json:"buyer_id" bun:"buyer_id"`
	Quantity      int               `json:"quantity" bun:"quantity,notnull"`
	UnitPrice     decimal.Decimal   `json:"unit_price" bun:"unit_price,type:numeric(18,4),notnull"`
	Status        ReservationStatus `json:"status" bun:"status,notnull"`
	CreatedAt     time.Time         `json:"created_at" bun:"created_at,notnull"`
	ExpiresAt     time.Time         `json:"expires_at" bun:"expires_at,notnull"`
	ResolvedAt    time.Time         `json:"resolved_at,omitzero" bun:"resolved_at,nullzero"`
	ReleaseReason string            `json:"release_reason,omitempty" bun:"release_reason"`
}

// Total is the amount owed for the reservation.
func (r Reservation) Total() decimal.Decimal {
	return r.UnitPrice.Mul(decimal.NewFromInt(int64(r.Quantity)))
}

// Repository stores listings and reservations. Reads ending in ForUpdate lock
// the row until the surrounding WithTx returns.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateListing(ctx context.Context, l Listing) error
	GetListing(ctx context.Context, id string) (Listing, error)
	GetListingForUpdate(ctx context.Context, id string) (Listing, error)
	UpdateListingStock(ctx context.Context, id string, available int, at time.Time) error

	CreateReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	GetReservationForUpdate(ctx context.Context, id string) (Reservation, error)
	ReservationsByOrder(ctx context.Context, orderID string) ([]Reservation, error)
	UpdateReservation(ctx context.Context, r Reservation) error
	ExpiredReservations(ctx context.Context, now time.Time) ([]Reservation, error)
}

type PaymentStatus string

const (
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
)

type PaymentResult struct {
	Status PaymentStatus   `json:"status"`
	Amount decimal.Decimal `json:"amount"`
}

// PaymentVerifier asks the payment provider whether an order was paid.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, orderIDs []string, token string) (PaymentResult, error)
}

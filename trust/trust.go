// Package trust holds per-account restriction flags, fraud scores and balances.
//
// Reads vastly outnumber writes: every bid and payout checks an account, and
// only fraud alerts and admins change one. Each account has its own RWMutex so
// checks never contend with each other, and Guard lets a caller hold the read
// side across its own commit so a restriction cannot slip in between.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/clock"
	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/notify"
)

type RestrictionKind string

const (
	RestrictionSuspended         RestrictionKind = "suspended"
	RestrictionWithdrawalBlocked RestrictionKind = "withdrawal_blocked"
)

// ScoreSource says who is changing a fraud score.
type ScoreSource string

const (
	ScoreAutomatic ScoreSource = "automatic"
	ScoreAdmin     ScoreSource = "admin"
)

// State is a snapshot of an account's trust data.
type State struct {
	AccountID               string          `json:"account_id"`
	FraudScore              int             `json:"fraud_score"`
	Suspended               bool            `json:"suspended"`
	SuspendedReason         string          `json:"suspended_reason,omitempty"`
	WithdrawalBlocked       bool            `json:"withdrawal_blocked"`
	WithdrawalBlockedReason string          `json:"withdrawal_blocked_reason,omitempty"`
	PayoutBalance           decimal.Decimal `json:"payout_balance"`
	PendingBalance          decimal.Decimal `json:"pending_balance"`
	UpdatedAt               time.Time       `json:"updated_at,omitzero"`
}

// Sale is a completed sale credited to a seller's pending balance.
type Sale struct {
	SellerID  string          `json:"seller_id"`
	ListingID string          `json:"listing_id"`
	Amount    decimal.Decimal `json:"amount"`
	At        time.Time       `json:"at"`
}

type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "pending"
	PayoutReleased PayoutStatus = "released"
)

// PayoutRequest is a seller's request to withdraw from the payout balance.
type PayoutRequest struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`

	// Balances observed when the request was made, before the debit.
	PayoutBalanceAtRequest  decimal.Decimal `json:"payout_balance_at_request"`
	PendingBalanceAtRequest decimal.Decimal `json:"pending_balance_at_request"`

	Status      PayoutStatus `json:"status"`
	RequestedAt time.Time    `json:"requested_at"`
	ReleasedAt  time.Time    `json:"released_at,omitzero"`
}

type account struct {
	mu    sync.RWMutex
	state State
	sales []Sale
}

// Controller is the in-process trust authority.
type Controller struct {
	mu       sync.RWMutex
	accounts map[string]*account

	payoutMu sync.Mutex
	payouts  []*PayoutRequest
	byID     map[string]*PayoutRequest

	clock    clock.Clock
	notifier notify.Notifier
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(ctrl *Controller) {
		ctrl.clock = c
	}
}

// WithNotifier sets where restriction changes are announced.
func WithNotifier(n notify.Notifier) Option {
	return func(ctrl *Controller) {
		ctrl.notifier = n
	}
}

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ctrl *Controller) {
		ctrl.logger = logger
	}
}

// NewController returns a controller with no accounts.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		accounts: make(map[string]*account),
		byID:     make(map[string]*PayoutRequest),
		clock:    clock.NewSystem(),
		notifier: notify.Discard,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) account(accountID string) *account {
	c.mu.RLock()
	a, ok := c.accounts[accountID]
	c.mu.RUnlock()
	if ok {
		return a
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok = c.accounts[accountID]; !ok {
		a = &account{state: State{
			AccountID:      accountID,
			PayoutBalance:  decimal.Zero,
			PendingBalance: decimal.Zero,
		}}
		c.accounts[accountID] = a
	}
	return a
}

// Guard runs fn with a snapshot of the account while holding its read lock.
// Restriction changes wait until fn returns, so whatever fn commits is
// ordered before any restriction applied concurrently.
func (c *Controller) Guard(accountID string, fn func(State) error) error {
	a := c.account(accountID)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return fn(a.state)
}

// State returns a snapshot of an account. Unknown accounts have a zero state.
func (c *Controller) State(accountID string) State {
	a := c.account(accountID)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (c *Controller) IsSuspended(accountID string) bool {
	return c.State(accountID).Suspended
}

func (c *Controller) IsWithdrawalBlocked(accountID string) bool {
	return c.State(accountID).WithdrawalBlocked
}

func (c *Controller) Score(accountID string) int {
	return c.State(accountID).FraudScore
}

// AdjustFraudScore adds delta to an account's score. Automatic adjustments
// must not be negative; admin adjustments may be, and the score floors at zero.
func (c *Controller) AdjustFraudScore(_ context.Context, accountID string, delta int, source ScoreSource) (State, error) {
	if source != ScoreAdmin && delta < 0 {
		return State{}, fmt.Errorf("%w: automatic score adjustments cannot be negative", core.ErrInvalidRequest)
	}

	a := c.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.FraudScore = max(a.state.FraudScore+delta, 0)
	a.state.UpdatedAt = c.clock.Now()
	return a.state, nil
}

// ResetFraudScore sets an account's score back to zero.
func (c *Controller) ResetFraudScore(_ context.Context, accountID string) (State, error) {
	a := c.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.FraudScore = 0
	a.state.UpdatedAt = c.clock.Now()
	return a.state, nil
}

// SetRestriction turns a restriction on or off. The account is told about the
// change once it has committed.
func (c *Controller) SetRestriction(ctx context.Context, accountID string, kind RestrictionKind, value bool, reason string) (State, error) {
	reason = strings.TrimSpace(reason)
	if value && reason == "" {
		return State{}, fmt.Errorf("%w: a reason is required to apply a restriction", core.ErrInvalidRequest)
	}

	a := c.account(accountID)
	a.mu.Lock()
	var changed bool
	switch kind {
	case RestrictionSuspended:
		changed = a.state.Suspended != value
		a.state.Suspended = value
		a.state.SuspendedReason = reasonIf(value, reason)
	case RestrictionWithdrawalBlocked:
		changed = a.state.WithdrawalBlocked != value
		a.state.WithdrawalBlocked = value
		a.state.WithdrawalBlockedReason = reasonIf(value, reason)
	default:
		a.mu.Unlock()
		return State{}, fmt.Errorf("%w: unknown restriction %q", core.ErrInvalidRequest, kind)
	}
	a.state.UpdatedAt = c.clock.Now()
	snapshot := a.state
	a.mu.Unlock()

	if changed {
		c.logger.Info("account restriction changed",
			slog.String("account_id", accountID),
			slog.String("restriction", string(kind)),
			slog.Bool("value", value),
			slog.String("reason", reason))
		c.notifier.Notify(ctx, accountID, restrictionTitle(kind, value), restrictionMessage(kind, value, reason))
	}
	return snapshot, nil
}

func reasonIf(value bool, reason string) string {
	if value {
		return reason
	}
	return ""
}

func restrictionTitle(kind RestrictionKind, value bool) string {
	switch {
	case kind == RestrictionSuspended && value:
		return "Account suspended"
	case kind == RestrictionSuspended:
		return "Account reinstated"
	case value:
		return "Withdrawals on hold"
	default:
		return "Withdrawals restored"
	}
}

func restrictionMessage(kind RestrictionKind, value bool, reason string) string {
	if !value {
		return "The restriction on your account has been lifted."
	}
	if kind == RestrictionSuspended {
		return fmt.Sprintf("Your account has been suspended: %s", reason)
	}
	return fmt.Sprintf("Withdrawals from your account are on hold: %s", reason)
}

// RecordSale credits a completed sale to the seller's pending balance.
func (c *Controller) RecordSale(_ context.Context, sale Sale) (State, error) {
	if !sale.Amount.IsPositive() {
		return State{}, fmt.Errorf("%w: sale amount %s", core.ErrInvalidAmount, core.Money(sale.Amount))
	}
	if sale.At.IsZero() {
		sale.At = c.clock.Now()
	}

	a := c.account(sale.SellerID)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.PendingBalance = a.state.PendingBalance.Add(sale.Amount)
	a.state.UpdatedAt = c.clock.Now()
	a.sales = append(a.sales, sale)
	return a.state, nil
}

// Sales returns the seller's recorded sales, oldest first.
func (c *Controller) Sales(sellerID string) []Sale {
	a := c.account(sellerID)
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Sale, len(a.sales))
	copy(out, a.sales)
	return out
}

// ClearPending moves amount from the pending balance to the payout balance.
func (c *Controller) ClearPending(_ context.Context, accountID string, amount decimal.Decimal) (State, error) {
	if !amount.IsPositive() {
		return State{}, fmt.Errorf("%w: %s", core.ErrInvalidAmount, core.Money(amount))
	}

	a := c.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if amount.GreaterThan(a.state.PendingBalance) {
		return State{}, fmt.Errorf("%w: pending balance is %s", core.ErrInsufficientBalance, core.Money(a.state.PendingBalance))
	}
	a.state.PendingBalance = a.state.PendingBalance.Sub(amount)
	a.state.PayoutBalance = a.state.PayoutBalance.Add(amount)
	a.state.UpdatedAt = c.clock.Now()
	return a.state, nil
}

// RequestPayout debits the payout balance and records a pending payout.
// Blocked accounts cannot initiate one.
func (c *Controller) RequestPayout(_ context.Context, accountID string, amount decimal.Decimal) (PayoutRequest, error) {
	if !amount.IsPositive() {
		return PayoutRequest{}, fmt.Errorf("%w: %s", core.ErrInvalidAmount, core.Money(amount))
	}

	a := c.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.WithdrawalBlocked {
		return PayoutRequest{}, fmt.Errorf("%w: %s", core.ErrWithdrawalBlocked, a.state.WithdrawalBlockedReason)
	}
	if a.state.Suspended {
		return PayoutRequest{}, fmt.Errorf("%w: %s", core.ErrSellerSuspended, a.state.SuspendedReason)
	}
	if amount.GreaterThan(a.state.PayoutBalance) {
		return PayoutRequest{}, fmt.Errorf("%w: payout balance is %s", core.ErrInsufficientBalance, core.Money(a.state.PayoutBalance))
	}

	now := c.clock.Now()
	req := &PayoutRequest{
		ID:                      uuid.NewString(),
		AccountID:               accountID,
		Amount:                  amount,
		PayoutBalanceAtRequest:  a.state.PayoutBalance,
		PendingBalanceAtRequest: a.state.PendingBalance,
		Status:                  PayoutPending,
		RequestedAt:             now,
	}
	a.state.PayoutBalance = a.state.PayoutBalance.Sub(amount)
	a.state.UpdatedAt = now

	c.payoutMu.Lock()
	req.Seq = int64(len(c.payouts)) + 1
	c.payouts = append(c.payouts, req)
	c.byID[req.ID] = req
	c.payoutMu.Unlock()

	return *req, nil
}

// ReleasePayout marks a pending payout as released. The withdrawal block is
// checked again at release time; a blocked account keeps the payout pending.
func (c *Controller) ReleasePayout(_ context.Context, payoutID string) (PayoutRequest, error) {
	c.payoutMu.Lock()
	req, ok := c.byID[payoutID]
	c.payoutMu.Unlock()
	if !ok {
		return PayoutRequest{}, fmt.Errorf("%w: %s", core.ErrPayoutNotFound, payoutID)
	}

	a := c.account(req.AccountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	c.payoutMu.Lock()
	defer c.payoutMu.Unlock()

	if req.Status != PayoutPending {
		return *req, fmt.Errorf("%w: %s is %s", core.ErrPayoutNotPending, payoutID, req.Status)
	}
	if a.state.WithdrawalBlocked {
		return *req, fmt.Errorf("%w: %s", core.ErrWithdrawalBlocked, a.state.WithdrawalBlockedReason)
	}

	req.Status = PayoutReleased
	req.ReleasedAt = c.clock.Now()
	return *req, nil
}

// Payout returns a payout request by id.
func (c *Controller) Payout(payoutID string) (PayoutRequest, error) {
	c.payoutMu.Lock()
	defer c.payoutMu.Unlock()
	req, ok := c.byID[payoutID]
	if !ok {
		return PayoutRequest{}, fmt.Errorf("%w: %s", core.ErrPayoutNotFound, payoutID)
	}
	return *req, nil
}

// PayoutsSince returns payout requests with a sequence number greater than
// afterSeq, oldest first.
func (c *Controller) PayoutsSince(afterSeq int64) []PayoutRequest {
	c.payoutMu.Lock()
	defer c.payoutMu.Unlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(c.payouts)) {
		return nil
	}
	out := make([]PayoutRequest, 0, int64(len(c.payouts))-afterSeq)
	for _, req := range c.payouts[afterSeq:] {
		out = append(out, *req)
	}
	return out
}

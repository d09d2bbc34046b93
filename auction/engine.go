// Package auction runs the auction lifecycle: scheduled, active, then ended
// or cancelled. Bids on one auction are serialized; bids on different
// auctions proceed in parallel.
package auction

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/clock"
	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/ledger"
	"github.com/cloudx-io/openmarket/notify"
	"github.com/cloudx-io/openmarket/trust"
)

// TrustChecker is the part of the trust controller the engine reads.
type TrustChecker interface {
	Guard(accountID string, fn func(trust.State) error) error
}

// Observer receives committed bid and close events. Implementations must not
// block; the fraud detector queues them for background analysis.
type Observer interface {
	BidAccepted(ev core.BidEvent)
	// SelfBidRejected reports a seller's bid refused under SelfBidReject.
	SelfBidRejected(ev core.BidEvent)
	AuctionClosed(ev core.CloseEvent)
}

// Attestor issues a signed receipt for a finalized auction.
type Attestor interface {
	Issue(ctx context.Context, a core.Auction, bids []core.Bid, outcome *core.Outcome) ([]byte, error)
}

// Store persists auction state. Nil means in-memory only.
type Store interface {
	SaveAuction(ctx context.Context, a core.Auction) error
	LoadAuctions(ctx context.Context) ([]core.Auction, error)
}

// SelfBidPolicy decides what happens when a seller bids on their own auction.
type SelfBidPolicy string

const (
	// SelfBidFlag accepts the bid and leaves it to the fraud detector.
	SelfBidFlag SelfBidPolicy = "flag"
	// SelfBidReject refuses the bid with a restriction error.
	SelfBidReject SelfBidPolicy = "reject"
)

type entry struct {
	mu      sync.RWMutex
	auction core.Auction
	outcome *core.Outcome
	receipt []byte
}

// Engine owns every auction's state machine.
type Engine struct {
	mu       sync.RWMutex
	auctions map[string]*entry

	ledger   *ledger.Ledger
	trust    TrustChecker
	observer Observer
	attestor Attestor
	store    Store
	notifier notify.Notifier
	clock    clock.Clock
	logger   *slog.Logger

	selfBidPolicy SelfBidPolicy
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the receiver of bid and close events.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithAttestor signs a receipt for every finalized auction.
func WithAttestor(a Attestor) Option {
	return func(e *Engine) {
		e.attestor = a
	}
}

// WithStore persists auction state changes.
func WithStore(s Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithNotifier sets where outbid and close messages go.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the engine logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSelfBidPolicy chooses between flagging and rejecting seller self-bids.
func WithSelfBidPolicy(p SelfBidPolicy) Option {
	return func(e *Engine) {
		if p != "" {
			e.selfBidPolicy = p
		}
	}
}

// NewEngine creates an engine recording bids in l and checking accounts against tc.
func NewEngine(l *ledger.Ledger, tc TrustChecker, opts ...Option) *Engine {
	e := &Engine{
		auctions:      make(map[string]*entry),
		ledger:        l,
		trust:         tc,
		notifier:      notify.Discard,
		clock:         clock.NewSystem(),
		logger:        slog.Default(),
		selfBidPolicy: SelfBidFlag,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateInput holds the seller-supplied terms of a new auction.
type CreateInput struct {
	ID           string
	SellerID     string
	Title        string
	StartingBid  decimal.Decimal
	ReservePrice decimal.NullDecimal
	BuyNowPrice  decimal.NullDecimal
	Increment    decimal.Decimal
	Quantity     int
	StartsAt     time.Time
	EndsAt       time.Time
}

// BidResult describes a bid attempt and the auction state right after it.
type BidResult struct {
	Bid         core.Bid        `json:"bid"`
	Auction     core.Auction    `json:"auction"`
	ReserveMet  bool            `json:"reserve_met"`
	MinimumNext decimal.Decimal `json:"minimum_next"`
	BuyNow      bool            `json:"buy_now"`
}

// CloseResult describes a finalized auction.
type CloseResult struct {
	Auction       core.Auction  `json:"auction"`
	Outcome       *core.Outcome `json:"-"`
	AlreadyClosed bool          `json:"already_closed"`
	Receipt       []byte        `json:"-"`
}

func (e *Engine) lookup(auctionID string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrAuctionNotFound, auctionID)
	}
	return en, nil
}

// CreateAuction validates the terms and registers a new auction. It starts
// active unless StartsAt lies in the future.
func (e *Engine) CreateAuction(ctx context.Context, in CreateInput) (core.Auction, error) {
	now := e.clock.Now()

	a := core.Auction{
		ID:           strings.TrimSpace(in.ID),
		SellerID:     strings.TrimSpace(in.SellerID),
		Title:        in.Title,
		StartingBid:  core.RoundMoney(in.StartingBid),
		ReservePrice: in.ReservePrice,
		BuyNowPrice:  in.BuyNowPrice,
		Increment:    core.RoundMoney(in.Increment),
		Quantity:     in.Quantity,
		StartsAt:     in.StartsAt,
		EndsAt:       in.EndsAt,
		Status:       core.AuctionActive,
		CreatedAt:    now,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Quantity == 0 {
		a.Quantity = 1
	}
	if a.StartsAt.IsZero() {
		a.StartsAt = now
	}
	if a.StartsAt.After(now) {
		a.Status = core.AuctionScheduled
	}

	if err := core.ValidateAuction(&a); err != nil {
		return core.Auction{}, err
	}
	if !a.EndsAt.After(now) {
		return core.Auction{}, fmt.Errorf("%w: ends_at must be in the future", core.ErrInvalidAuction)
	}

	err := e.trust.Guard(a.SellerID, func(s trust.State) error {
		if s.Suspended {
			return fmt.Errorf("%w: %s", core.ErrSellerSuspended, s.SuspendedReason)
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if _, exists := e.auctions[a.ID]; exists {
			return fmt.Errorf("%w: %s", core.ErrDuplicateAuction, a.ID)
		}
		if e.store != nil {
			if err := e.store.SaveAuction(ctx, a); err != nil {
				return fmt.Errorf("save auction %s: %w", a.ID, err)
			}
		}
		e.auctions[a.ID] = &entry{auction: a}
		return nil
	})
	if err != nil {
		return core.Auction{}, err
	}
	return a, nil
}

// Activate moves a scheduled auction to active. Activating an active auction is a no-op.
func (e *Engine) Activate(ctx context.Context, auctionID string) (core.Auction, error) {
	en, err := e.lookup(auctionID)
	if err != nil {
		return core.Auction{}, err
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	switch en.auction.Status {
	case core.AuctionActive:
		return en.auction, nil
	case core.AuctionScheduled:
		e.activateLocked(ctx, en)
		return en.auction, nil
	default:
		return en.auction, fmt.Errorf("%w: auction %s is %s", core.ErrAuctionFinalized, auctionID, en.auction.Status)
	}
}

func (e *Engine) activateLocked(ctx context.Context, en *entry) {
	en.auction.Status = core.AuctionActive
	e.persist(ctx, en.auction)
}

// PlaceBid attempts a bid. The attempt is checked and recorded while holding
// the auction's lock and the bidder's trust read lock, so no restriction or
// competing bid can interleave between the check and the append.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal) (BidResult, error) {
	bidderID = strings.TrimSpace(bidderID)
	if bidderID == "" {
		return BidResult{}, fmt.Errorf("%w: bidder_id is required", core.ErrInvalidRequest)
	}

	en, err := e.lookup(auctionID)
	if err != nil {
		return BidResult{}, err
	}

	en.mu.Lock()
	now := e.clock.Now()

	if en.auction.Status == core.AuctionScheduled && !now.Before(en.auction.StartsAt) {
		e.activateLocked(ctx, en)
	}
	if en.auction.Status == core.AuctionActive && !now.Before(en.auction.EndsAt) {
		closed := e.finalizeLocked(ctx, en, core.EndReasonDeadline, "")
		en.mu.Unlock()
		e.afterClose(ctx, closed)
		return BidResult{Auction: closed.Auction}, fmt.Errorf("%w: auction %s ended at %s", core.ErrAuctionEnded, auctionID, closed.Auction.EndsAt.Format(time.RFC3339))
	}
	if en.auction.Status != core.AuctionActive {
		a := en.auction
		en.mu.Unlock()
		if a.Status == core.AuctionEnded {
			return BidResult{Auction: a}, fmt.Errorf("%w: auction %s", core.ErrAuctionEnded, auctionID)
		}
		return BidResult{Auction: a}, fmt.Errorf("%w: auction %s is %s", core.ErrAuctionNotActive, auctionID, a.Status)
	}

	a := en.auction
	var previous *core.Bid
	if highest, ok := e.ledger.HighestAccepted(auctionID); ok {
		previous = &highest
	}

	bid := core.Bid{
		ID:        uuid.NewString(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    core.RoundMoney(amount),
		PlacedAt:  now,
	}
	result := BidResult{Auction: a, MinimumNext: core.MinimumNextBid(&a, previous)}

	var decision core.BidDecision
	var rejection error
	err = e.trust.Guard(bidderID, func(s trust.State) error {
		switch {
		case s.Suspended:
			rejection = fmt.Errorf("%w: %s", core.ErrBidderSuspended, s.SuspendedReason)
		case bidderID == a.SellerID && e.selfBidPolicy == SelfBidReject:
			rejection = core.ErrSelfBid
		default:
			decision, rejection = core.EvaluateBid(&a, previous, bid.Amount)
		}

		if rejection != nil {
			bid.RejectReason = core.CodeOf(rejection)
			if recorded, appendErr := e.ledger.Append(ctx, bid); appendErr == nil {
				bid = recorded
			}
			return nil
		}

		bid.Accepted = true
		recorded, appendErr := e.ledger.Append(ctx, bid)
		if appendErr != nil {
			return appendErr
		}
		bid = recorded
		return nil
	})
	if err != nil {
		en.mu.Unlock()
		return result, fmt.Errorf("record bid on %s: %w", auctionID, err)
	}
	result.Bid = bid
	if rejection != nil {
		en.mu.Unlock()
		if errors.Is(rejection, core.ErrSelfBid) && e.observer != nil {
			e.observer.SelfBidRejected(core.BidEvent{Auction: a, Bid: bid, Previous: previous})
		}
		return result, rejection
	}

	result.ReserveMet = decision.ReserveMet
	result.MinimumNext = core.MinimumNextBid(&a, &bid)
	result.BuyNow = decision.BuyNow

	var closed *CloseResult
	if decision.BuyNow {
		closed = e.finalizeLocked(ctx, en, core.EndReasonBuyNow, "")
		result.Auction = closed.Auction
	}
	en.mu.Unlock()

	e.afterBid(ctx, core.BidEvent{Auction: a, Bid: bid, Previous: previous})
	if closed != nil {
		e.afterClose(ctx, closed)
	}
	return result, nil
}

// BuyNow places a bid at the auction's buy-now price.
func (e *Engine) BuyNow(ctx context.Context, auctionID, bidderID string) (BidResult, error) {
	en, err := e.lookup(auctionID)
	if err != nil {
		return BidResult{}, err
	}
	en.mu.RLock()
	buyNow := en.auction.BuyNowPrice
	en.mu.RUnlock()

	if !buyNow.Valid {
		return BidResult{}, fmt.Errorf("%w: auction %s has no buy-now price", core.ErrInvalidRequest, auctionID)
	}
	return e.PlaceBid(ctx, auctionID, bidderID, buyNow.Decimal)
}

// CloseAuction ends an auction and determines the winner. Closing an ended
// auction returns the original result.
func (e *Engine) CloseAuction(ctx context.Context, auctionID string) (CloseResult, error) {
	en, err := e.lookup(auctionID)
	if err != nil {
		return CloseResult{}, err
	}

	en.mu.Lock()
	switch en.auction.Status {
	case core.AuctionEnded:
		res := CloseResult{Auction: en.auction, Outcome: en.outcome, AlreadyClosed: true, Receipt: en.receipt}
		en.mu.Unlock()
		return res, nil
	case core.AuctionCancelled:
		a := en.auction
		en.mu.Unlock()
		return CloseResult{Auction: a}, fmt.Errorf("%w: auction %s was cancelled", core.ErrAuctionFinalized, auctionID)
	}

	reason := core.EndReasonManual
	if !e.clock.Now().Before(en.auction.EndsAt) {
		reason = core.EndReasonDeadline
	}
	closed := e.finalizeLocked(ctx, en, reason, "")
	en.mu.Unlock()

	e.afterClose(ctx, closed)
	return *closed, nil
}

// CancelAuction cancels a scheduled or active auction on the seller's
// request. All bids are void and the ledger is sealed. Cancelling a cancelled
// auction is a no-op.
func (e *Engine) CancelAuction(ctx context.Context, auctionID, sellerID, reason string) (core.Auction, error) {
	return e.cancel(ctx, auctionID, sellerID, reason, true)
}

// AdminCancel cancels an auction regardless of who the seller is.
func (e *Engine) AdminCancel(ctx context.Context, auctionID, adminID, reason string) (core.Auction, error) {
	return e.cancel(ctx, auctionID, adminID, reason, false)
}

func (e *Engine) cancel(ctx context.Context, auctionID, actorID, reason string, sellerOnly bool) (core.Auction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return core.Auction{}, fmt.Errorf("%w: a cancellation reason is required", core.ErrInvalidRequest)
	}

	en, err := e.lookup(auctionID)
	if err != nil {
		return core.Auction{}, err
	}

	en.mu.Lock()
	if sellerOnly && actorID != en.auction.SellerID {
		en.mu.Unlock()
		return core.Auction{}, fmt.Errorf("%w: %q cannot cancel auction %s", core.ErrNotSeller, actorID, auctionID)
	}
	switch en.auction.Status {
	case core.AuctionCancelled:
		a := en.auction
		en.mu.Unlock()
		return a, nil
	case core.AuctionEnded:
		a := en.auction
		en.mu.Unlock()
		return a, fmt.Errorf("%w: auction %s has ended", core.ErrAuctionFinalized, auctionID)
	}

	closed := e.finalizeLocked(ctx, en, core.EndReasonCancelled, reason)
	en.mu.Unlock()

	e.logger.Info("auction cancelled",
		slog.String("auction_id", auctionID),
		slog.String("actor_id", actorID),
		slog.String("reason", reason))
	e.afterClose(ctx, closed)
	return closed.Auction, nil
}

// finalizeLocked moves an auction to a terminal status. The caller holds en.mu.
func (e *Engine) finalizeLocked(ctx context.Context, en *entry, reason core.EndReason, cancelReason string) *CloseResult {
	a := en.auction
	now := e.clock.Now()

	bids := slices.Collect(e.ledger.History(a.ID))
	outcome := &core.Outcome{}

	a.EndReason = reason
	a.ClosedAt = now
	if reason == core.EndReasonCancelled {
		a.Status = core.AuctionCancelled
		a.CancelReason = cancelReason
	} else {
		a.Status = core.AuctionEnded
		outcome = core.DetermineOutcome(&a, bids)
		if outcome.Winner != nil {
			a.WinnerBidID = outcome.Winner.ID
			a.WinnerID = outcome.Winner.BidderID
			a.FinalPrice = decimal.NewNullDecimal(outcome.Winner.Amount)
		}
	}

	e.ledger.Seal(a.ID)

	var receipt []byte
	if e.attestor != nil {
		r, err := e.attestor.Issue(ctx, a, bids, outcome)
		if err != nil {
			e.logger.Warn("close receipt not issued", slog.String("auction_id", a.ID), slog.Any("error", err))
		} else {
			receipt = r
		}
	}

	en.auction = a
	en.outcome = outcome
	en.receipt = receipt
	e.persist(ctx, a)

	return &CloseResult{Auction: a, Outcome: outcome, Receipt: receipt}
}

// persist writes the committed state. The in-memory transition has already
// happened, so a failure is logged rather than returned.
func (e *Engine) persist(ctx context.Context, a core.Auction) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveAuction(ctx, a); err != nil {
		e.logger.Error("persist auction state",
			slog.String("auction_id", a.ID),
			slog.String("status", string(a.Status)),
			slog.Any("error", err))
	}
}

func (e *Engine) afterBid(ctx context.Context, ev core.BidEvent) {
	if e.observer != nil {
		e.observer.BidAccepted(ev)
	}
	if ev.Previous != nil && ev.Previous.BidderID != ev.Bid.BidderID {
		e.notifier.Notify(ctx, ev.Previous.BidderID, "You have been outbid",
			fmt.Sprintf("A bid of %s was placed on auction %s.", core.Money(ev.Bid.Amount), ev.Auction.ID))
	}
}

func (e *Engine) afterClose(ctx context.Context, closed *CloseResult) {
	a := closed.Auction
	if e.observer != nil {
		e.observer.AuctionClosed(core.CloseEvent{Auction: a, Outcome: closed.Outcome})
	}

	switch {
	case a.Status == core.AuctionCancelled:
		e.notifier.Notify(ctx, a.SellerID, "Auction cancelled", fmt.Sprintf("Auction %s was cancelled: %s", a.ID, a.CancelReason))
	case a.WinnerID != "":
		e.notifier.Notify(ctx, a.SellerID, "Auction ended", fmt.Sprintf("Auction %s sold for %s.", a.ID, core.Money(a.FinalPrice.Decimal)))
		e.notifier.Notify(ctx, a.WinnerID, "You won", fmt.Sprintf("You won auction %s at %s.", a.ID, core.Money(a.FinalPrice.Decimal)))
	case closed.Outcome != nil && closed.Outcome.Highest != nil:
		e.notifier.Notify(ctx, a.SellerID, "Auction ended", fmt.Sprintf("Auction %s ended below the reserve price.", a.ID))
	default:
		e.notifier.Notify(ctx, a.SellerID, "Auction ended", fmt.Sprintf("Auction %s ended without bids.", a.ID))
	}
}

// Get returns the current state of an auction.
func (e *Engine) Get(auctionID string) (core.Auction, error) {
	en, err := e.lookup(auctionID)
	if err != nil {
		return core.Auction{}, err
	}
	en.mu.RLock()
	defer en.mu.RUnlock()
	return en.auction, nil
}

// Snapshot is the query view of an auction.
type Snapshot struct {
	Auction     core.Auction    `json:"auction"`
	Highest     *core.Bid       `json:"highest,omitempty"`
	ReserveMet  bool            `json:"reserve_met"`
	BidCount    int             `json:"bid_count"`
	MinimumNext decimal.Decimal `json:"minimum_next"`
}

// Status returns the auction together with its highest bid and reserve state.
func (e *Engine) Status(auctionID string) (Snapshot, error) {
	en, err := e.lookup(auctionID)
	if err != nil {
		return Snapshot{}, err
	}
	en.mu.RLock()
	defer en.mu.RUnlock()

	snap := Snapshot{Auction: en.auction, BidCount: e.ledger.BidCount(auctionID)}
	if highest, ok := e.ledger.HighestAccepted(auctionID); ok {
		snap.Highest = &highest
		snap.ReserveMet = core.MeetsReserve(&en.auction, highest.Amount)
	}
	snap.MinimumNext = core.MinimumNextBid(&en.auction, snap.Highest)
	return snap, nil
}

// HighestBid returns the current highest accepted bid.
func (e *Engine) HighestBid(auctionID string) (core.Bid, bool, error) {
	if _, err := e.lookup(auctionID); err != nil {
		return core.Bid{}, false, err
	}
	bid, ok := e.ledger.HighestAccepted(auctionID)
	return bid, ok, nil
}

// ReserveMet reports whether the current highest bid meets the reserve.
func (e *Engine) ReserveMet(auctionID string) (bool, error) {
	snap, err := e.Status(auctionID)
	if err != nil {
		return false, err
	}
	return snap.ReserveMet, nil
}

// History yields the auction's recorded bid attempts in ledger order.
func (e *Engine) History(auctionID string) (iter.Seq[core.Bid], error) {
	if _, err := e.lookup(auctionID); err != nil {
		return nil, err
	}
	return e.ledger.History(auctionID), nil
}

// HistoryPage returns one page of the auction's bid history.
func (e *Engine) HistoryPage(auctionID string, afterSeq int64, limit int) ([]core.Bid, int64, error) {
	if _, err := e.lookup(auctionID); err != nil {
		return nil, 0, err
	}
	page, next := e.ledger.Page(auctionID, afterSeq, limit)
	return page, next, nil
}

// Receipt returns the signed close receipt of a finalized auction.
func (e *Engine) Receipt(auctionID string) ([]byte, error) {
	en, err := e.lookup(auctionID)
	if err != nil {
		return nil, err
	}
	en.mu.RLock()
	defer en.mu.RUnlock()
	if !en.auction.Status.Terminal() {
		return nil, fmt.Errorf("%w: auction %s is %s", core.ErrAuctionNotActive, auctionID, en.auction.Status)
	}
	if en.receipt == nil {
		return nil, fmt.Errorf("%w: no receipt for auction %s", core.ErrAuctionNotFound, auctionID)
	}
	return en.receipt, nil
}

// Recover loads persisted auctions and their ledgers. Terminal auctions get
// their ledger sealed again.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	auctions, err := e.store.LoadAuctions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load auctions: %w", err)
	}

	var errs []error
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range auctions {
		if _, exists := e.auctions[a.ID]; exists {
			continue
		}
		if err := e.ledger.Recover(ctx, a.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		en := &entry{auction: a}
		if a.Status.Terminal() {
			e.ledger.Seal(a.ID)
			if a.Status == core.AuctionEnded {
				en.outcome = core.DetermineOutcome(&a, slices.Collect(e.ledger.History(a.ID)))
			}
		}
		e.auctions[a.ID] = en
	}
	return len(auctions), errors.Join(errs...)
}

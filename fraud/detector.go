// Package fraud watches committed marketplace activity and raises alerts.
//
// The detector never blocks the bid path. Bid events are queued and scanned
// by background workers; payout requests are picked up by a periodic sweep.
// Alerts feed back into the trust controller as score increments and, for
// critical findings, an automatic withdrawal hold.
package fraud

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/cloudx-io/openmarket/clock"
	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/identity"
	"github.com/cloudx-io/openmarket/notify"
	"github.com/cloudx-io/openmarket/trust"
)

// BidHistory reads committed bids of an auction.
type BidHistory interface {
	Accepted(auctionID string) iter.Seq[core.Bid]
}

// TrustActions is the part of the trust controller the detector uses.
type TrustActions interface {
	AdjustFraudScore(ctx context.Context, accountID string, delta int, source trust.ScoreSource) (trust.State, error)
	SetRestriction(ctx context.Context, accountID string, kind trust.RestrictionKind, value bool, reason string) (trust.State, error)
	IsWithdrawalBlocked(accountID string) bool
	PayoutsSince(afterSeq int64) []trust.PayoutRequest
	Sales(sellerID string) []trust.Sale
}

// Config holds detection thresholds.
type Config struct {
	QueueSize int
	Workers   int

	// AdminAccountID receives a notification for every new alert.
	AdminAccountID    string
	AutoBlockCritical bool
	SuspendOnConfirm  bool

	SimilarityThreshold float64

	ManipulationMinBids     int
	ManipulationMaxAccounts int
	ManipulationWindow      time.Duration
	ManipulationMaxInterval time.Duration

	WithdrawalRatio decimal.Decimal
	DormancyPeriod  time.Duration
	SpikeWindow     time.Duration
	SpikeMinSales   int
	WarningAmount   decimal.Decimal
	CriticalAmount  decimal.Decimal

	RapidReaction       time.Duration
	PatternWindow       time.Duration
	PatternMinReactions int
	PatternMinAuctions  int
}

func DefaultConfig() Config {
	return Config{
		QueueSize:               1024,
		Workers:                 4,
		AdminAccountID:          "admin",
		AutoBlockCritical:       true,
		SuspendOnConfirm:        true,
		SimilarityThreshold:     0.8,
		ManipulationMinBids:     6,
		ManipulationMaxAccounts: 3,
		ManipulationWindow:      10 * time.Minute,
		ManipulationMaxInterval: 2 * time.Minute,
		WithdrawalRatio:         decimal.RequireFromString("0.8"),
		DormancyPeriod:          30 * 24 * time.Hour,
		SpikeWindow:             48 * time.Hour,
		SpikeMinSales:           3,
		WarningAmount:           decimal.NewFromInt(1000),
		CriticalAmount:          decimal.NewFromInt(10000),
		RapidReaction:           time.Second,
		PatternWindow:           24 * time.Hour,
		PatternMinReactions:     5,
		PatternMinAuctions:      3,
	}
}

// HoldReason is what the account sees when an alert places an automatic
// withdrawal hold. The alert itself stays internal until an admin acts.
const HoldReason = "withdrawals on hold pending review"

type reaction struct {
	auctionID string
	delay     time.Duration
	at        time.Time
}

// Detector implements the auction engine's Observer.
type Detector struct {
	cfg        Config
	history    BidHistory
	trust      TrustActions
	similarity identity.SimilarityProvider
	store      Store
	clock      clock.Clock
	notifier   notify.Notifier
	logger     *slog.Logger

	queue     chan core.BidEvent
	wg        sync.WaitGroup
	closeOnce sync.Once
	qmu       sync.RWMutex
	closed    bool

	// raiseMu serializes the dedup check with alert creation and review.
	raiseMu sync.Mutex
	sweepMu sync.Mutex

	mu           sync.Mutex
	wins         map[string]int
	reactions    map[string][]reaction
	payoutCursor int64
}

// Option configures a Detector.
type Option func(*Detector)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(d *Detector) {
		d.cfg = cfg
	}
}

// WithSimilarity sets the identity provider used for linked-account checks.
func WithSimilarity(p identity.SimilarityProvider) Option {
	return func(d *Detector) {
		d.similarity = p
	}
}

// WithStore sets the alert store. Defaults to an in-memory store.
func WithStore(s Store) Option {
	return func(d *Detector) {
		d.store = s
	}
}

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(d *Detector) {
		d.clock = c
	}
}

// WithNotifier sets where admin alert messages go.
func WithNotifier(n notify.Notifier) Option {
	return func(d *Detector) {
		d.notifier = n
	}
}

// WithLogger sets the detector logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

func NewDetector(history BidHistory, tr TrustActions, opts ...Option) *Detector {
	d := &Detector{
		cfg:       DefaultConfig(),
		history:   history,
		trust:     tr,
		store:     NewMemoryStore(),
		clock:     clock.NewSystem(),
		notifier:  notify.Discard,
		logger:    slog.Default(),
		wins:      make(map[string]int),
		reactions: make(map[string][]reaction),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.QueueSize <= 0 {
		d.cfg.QueueSize = 1024
	}
	if d.cfg.Workers <= 0 {
		d.cfg.Workers = 1
	}
	d.queue = make(chan core.BidEvent, d.cfg.QueueSize)
	return d
}

// Start launches the scan workers. They exit after Close drains the queue.
func (d *Detector) Start(ctx context.Context) {
	for range d.cfg.Workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for ev := range d.queue {
				d.scan(context.WithoutCancel(ctx), ev)
			}
		}()
	}
}

// Close stops accepting events and waits for queued scans to finish.
func (d *Detector) Close() {
	d.closeOnce.Do(func() {
		d.qmu.Lock()
		d.closed = true
		close(d.queue)
		d.qmu.Unlock()
	})
	d.wg.Wait()
}

// BidAccepted queues the event for scanning.
func (d *Detector) BidAccepted(ev core.BidEvent) {
	d.enqueue(ev)
}

// SelfBidRejected queues a seller's refused bid for the shill check.
func (d *Detector) SelfBidRejected(ev core.BidEvent) {
	d.enqueue(ev)
}

// enqueue hands the event to the workers. When the queue is full, other bids
// are dropped but a seller's own bid is scanned on its own goroutine so it is
// always flagged.
func (d *Detector) enqueue(ev core.BidEvent) {
	d.qmu.RLock()
	defer d.qmu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
		return
	default:
	}

	if ev.Bid.BidderID != ev.Auction.SellerID {
		d.logger.Warn("fraud scan dropped: queue full",
			slog.String("auction_id", ev.Auction.ID),
			slog.String("bid_id", ev.Bid.ID))
		return
	}
	d.logger.Warn("fraud queue full, scanning self-bid out of band",
		slog.String("auction_id", ev.Auction.ID),
		slog.String("bid_id", ev.Bid.ID))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.scan(context.Background(), ev)
	}()
}

func (d *Detector) scan(ctx context.Context, ev core.BidEvent) {
	var err error
	if ev.Bid.Accepted {
		_, err = d.ScanBid(ctx, ev)
	} else {
		_, err = d.ScanSelfBid(ctx, ev)
	}
	if err != nil {
		d.logger.Error("fraud scan failed",
			slog.String("auction_id", ev.Auction.ID),
			slog.String("bid_id", ev.Bid.ID),
			slog.Any("error", err))
	}
}

// AuctionClosed records the winner. Accounts with wins are excluded from
// price manipulation findings.
func (d *Detector) AuctionClosed(ev core.CloseEvent) {
	if ev.Auction.WinnerID == "" {
		return
	}
	d.mu.Lock()
	d.wins[ev.Auction.WinnerID]++
	d.mu.Unlock()
}

// ScanBid runs every bid heuristic against one accepted bid and raises the
// resulting alerts.
func (d *Detector) ScanBid(ctx context.Context, ev core.BidEvent) ([]Alert, error) {
	checks := []func(context.Context, core.BidEvent) (*finding, error){
		d.checkShill,
		d.checkPriceManipulation,
		d.checkMultipleAccounts,
		d.checkBidPattern,
	}
	findings := make([]*finding, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		g.Go(func() error {
			f, err := check(gctx, ev)
			findings[i] = f
			return err
		})
	}
	scanErr := g.Wait()

	alerts, err := d.raiseAll(ctx, findings)
	if err != nil {
		return alerts, err
	}
	return alerts, scanErr
}

// ScanSelfBid runs only the shill check. It covers seller bids the engine
// refused, which never reach the ledger's accepted history.
func (d *Detector) ScanSelfBid(ctx context.Context, ev core.BidEvent) ([]Alert, error) {
	f, err := d.checkShill(ctx, ev)
	if err != nil {
		return nil, err
	}
	return d.raiseAll(ctx, []*finding{f})
}

// SweepWithdrawals checks payout requests made since the previous sweep.
func (d *Detector) SweepWithdrawals(ctx context.Context) ([]Alert, error) {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	d.mu.Lock()
	cursor := d.payoutCursor
	d.mu.Unlock()

	requests := d.trust.PayoutsSince(cursor)
	if len(requests) == 0 {
		return nil, nil
	}

	findings := make([]*finding, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, req := range requests {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			findings[i] = d.checkWithdrawal(req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	alerts, err := d.raiseAll(ctx, findings)
	if err != nil {
		return alerts, err
	}

	d.mu.Lock()
	d.payoutCursor = requests[len(requests)-1].Seq
	d.mu.Unlock()
	return alerts, nil
}

// StartWithdrawalSweep runs SweepWithdrawals every interval until ctx is cancelled.
func (d *Detector) StartWithdrawalSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				alerts, err := d.SweepWithdrawals(ctx)
				if err != nil {
					d.logger.Error("withdrawal sweep failed", slog.Any("error", err))
					continue
				}
				if len(alerts) > 0 {
					d.logger.Info("withdrawal sweep", slog.Int("alerts", len(alerts)))
				}
			}
		}
	}()
}

func (d *Detector) raiseAll(ctx context.Context, findings []*finding) ([]Alert, error) {
	var alerts []Alert
	for _, f := range findings {
		if f == nil {
			continue
		}
		alert, err := d.raise(ctx, f)
		if err != nil {
			return alerts, err
		}
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	return alerts, nil
}

// raise records a finding as a new alert unless an open alert already covers it.
func (d *Detector) raise(ctx context.Context, f *finding) (*Alert, error) {
	d.raiseMu.Lock()
	defer d.raiseMu.Unlock()

	if _, open, err := d.store.FindOpen(ctx, f.dedupKey); err != nil {
		return nil, fmt.Errorf("look up open alert: %w", err)
	} else if open {
		d.logger.Debug("fraud alert suppressed: open duplicate", slog.String("dedup_key", f.dedupKey))
		return nil, nil
	}

	if err := f.evidence.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvariantViolation, err)
	}
	digest, err := EvidenceDigest(f.evidence)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	alert := Alert{
		ID:             uuid.NewString(),
		Type:           f.evidence.Type,
		Severity:       f.severity,
		SubjectID:      f.subject,
		AuctionID:      f.auctionID,
		Evidence:       f.evidence,
		Facts:          f.evidence.Facts(),
		EvidenceDigest: digest,
		Status:         StatusPending,
		DedupKey:       f.dedupKey,
		CreatedAt:      now,
	}
	if _, _, err := d.store.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("store alert: %w", err)
	}

	if f.severity == SeverityCritical && d.cfg.AutoBlockCritical && !d.trust.IsWithdrawalBlocked(f.subject) {
		if _, err := d.trust.SetRestriction(ctx, f.subject, trust.RestrictionWithdrawalBlocked, true, HoldReason); err != nil {
			d.logger.Error("apply automatic withdrawal hold",
				slog.String("alert_id", alert.ID),
				slog.String("account_id", f.subject),
				slog.Any("error", err))
		} else {
			alert.AutoAction = &AutoAction{
				Kind:      string(trust.RestrictionWithdrawalBlocked),
				Reason:    fmt.Sprintf("automatic hold after %s alert %s", alert.Type, alert.ID),
				AppliedAt: now,
			}
			if err := d.store.Update(ctx, alert); err != nil {
				d.logger.Error("record automatic action", slog.String("alert_id", alert.ID), slog.Any("error", err))
			}
		}
	}

	if _, err := d.trust.AdjustFraudScore(ctx, f.subject, scoreDelta[f.severity], trust.ScoreAutomatic); err != nil {
		d.logger.Error("adjust fraud score", slog.String("account_id", f.subject), slog.Any("error", err))
	}

	if d.cfg.AdminAccountID != "" {
		d.notifier.Notify(ctx, d.cfg.AdminAccountID, fmt.Sprintf("Fraud alert: %s", alert.Type),
			fmt.Sprintf("%s %s alert %s on account %s", alert.Severity, alert.Type, alert.ID, alert.SubjectID))
	}

	d.logger.Warn("fraud alert raised",
		slog.String("alert_id", alert.ID),
		slog.String("type", string(alert.Type)),
		slog.String("severity", string(alert.Severity)),
		slog.String("subject_id", alert.SubjectID))
	return &alert, nil
}

// ReviewInput is a reviewer's decision on an alert.
type ReviewInput struct {
	Status   Status
	Notes    string
	Reviewer string
}

// Review records a decision on an open alert. Confirmed fraud can suspend the
// subject; a false positive lifts the automatic hold the alert applied.
func (d *Detector) Review(ctx context.Context, alertID string, in ReviewInput) (Alert, error) {
	if in.Reviewer == "" {
		return Alert{}, fmt.Errorf("%w: reviewer is required", core.ErrInvalidReview)
	}
	if !in.Status.Valid() || in.Status == StatusPending {
		return Alert{}, fmt.Errorf("%w: cannot move an alert to %q", core.ErrInvalidReview, in.Status)
	}

	d.raiseMu.Lock()
	defer d.raiseMu.Unlock()

	alert, err := d.store.Get(ctx, alertID)
	if err != nil {
		return Alert{}, err
	}
	if !alert.Status.Open() {
		return alert, fmt.Errorf("%w: alert %s is %s", core.ErrAlreadyReviewed, alertID, alert.Status)
	}

	now := d.clock.Now()
	alert.Status = in.Status
	alert.ReviewedBy = in.Reviewer
	alert.ReviewNotes = in.Notes
	alert.ReviewedAt = now

	switch in.Status {
	case StatusFalsePositive:
		if alert.AutoAction.Active() {
			held, err := d.otherActiveHolds(ctx, alert)
			if err != nil {
				return Alert{}, err
			}
			if !held {
				if _, err := d.trust.SetRestriction(ctx, alert.SubjectID, trust.RestrictionWithdrawalBlocked, false, ""); err != nil {
					return Alert{}, fmt.Errorf("lift automatic hold: %w", err)
				}
			}
			alert.AutoAction.RevertedAt = now
		}
	case StatusConfirmedFraud:
		if d.cfg.SuspendOnConfirm {
			reason := fmt.Sprintf("confirmed fraud (alert %s)", alert.ID)
			if _, err := d.trust.SetRestriction(ctx, alert.SubjectID, trust.RestrictionSuspended, true, reason); err != nil {
				return Alert{}, fmt.Errorf("suspend account: %w", err)
			}
		}
	}

	if err := d.store.Update(ctx, alert); err != nil {
		return Alert{}, fmt.Errorf("store review: %w", err)
	}
	d.logger.Info("fraud alert reviewed",
		slog.String("alert_id", alert.ID),
		slog.String("status", string(alert.Status)),
		slog.String("reviewer", in.Reviewer))
	return alert, nil
}

// otherActiveHolds reports whether another alert on the same subject still
// holds an automatic withdrawal block.
func (d *Detector) otherActiveHolds(ctx context.Context, alert Alert) (bool, error) {
	others, err := d.store.List(ctx, Filter{SubjectID: alert.SubjectID})
	if err != nil {
		return false, fmt.Errorf("list alerts: %w", err)
	}
	for _, other := range others {
		if other.ID != alert.ID && other.AutoAction.Active() && other.Status != StatusFalsePositive {
			return true, nil
		}
	}
	return false, nil
}

func (d *Detector) Alert(ctx context.Context, id string) (Alert, error) {
	return d.store.Get(ctx, id)
}

func (d *Detector) Alerts(ctx context.Context, filter Filter) ([]Alert, error) {
	return d.store.List(ctx, filter)
}

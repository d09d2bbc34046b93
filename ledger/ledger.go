// Package ledger keeps the append-only record of bid attempts per auction.
// It is the source of truth for the current highest accepted bid.
package ledger

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/cloudx-io/openmarket/core"
)

// Journal persists ledger entries outside the process. Append is called
// before an entry becomes visible; an error leaves the ledger unchanged.
type Journal interface {
	AppendBid(ctx context.Context, bid core.Bid) error
	LoadBids(ctx context.Context, auctionID string) ([]core.Bid, error)
}

type book struct {
	mu       sync.RWMutex
	entries  []core.Bid
	highest  int
	accepted int
	sealed   bool
}

func newBook() *book {
	return &book{highest: -1}
}

// Ledger stores one book of bids per auction.
type Ledger struct {
	mu      sync.RWMutex
	books   map[string]*book
	journal Journal
	logger  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal mirrors every append to j.
func WithJournal(j Journal) Option {
	return func(l *Ledger) {
		l.journal = j
	}
}

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		books:  make(map[string]*book),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) book(auctionID string) *book {
	l.mu.RLock()
	b, ok := l.books[auctionID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.books[auctionID]; !ok {
		b = newBook()
		l.books[auctionID] = b
	}
	return b
}

func (l *Ledger) lookup(auctionID string) (*book, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.books[auctionID]
	return b, ok
}

// Append records a bid attempt and returns it with its sequence number set.
//
// Placed-at is clamped so it never precedes the previous entry, keeping
// timestamp order and insertion order identical. An accepted bid that does
// not strictly exceed the current highest is refused as an invariant
// violation; callers serialize per auction and evaluate the increment rule
// before appending, so this only fires on a bug.
func (l *Ledger) Append(ctx context.Context, bid core.Bid) (core.Bid, error) {
	b := l.book(bid.AuctionID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return core.Bid{}, fmt.Errorf("%w: auction %s", core.ErrLedgerSealed, bid.AuctionID)
	}

	if n := len(b.entries); n > 0 {
		last := b.entries[n-1]
		if bid.PlacedAt.Before(last.PlacedAt) {
			bid.PlacedAt = last.PlacedAt
		}
	}
	bid.Seq = int64(len(b.entries)) + 1

	if bid.Accepted && b.highest >= 0 {
		current := b.entries[b.highest]
		if !core.RoundMoney(bid.Amount).GreaterThan(core.RoundMoney(current.Amount)) {
			l.logger.Error("refusing non-monotonic accepted bid",
				slog.String("invariant", "monotonic_bidding"),
				slog.String("auction_id", bid.AuctionID),
				slog.String("bid_id", bid.ID),
				slog.String("amount", core.Money(bid.Amount)),
				slog.String("current_highest", core.Money(current.Amount)))
			return core.Bid{}, fmt.Errorf("%w: bid %s does not exceed %s", core.ErrInvariantViolation, bid.ID, current.ID)
		}
	}

	if l.journal != nil {
		if err := l.journal.AppendBid(ctx, bid); err != nil {
			return core.Bid{}, fmt.Errorf("journal bid %s: %w", bid.ID, err)
		}
	}

	b.entries = append(b.entries, bid)
	if bid.Accepted {
		b.highest = len(b.entries) - 1
		b.accepted++
	}
	return bid, nil
}

// HighestAccepted returns the current highest accepted bid of an auction.
func (l *Ledger) HighestAccepted(auctionID string) (core.Bid, bool) {
	b, ok := l.lookup(auctionID)
	if !ok {
		return core.Bid{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.highest < 0 {
		return core.Bid{}, false
	}
	return b.entries[b.highest], true
}

// BidCount returns the number of accepted bids.
func (l *Ledger) BidCount(auctionID string) int {
	b, ok := l.lookup(auctionID)
	if !ok {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accepted
}

// AttemptCount returns the number of recorded attempts, accepted or not.
func (l *Ledger) AttemptCount(auctionID string) int {
	b, ok := l.lookup(auctionID)
	if !ok {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// snapshot returns the entries recorded so far. Entries are never modified
// in place, so the returned slice is safe to read without the lock.
func (l *Ledger) snapshot(auctionID string) []core.Bid {
	b, ok := l.lookup(auctionID)
	if !ok {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries[:len(b.entries):len(b.entries)]
}

// History yields every recorded attempt in ledger order. Each iteration
// starts over and covers the entries present when it began.
func (l *Ledger) History(auctionID string) iter.Seq[core.Bid] {
	return func(yield func(core.Bid) bool) {
		for _, bid := range l.snapshot(auctionID) {
			if !yield(bid) {
				return
			}
		}
	}
}

// Accepted yields accepted bids in ledger order.
func (l *Ledger) Accepted(auctionID string) iter.Seq[core.Bid] {
	return func(yield func(core.Bid) bool) {
		for bid := range l.History(auctionID) {
			if bid.Accepted && !yield(bid) {
				return
			}
		}
	}
}

// Page returns up to limit entries with a sequence number greater than
// afterSeq, and the cursor for the next page (0 when exhausted).
func (l *Ledger) Page(auctionID string, afterSeq int64, limit int) ([]core.Bid, int64) {
	entries := l.snapshot(auctionID)
	if limit <= 0 || afterSeq < 0 || afterSeq >= int64(len(entries)) {
		return []core.Bid{}, 0
	}

	end := min(int(afterSeq)+limit, len(entries))
	page := make([]core.Bid, end-int(afterSeq))
	copy(page, entries[afterSeq:end])

	var next int64
	if end < len(entries) {
		next = int64(end)
	}
	return page, next
}

// Seal finalizes a book; later appends fail. Sealing twice is a no-op.
func (l *Ledger) Seal(auctionID string) {
	b := l.book(auctionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
}

func (l *Ledger) Sealed(auctionID string) bool {
	b, ok := l.lookup(auctionID)
	if !ok {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sealed
}

// Recover rebuilds an auction's book from the journal. It only fills an
// empty book.
func (l *Ledger) Recover(ctx context.Context, auctionID string) error {
	if l.journal == nil {
		return nil
	}
	bids, err := l.journal.LoadBids(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("load bids for %s: %w", auctionID, err)
	}

	b := l.book(auctionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) > 0 {
		return nil
	}
	for _, bid := range bids {
		b.entries = append(b.entries, bid)
		if bid.Accepted {
			b.highest = len(b.entries) - 1
			b.accepted++
		}
	}
	return nil
}

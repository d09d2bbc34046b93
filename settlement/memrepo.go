package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudx-io/openmarket/core"
)

type memTxKey struct{}

// memTx tracks the row locks taken inside one WithTx call.
type memTx struct {
	held    map[string]bool
	unlocks []func()
}

func (tx *memTx) release() {
	for i := len(tx.unlocks) - 1; i >= 0; i-- {
		tx.unlocks[i]()
	}
}

// MemoryRepository keeps listings and reservations in process. Row locks are
// per-key mutexes held until the enclosing transaction returns.
type MemoryRepository struct {
	mu           sync.RWMutex
	listings     map[string]Listing
	reservations map[string]Reservation

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		listings:     make(map[string]Listing),
		reservations: make(map[string]Reservation),
		locks:        make(map[string]*sync.Mutex),
	}
}

func (r *MemoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	tx := &memTx{held: make(map[string]bool)}
	defer tx.release()
	return fn(context.WithValue(ctx, memTxKey{}, tx))
}

func (r *MemoryRepository) lockRow(ctx context.Context, key string) {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok || tx.held[key] {
		return
	}

	r.lockMu.Lock()
	mu, ok := r.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[key] = mu
	}
	r.lockMu.Unlock()

	mu.Lock()
	tx.held[key] = true
	tx.unlocks = append(tx.unlocks, mu.Unlock)
}

func (r *MemoryRepository) CreateListing(_ context.Context, l Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listings[l.ID]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateListing, l.ID)
	}
	r.listings[l.ID] = l
	return nil
}

func (r *MemoryRepository) GetListing(_ context.Context, id string) (Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[id]
	if !ok {
		return Listing{}, fmt.Errorf("%w: %s", core.ErrListingNotFound, id)
	}
	return l, nil
}

func (r *MemoryRepository) GetListingForUpdate(ctx context.Context, id string) (Listing, error) {
	r.lockRow(ctx, "listing:"+id)
	return r.GetListing(ctx, id)
}

func (r *MemoryRepository) UpdateListingStock(_ context.Context, id string, available int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrListingNotFound, id)
	}
	l.Available = available
	l.UpdatedAt = at
	r.listings[id] = l
	return nil
}

func (r *MemoryRepository) CreateReservation(_ context.Context, res Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reservations[res.ID]; ok {
		return fmt.Errorf("%w: reservation %s already exists", core.ErrInvalidRequest, res.ID)
	}
	r.reservations[res.ID] = res
	return nil
}

func (r *MemoryRepository) GetReservation(_ context.Context, id string) (Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.reservations[id]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", core.ErrReservationNotFound, id)
	}
	return res, nil
}

func (r *MemoryRepository) GetReservationForUpdate(ctx context.Context, id string) (Reservation, error) {
	r.lockRow(ctx, "reservation:"+id)
	return r.GetReservation(ctx, id)
}

func (r *MemoryRepository) ReservationsByOrder(_ context.Context, orderID string) ([]Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Reservation
	for _, res := range r.reservations {
		if res.OrderID == orderID {
			out = append(out, res)
		}
	}
	sortReservations(out)
	return out, nil
}

func (r *MemoryRepository) UpdateReservation(_ context.Context, res Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reservations[res.ID]; !ok {
		return fmt.Errorf("%w: %s", core.ErrReservationNotFound, res.ID)
	}
	r.reservations[res.ID] = res
	return nil
}

func (r *MemoryRepository) ExpiredReservations(_ context.Context, now time.Time) ([]Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Reservation
	for _, res := range r.reservations {
		if res.Status == ReservationPending && !now.Before(res.ExpiresAt) {
			out = append(out, res)
		}
	}
	sortReservations(out)
	return out, nil
}

func sortReservations(rs []Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

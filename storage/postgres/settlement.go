package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/settlement"
)

// SettlementRepository implements settlement.Repository. ForUpdate reads take
// row locks with SELECT ... FOR UPDATE inside the transaction on ctx.
type SettlementRepository struct {
	db *bun.DB
}

var _ settlement.Repository = (*SettlementRepository)(nil)

func NewSettlementRepository(db *DB) *SettlementRepository {
	return &SettlementRepository{db: db.bun}
}

func (r *SettlementRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return runInTx(ctx, r.db, fn)
}

func (r *SettlementRepository) CreateListing(ctx context.Context, l settlement.Listing) error {
	if _, err := conn(ctx, r.db).NewInsert().Model(&l).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", core.ErrDuplicateListing, l.ID)
		}
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (r *SettlementRepository) GetListing(ctx context.Context, id string) (settlement.Listing, error) {
	return r.getListing(ctx, id, false)
}

func (r *SettlementRepository) GetListingForUpdate(ctx context.Context, id string) (settlement.Listing, error) {
	return r.getListing(ctx, id, true)
}

func (r *SettlementRepository) getListing(ctx context.Context, id string, lock bool) (settlement.Listing, error) {
	var l settlement.Listing
	q := conn(ctx, r.db).NewSelect().Model(&l).Where("id = ?", id)
	if lock {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settlement.Listing{}, fmt.Errorf("%w: %s", core.ErrListingNotFound, id)
		}
		return settlement.Listing{}, fmt.Errorf("select listing: %w", err)
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}

func (r *SettlementRepository) UpdateListingStock(ctx context.Context, id string, available int, at time.Time) error {
	res, err := conn(ctx, r.db).NewUpdate().
		Model((*settlement.Listing)(nil)).
		Set("available = ?", available).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("%w: listing %s stock would go negative", core.ErrInvariantViolation, id)
		}
		return fmt.Errorf("update listing stock: %w", err)
	}
	return requireRow(res, core.ErrListingNotFound, id)
}

func (r *SettlementRepository) CreateReservation(ctx context.Context, res settlement.Reservation) error {
	if _, err := conn(ctx, r.db).NewInsert().Model(&res).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: reservation %s already exists", core.ErrInvalidRequest, res.ID)
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (r *SettlementRepository) GetReservation(ctx context.Context, id string) (settlement.Reservation, error) {
	return r.getReservation(ctx, id, false)
}

func (r *SettlementRepository) GetReservationForUpdate(ctx context.Context, id string) (settlement.Reservation, error) {
	return r.getReservation(ctx, id, true)
}

func (r *SettlementRepository) getReservation(ctx context.Context, id string, lock bool) (settlement.Reservation, error) {
	var res settlement.Reservation
	q := conn(ctx, r.db).NewSelect().Model(&res).Where("id = ?", id)
	if lock {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settlement.Reservation{}, fmt.Errorf("%w: %s", core.ErrReservationNotFound, id)
		}
		return settlement.Reservation{}, fmt.Errorf("select reservation: %w", err)
	}
	return normalizeReservation(res), nil
}

func (r *SettlementRepository) ReservationsByOrder(ctx context.Context, orderID string) ([]settlement.Reservation, error) {
	var rows []settlement.Reservation
	err := conn(ctx, r.db).NewSelect().
		Model(&rows).
		Where("order_id = ?", orderID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select order reservations: %w", err)
	}
	for i := range rows {
		rows[i] = normalizeReservation(rows[i])
	}
	return rows, nil
}

func (r *SettlementRepository) UpdateReservation(ctx context.Context, res settlement.Reservation) error {
	result, err := conn(ctx, r.db).NewUpdate().
		Model(&res).
		Column("status", "resolved_at", "release_reason").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	return requireRow(result, core.ErrReservationNotFound, res.ID)
}

func (r *SettlementRepository) ExpiredReservations(ctx context.Context, now time.Time) ([]settlement.Reservation, error) {
	var rows []settlement.Reservation
	err := conn(ctx, r.db).NewSelect().
		Model(&rows).
		Where("status = ?", settlement.ReservationPending).
		Where("expires_at <= ?", now).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select expired reservations: %w", err)
	}
	for i := range rows {
		rows[i] = normalizeReservation(rows[i])
	}
	return rows, nil
}

func normalizeReservation(res settlement.Reservation) settlement.Reservation {
	res.CreatedAt = res.CreatedAt.UTC()
	res.ExpiresAt = res.ExpiresAt.UTC()
	if !res.ResolvedAt.IsZero() {
		res.ResolvedAt = res.ResolvedAt.UTC()
	}
	return res
}

func requireRow(res sql.Result, notFound error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}

package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/fraud"
)

func newStore(t *testing.T) *AlertStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "alerts.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func shillAlert(id string, at time.Time) fraud.Alert {
	return fraud.Alert{
		ID:        id,
		Type:      fraud.TypeShillBidding,
		Severity:  fraud.SeverityCritical,
		SubjectID: "seller",
		AuctionID: "a1",
		Evidence: fraud.Evidence{Type: fraud.TypeShillBidding, Shill: &fraud.ShillEvidence{
			AuctionID: "a1",
			SellerID:  "seller",
			BidderID:  "seller",
			Relation:  "same_account",
		}},
		Status:    fraud.StatusPending,
		DedupKey:  "shill_bidding|a1|seller",
		CreatedAt: at,
	}
}

func TestAlertStore_CreateIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	first, created, err := s.Create(ctx, shillAlert("al-1", at))
	assert.NoError(t, err)
	check.True(t, created)

	changed := shillAlert("al-1", at)
	changed.Severity = fraud.SeverityInfo
	again, created, err := s.Create(ctx, changed)
	assert.NoError(t, err)
	check.False(t, created)
	check.Equal(t, first.Severity, again.Severity)

	got, err := s.Get(ctx, "al-1")
	assert.NoError(t, err)
	check.Equal(t, "seller", got.Evidence.Shill.BidderID)
}

func TestAlertStore_OpenIndexFollowsStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	alert := shillAlert("al-1", time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	_, _, err := s.Create(ctx, alert)
	assert.NoError(t, err)

	open, found, err := s.FindOpen(ctx, alert.DedupKey)
	assert.NoError(t, err)
	check.True(t, found)
	check.Equal(t, "al-1", open.ID)

	alert.Status = fraud.StatusFalsePositive
	assert.NoError(t, s.Update(ctx, alert))
	_, found, err = s.FindOpen(ctx, alert.DedupKey)
	assert.NoError(t, err)
	check.False(t, found)
}

func TestAlertStore_ListFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"al-1", "al-2", "al-3"} {
		alert := shillAlert(id, base.Add(time.Duration(i)*time.Minute))
		alert.DedupKey = id
		if id == "al-2" {
			alert.Status = fraud.StatusResolved
		}
		_, _, err := s.Create(ctx, alert)
		assert.NoError(t, err)
	}

	all, err := s.List(ctx, fraud.Filter{})
	assert.NoError(t, err)
	assert.Equal(t, 3, len(all))
	check.Equal(t, "al-3", all[0].ID)

	pending, err := s.List(ctx, fraud.Filter{Status: fraud.StatusPending})
	assert.NoError(t, err)
	check.Equal(t, 2, len(pending))

	limited, err := s.List(ctx, fraud.Filter{Limit: 1})
	assert.NoError(t, err)
	check.Equal(t, 1, len(limited))
}

func TestAlertStore_Missing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	check.True(t, errors.Is(err, core.ErrAlertNotFound))

	err = s.Update(context.Background(), shillAlert("nope", time.Now()))
	check.True(t, errors.Is(err, core.ErrAlertNotFound))
}

func TestAlertStore_ReopenKeepsAlerts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	alert := shillAlert("al-1", time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	_, _, err := s.Create(ctx, alert)
	assert.NoError(t, err)

	path := s.db.Path()
	assert.NoError(t, s.Close())

	reopened, err := Open(path)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.Get(ctx, "al-1")
	assert.NoError(t, err)
	check.Equal(t, fraud.StatusPending, got.Status)
}

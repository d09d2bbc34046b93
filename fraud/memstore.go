package fraud

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudx-io/openmarket/core"
)

// Store persists alerts. Create is idempotent on alert ID: an existing alert
// is returned unchanged with created=false.
type Store interface {
	Create(ctx context.Context, alert Alert) (Alert, bool, error)
	Get(ctx context.Context, id string) (Alert, error)
	Update(ctx context.Context, alert Alert) error
	List(ctx context.Context, filter Filter) ([]Alert, error)
	FindOpen(ctx context.Context, dedupKey string) (Alert, bool, error)
}

// MemoryStore keeps alerts in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]Alert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]Alert)}
}

func (s *MemoryStore) Create(_ context.Context, alert Alert) (Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.alerts[alert.ID]; ok {
		return existing, false, nil
	}
	s.alerts[alert.ID] = alert
	return alert, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("%w: %s", core.ErrAlertNotFound, id)
	}
	return alert, nil
}

func (s *MemoryStore) Update(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alert.ID]; !ok {
		return fmt.Errorf("%w: %s", core.ErrAlertNotFound, alert.ID)
	}
	s.alerts[alert.ID] = alert
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alert, 0)
	for _, alert := range s.alerts {
		if filter.Match(alert) {
			out = append(out, alert)
		}
	}
	SortAlerts(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) FindOpen(_ context.Context, dedupKey string) (Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, alert := range s.alerts {
		if alert.DedupKey == dedupKey && alert.Status.Open() {
			return alert, true, nil
		}
	}
	return Alert{}, false, nil
}

// SortAlerts orders alerts newest first, then by ID.
func SortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

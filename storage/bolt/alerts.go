// Package bolt persists fraud alerts in an embedded BoltDB file.
//
// Alerts live in one bucket keyed by id. A second bucket maps the dedup key
// of every open alert to its id so duplicate suppression is a single lookup.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/cloudx-io/openmarket/core"
	"github.com/cloudx-io/openmarket/fraud"
)

var (
	alertsBucket = []byte("alerts")
	openBucket   = []byte("open_dedup")
)

// AlertStore implements fraud.Store.
type AlertStore struct {
	db *bolt.DB
}

var _ fraud.Store = (*AlertStore)(nil)

// Open opens (or creates) the database at path and ensures its buckets exist.
func Open(path string) (*AlertStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open alert store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{alertsBucket, openBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create alert buckets: %w", err)
	}
	return &AlertStore{db: db}, nil
}

func (s *AlertStore) Close() error {
	return s.db.Close()
}

// Create stores the alert unless one with the same id exists, in which case
// the stored alert is returned unchanged.
func (s *AlertStore) Create(_ context.Context, alert fraud.Alert) (fraud.Alert, bool, error) {
	result := alert
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(alertsBucket)
		if existing := b.Get([]byte(alert.ID)); existing != nil {
			return json.Unmarshal(existing, &result)
		}
		if err := put(tx, alert); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return fraud.Alert{}, false, err
	}
	return result, created, nil
}

func (s *AlertStore) Get(_ context.Context, id string) (fraud.Alert, error) {
	var alert fraud.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(alertsBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", core.ErrAlertNotFound, id)
		}
		return json.Unmarshal(v, &alert)
	})
	if err != nil {
		return fraud.Alert{}, err
	}
	return alert, nil
}

func (s *AlertStore) Update(_ context.Context, alert fraud.Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(alertsBucket).Get([]byte(alert.ID)) == nil {
			return fmt.Errorf("%w: %s", core.ErrAlertNotFound, alert.ID)
		}
		return put(tx, alert)
	})
}

func (s *AlertStore) List(_ context.Context, filter fraud.Filter) ([]fraud.Alert, error) {
	out := make([]fraud.Alert, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(alertsBucket).ForEach(func(_, v []byte) error {
			var alert fraud.Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return err
			}
			if filter.Match(alert) {
				out = append(out, alert)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	fraud.SortAlerts(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *AlertStore) FindOpen(_ context.Context, dedupKey string) (fraud.Alert, bool, error) {
	var alert fraud.Alert
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(openBucket).Get([]byte(dedupKey))
		if id == nil {
			return nil
		}
		v := tx.Bucket(alertsBucket).Get(id)
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &alert); err != nil {
			return err
		}
		found = alert.Status.Open()
		return nil
	})
	if err != nil {
		return fraud.Alert{}, false, err
	}
	return alert, found, nil
}

// put writes the alert and keeps the open index in step with its status.
func put(tx *bolt.Tx, alert fraud.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	if err := tx.Bucket(alertsBucket).Put([]byte(alert.ID), data); err != nil {
		return err
	}

	open := tx.Bucket(openBucket)
	if alert.DedupKey == "" {
		return nil
	}
	if alert.Status.Open() {
		return open.Put([]byte(alert.DedupKey), []byte(alert.ID))
	}
	if current := open.Get([]byte(alert.DedupKey)); string(current) == alert.ID {
		return open.Delete([]byte(alert.DedupKey))
	}
	return nil
}

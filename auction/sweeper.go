package auction

import (
	"context"
	"log/slog"
	"time"

	"github.com/cloudx-io/openmarket/core"
)

// SweepResult counts the transitions made by one sweep.
type SweepResult struct {
	Activated int
	Closed    int
}

// Sweep activates scheduled auctions whose start time has passed and closes
// active auctions whose end time has passed, whether or not bids arrived.
func (e *Engine) Sweep(ctx context.Context) SweepResult {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.auctions))
	for _, en := range e.auctions {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	var result SweepResult
	for _, en := range entries {
		if ctx.Err() != nil {
			break
		}

		en.mu.Lock()
		now := e.clock.Now()
		if en.auction.Status == core.AuctionScheduled && !now.Before(en.auction.StartsAt) {
			e.activateLocked(ctx, en)
			result.Activated++
		}
		var closed *CloseResult
		if en.auction.Status == core.AuctionActive && !now.Before(en.auction.EndsAt) {
			closed = e.finalizeLocked(ctx, en, core.EndReasonDeadline, "")
		}
		en.mu.Unlock()

		if closed != nil {
			result.Closed++
			e.afterClose(ctx, closed)
		}
	}
	return result
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res := e.Sweep(ctx)
				if res.Activated > 0 || res.Closed > 0 {
					e.logger.Info("auction sweep",
						slog.Int("activated", res.Activated),
						slog.Int("closed", res.Closed))
				}
			}
		}
	}()
}

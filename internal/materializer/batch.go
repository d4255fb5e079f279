package materializer

import (
	"context"
	"errors"
	"sync/atomic"

	appLog "eventseries/internal/log"

	"golang.org/x/sync/errgroup"
)

// MaterializeInitial eagerly materializes the first EagerCount virtual slots
// of a new series, BatchSize at a time, each bounded by ItemTimeout. Item
// failures are logged and skipped; the result is how many were persisted.
func (m *Materializer) MaterializeInitial(ctx context.Context, slug string, actor string) int {
	s, err := m.loadSeries(ctx, slug)
	if err != nil {
		appLog.Error("eager materialization skipped", err, "slug", slug)
		return 0
	}
	entries, err := m.upcoming(ctx, s, m.cfg.EagerCount, false)
	if err != nil {
		appLog.Error("eager materialization skipped", err, "slug", slug)
		return 0
	}

	var pending []int
	for i, e := range entries {
		if !e.Materialized {
			pending = append(pending, i)
		}
	}

	var done atomic.Int64
	for start := 0; start < len(pending); start += m.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := min(start+m.cfg.BatchSize, len(pending))
		var g errgroup.Group
		for _, idx := range pending[start:end] {
			date := entries[idx].Date
			g.Go(func() error {
				itemCtx, cancel := context.WithTimeout(ctx, m.cfg.ItemTimeout)
				defer cancel()
				if _, err := m.MaterializeOccurrence(itemCtx, slug, date, actor); err != nil {
					if errors.Is(err, context.DeadlineExceeded) {
						err = errors.Join(ErrBatchItemTimeout, err)
					}
					appLog.Warn("eager materialization item failed", "slug", slug, "date", date, "err", err)
					return nil
				}
				done.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	}

	n := int(done.Load())
	appLog.Info("eager materialization finished", "slug", slug, "materialized", n, "attempted", len(pending))
	return n
}

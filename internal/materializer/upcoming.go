package materializer

import (
	"context"
	"fmt"
	"sort"

	appLog "eventseries/internal/log"
	"eventseries/internal/model"
	"eventseries/internal/recurrence"
)

// GetUpcomingOccurrences lists up to count slots of the series in ascending
// order, merging persisted occurrences with virtual pattern dates. Without
// includePast the listing starts at today's civil day in the series zone,
// otherwise at the anchor. count <= 0 uses the next-occurrence window.
func (m *Materializer) GetUpcomingOccurrences(ctx context.Context, slug string, count int, includePast bool) ([]model.UpcomingEntry, error) {
	s, err := m.loadSeries(ctx, slug)
	if err != nil {
		return nil, err
	}
	return m.upcoming(ctx, s, count, includePast)
}

func (m *Materializer) upcoming(ctx context.Context, s *model.Series, count int, includePast bool) ([]model.UpcomingEntry, error) {
	if count <= 0 {
		count = m.cfg.NextWindow
	}
	count = min(count, m.cfg.MaxGenerate)

	cutoff := s.Anchor
	if !includePast {
		today, err := startOfDay(m.now(), s.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("series %q: %w", s.Slug, err)
		}
		if today.After(cutoff) {
			cutoff = today
		}
	}

	persisted, err := m.occurrences.FindBySeriesFrom(ctx, s.ID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list occurrences of %q: %w", s.Slug, err)
	}

	// Persisted rows may shadow pattern dates, so over-generate by their count.
	limit := min(count+len(persisted), m.cfg.MaxGenerate)
	dates, err := recurrence.GenerateFrom(cutoff, s.Anchor, s.Rule, s.TimeZone, s.Exceptions, limit)
	if err != nil {
		return nil, fmt.Errorf("generate dates for %q: %w", s.Slug, err)
	}

	byDate := make(map[int64]*model.Occurrence, len(persisted))
	for i := range persisted {
		if persisted[i].CanonicalDate == nil {
			continue
		}
		byDate[persisted[i].CanonicalDate.UnixMilli()] = &persisted[i]
	}

	entries := make([]model.UpcomingEntry, 0, len(dates)+len(persisted))
	for _, d := range dates {
		key := d.UnixMilli()
		if o, ok := byDate[key]; ok {
			entries = append(entries, model.UpcomingEntry{Date: d, Materialized: true, Occurrence: o})
			delete(byDate, key)
			continue
		}
		entries = append(entries, model.UpcomingEntry{Date: d})
	}
	// Rows whose date no longer matches the pattern (rule edits, the
	// template of an off-pattern anchor) still belong in the listing.
	for _, o := range byDate {
		entries = append(entries, model.UpcomingEntry{Date: *o.CanonicalDate, Materialized: true, Occurrence: o})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Date.Before(entries[j].Date)
	})
	if len(entries) > count {
		entries = entries[:count]
	}
	return entries, nil
}

// MaterializeNextOccurrence materializes the first virtual slot of the
// next-occurrence window. It returns nil, nil when the whole window is
// already materialized.
func (m *Materializer) MaterializeNextOccurrence(ctx context.Context, slug string, actor string) (*model.Occurrence, error) {
	s, err := m.loadSeries(ctx, slug)
	if err != nil {
		return nil, err
	}
	entries, err := m.upcoming(ctx, s, m.cfg.NextWindow, false)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Materialized {
			continue
		}
		o, err := m.MaterializeOccurrence(ctx, slug, e.Date, actor)
		if err != nil {
			return nil, err
		}
		appLog.Info("next occurrence materialized", "slug", slug, "date", e.Date, "id", o.ID)
		return o, nil
	}
	return nil, nil
}

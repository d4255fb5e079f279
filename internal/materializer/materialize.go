package materializer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	appLog "eventseries/internal/log"
	"eventseries/internal/model"
	"eventseries/internal/recurrence"
	"eventseries/internal/store"

	"golang.org/x/sync/singleflight"
)

// canonical resolves date to the pattern instant on its civil day in the
// series zone.
func canonical(s *model.Series, date time.Time) (time.Time, bool, error) {
	instant, ok, err := recurrence.OccurrenceOn(date, s.Anchor, s.Rule, s.TimeZone, s.Exceptions)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("series %q: %w", s.Slug, err)
	}
	return instant, ok, nil
}

// FindOccurrence looks up the occurrence materialized for date. It returns
// nil, nil when there is none and never creates.
func (m *Materializer) FindOccurrence(ctx context.Context, slug string, date time.Time) (*model.Occurrence, error) {
	s, err := m.loadSeries(ctx, slug)
	if err != nil {
		return nil, err
	}
	key := date
	if instant, ok, err := canonical(s, date); err != nil {
		return nil, err
	} else if ok {
		key = instant
	}
	o, err := m.occurrences.FindBySeriesAndDate(ctx, s.ID, key)
	if err != nil {
		return nil, fmt.Errorf("find occurrence %s@%s: %w", slug, key.Format(time.RFC3339), err)
	}
	return o, nil
}

// GetOrCreateOccurrence returns the occurrence for date, materializing it
// first when needed. Repeated and concurrent calls converge on one record.
func (m *Materializer) GetOrCreateOccurrence(ctx context.Context, slug string, date time.Time, actor string) (*model.Occurrence, error) {
	o, err := m.FindOccurrence(ctx, slug, date)
	if err != nil {
		return nil, err
	}
	if o != nil {
		m.metrics.materializations.WithLabelValues(resultExisting).Inc()
		return o, nil
	}
	return m.MaterializeOccurrence(ctx, slug, date, actor)
}

type flightResult struct {
	occurrence *model.Occurrence
	created    bool
}

// MaterializeOccurrence persists the pattern date as an occurrence cloned
// from the series template. A lost create race resolves to the winner's row.
func (m *Materializer) MaterializeOccurrence(ctx context.Context, slug string, date time.Time, actor string) (*model.Occurrence, error) {
	start := time.Now()
	defer func() { m.metrics.duration.Observe(time.Since(start).Seconds()) }()

	o, err := m.materialize(ctx, slug, date, actor)
	if err != nil {
		m.metrics.materializations.WithLabelValues(resultError).Inc()
		return nil, err
	}
	return o, nil
}

func (m *Materializer) materialize(ctx context.Context, slug string, date time.Time, actor string) (*model.Occurrence, error) {
	s, err := m.loadSeries(ctx, slug)
	if err != nil {
		return nil, err
	}
	instant, ok, err := canonical(s, date)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrDateNotInPattern, slug, date.Format(time.RFC3339))
	}

	key := strconv.FormatInt(s.ID, 10) + "@" + strconv.FormatInt(instant.UnixMilli(), 10)
	// The shared create runs detached from every caller and is bounded by
	// ItemTimeout; each caller stops waiting when its own ctx ends.
	ch := m.flight.DoChan(key, func() (any, error) {
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ItemTimeout)
		defer cancel()
		return m.createOrReuse(workCtx, s, instant, actor)
	})
	var shared singleflight.Result
	select {
	case shared = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("materialize %s@%s: %w", slug, instant.Format(time.RFC3339), ctx.Err())
	}
	if shared.Err != nil {
		return nil, shared.Err
	}
	res := shared.Val.(flightResult)
	if res.created {
		m.metrics.materializations.WithLabelValues(resultCreated).Inc()
	} else {
		m.metrics.materializations.WithLabelValues(resultExisting).Inc()
	}
	return cloneOccurrence(res.occurrence), nil
}

// cloneOccurrence copies o deeply enough that callers sharing one flight
// result can mutate their copy independently.
func cloneOccurrence(o *model.Occurrence) *model.Occurrence {
	cp := *o
	if o.SeriesID != nil {
		id := *o.SeriesID
		cp.SeriesID = &id
	}
	if o.CanonicalDate != nil {
		at := *o.CanonicalDate
		cp.CanonicalDate = &at
	}
	cp.Categories = slices.Clone(o.Categories)
	return &cp
}

func (m *Materializer) createOrReuse(ctx context.Context, s *model.Series, instant time.Time, actor string) (flightResult, error) {
	tpl, err := m.templates.FindTemplateForSeries(ctx, s.Slug)
	if err != nil {
		return flightResult{}, fmt.Errorf("load template for %q: %w", s.Slug, err)
	}
	if tpl == nil {
		return flightResult{}, fmt.Errorf("%w: %s", ErrTemplateMissing, s.Slug)
	}

	seriesID := s.ID
	canonicalDate := instant
	now := m.now().UTC()
	o := &model.Occurrence{
		ULID:            m.newID(now),
		SeriesID:        &seriesID,
		CanonicalDate:   &canonicalDate,
		Materialized:    true,
		StartDate:       instant,
		EndDate:         instant.Add(tpl.Duration()),
		Name:            tpl.Name,
		Description:     tpl.Description,
		Type:            tpl.Type,
		Location:        tpl.Location,
		OnlineLocation:  tpl.OnlineLocation,
		MaxAttendees:    tpl.MaxAttendees,
		RequireApproval: tpl.RequireApproval,
		Categories:      append([]string(nil), tpl.Categories...),
		CreatedBy:       actor,
		UpdatedBy:       actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = m.occurrences.Create(ctx, o)
	if err == nil {
		appLog.Debug("occurrence materialized", "slug", s.Slug, "date", instant, "id", o.ID)
		return flightResult{occurrence: o, created: true}, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return flightResult{}, fmt.Errorf("create occurrence %s@%s: %w", s.Slug, instant.Format(time.RFC3339), err)
	}

	m.metrics.conflicts.Inc()
	existing, err := m.occurrences.FindBySeriesAndDate(ctx, s.ID, instant)
	if err != nil {
		return flightResult{}, fmt.Errorf("re-read occurrence %s@%s: %w", s.Slug, instant.Format(time.RFC3339), err)
	}
	if existing == nil {
		return flightResult{}, fmt.Errorf("occurrence %s@%s conflicted but is not readable", s.Slug, instant.Format(time.RFC3339))
	}
	return flightResult{occurrence: existing}, nil
}

// UpdateFutureOccurrences applies patch to every occurrence of the series
// whose canonical date falls on or after from's civil day in the series
// zone. Rows that fail are logged and skipped; the result counts successes.
func (m *Materializer) UpdateFutureOccurrences(ctx context.Context, slug string, from time.Time, patch model.OccurrencePatch, actor string) (int, error) {
	s, err := m.loadSeries(ctx, slug)
	if err != nil {
		return 0, err
	}
	cutoff, err := startOfDay(from, s.TimeZone)
	if err != nil {
		return 0, fmt.Errorf("series %q: %w", slug, err)
	}
	rows, err := m.occurrences.FindBySeriesFrom(ctx, s.ID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list occurrences of %q: %w", slug, err)
	}

	patch.UpdatedBy = actor
	updated := 0
	for _, o := range rows {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if o.CanonicalDate == nil {
			continue
		}
		same, err := recurrence.IsSameDay(*o.CanonicalDate, from, s.TimeZone)
		if err != nil {
			return updated, err
		}
		if !same && !o.CanonicalDate.After(from) {
			continue
		}
		if _, err := m.occurrences.Update(ctx, o.ID, patch); err != nil {
			m.metrics.futureUpdates.WithLabelValues(resultFailed).Inc()
			appLog.Warn("future occurrence update failed", "slug", slug, "id", o.ID, "date", *o.CanonicalDate, "err", err)
			continue
		}
		m.metrics.futureUpdates.WithLabelValues(resultUpdated).Inc()
		updated++
	}
	appLog.Info("future occurrences updated", "slug", slug, "from", from, "count", updated, "candidates", len(rows))
	return updated, nil
}

// startOfDay returns midnight of t's civil day in timeZone.
func startOfDay(t time.Time, timeZone string) (time.Time, error) {
	loc, err := recurrence.ResolveLocation(timeZone)
	if err != nil {
		return time.Time{}, err
	}
	y, mo, d := t.In(loc).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, loc), nil
}

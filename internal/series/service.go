// Package series implements the series lifecycle: create, update and delete
// of recurring definitions together with their template occurrence.
package series

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appLog "eventseries/internal/log"
	"eventseries/internal/materializer"
	"eventseries/internal/model"
	"eventseries/internal/recurrence"
	"eventseries/internal/store"
)

// ErrPropagationRequired is returned by Update when the caller did not say
// whether materialized occurrences should follow the change.
var ErrPropagationRequired = errors.New("propagation mode is required")

// EagerMode controls the batch materialization that follows Create.
type EagerMode int

const (
	// EagerAsync runs the batch on a detached context after Create returns.
	EagerAsync EagerMode = iota
	EagerSync
	EagerOff
)

const maxSlugAttempts = 50

type Service struct {
	series      store.SeriesStore
	occurrences store.OccurrenceStore
	m           *materializer.Materializer

	eager       EagerMode
	defaultZone string
	now         func() time.Time
	newID       func(time.Time) string

	wg sync.WaitGroup
}

type Option func(*Service)

func WithEagerMode(mode EagerMode) Option {
	return func(s *Service) { s.eager = mode }
}

// WithDefaultTimeZone sets the zone of series created without one.
func WithDefaultTimeZone(tz string) Option {
	return func(s *Service) { s.defaultZone = tz }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(fn func(time.Time) string) Option {
	return func(s *Service) { s.newID = fn }
}

func NewService(series store.SeriesStore, occurrences store.OccurrenceStore, m *materializer.Materializer, opts ...Option) *Service {
	s := &Service{
		series:      series,
		occurrences: occurrences,
		m:           m,
		eager:       EagerAsync,
		defaultZone: "UTC",
		now:         time.Now,
		newID:       model.NewULID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until background eager batches started by Create finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Create validates req, persists the series and its template occurrence,
// then starts eager materialization according to the service's EagerMode.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor string) (*model.Series, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if err := recurrence.Validate(req.Rule); err != nil {
		return nil, err
	}
	zone := req.TimeZone
	if zone == "" {
		zone = s.defaultZone
	}
	loc, err := recurrence.ResolveLocation(zone)
	if err != nil {
		return nil, err
	}
	if _, err := recurrence.ParseExceptions(req.Exceptions, loc); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	anchor := req.StartDate.Truncate(time.Second)
	sr := &model.Series{
		ULID:        s.newID(now),
		Name:        req.Name,
		Description: req.Description,
		TimeZone:    loc.String(),
		Anchor:      anchor,
		Rule:        req.Rule,
		Exceptions:  append([]string(nil), req.Exceptions...),
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	base := req.Slug
	if base == "" {
		base = req.Name
	}
	if err := s.insertWithUniqueSlug(ctx, sr, slugify(base)); err != nil {
		return nil, err
	}

	at := anchor
	tpl := &model.Occurrence{
		ULID:            s.newID(now),
		SeriesID:        &sr.ID,
		CanonicalDate:   &at,
		Materialized:    true,
		StartDate:       anchor,
		EndDate:         anchor.Add(req.EndDate.Sub(req.StartDate)),
		Name:            req.Name,
		Description:     req.Description,
		Type:            req.Type,
		Location:        req.Location,
		OnlineLocation:  req.OnlineLocation,
		MaxAttendees:    req.MaxAttendees,
		RequireApproval: req.RequireApproval,
		Categories:      append([]string(nil), req.Categories...),
		CreatedBy:       actor,
		UpdatedBy:       actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.occurrences.Create(ctx, tpl); err != nil {
		s.rollbackCreate(sr, 0)
		return nil, fmt.Errorf("create template occurrence for %q: %w", sr.Slug, err)
	}
	sr.TemplateOccurrenceID = &tpl.ID
	if err := s.series.Update(ctx, sr); err != nil {
		s.rollbackCreate(sr, tpl.ID)
		return nil, fmt.Errorf("link template of %q: %w", sr.Slug, err)
	}
	appLog.Info("series created", "slug", sr.Slug, "rule", recurrence.DescribePattern(sr.Rule), "zone", sr.TimeZone, "actor", actor)

	s.startEager(ctx, sr.Slug, actor)
	return sr, nil
}

func (s *Service) insertWithUniqueSlug(ctx context.Context, sr *model.Series, base string) error {
	for n := 1; n <= maxSlugAttempts; n++ {
		candidate := withSuffix(base, n)
		existing, err := s.series.FindBySlug(ctx, candidate)
		if err != nil {
			return fmt.Errorf("check slug %q: %w", candidate, err)
		}
		if existing != nil {
			continue
		}
		sr.Slug = candidate
		err = s.series.Create(ctx, sr)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("no free slug for %q after %d attempts: %w", base, maxSlugAttempts, store.ErrConflict)
}

// rollbackCreate removes a half-created series and its template row.
func (s *Service) rollbackCreate(sr *model.Series, templateID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if templateID != 0 {
		if err := s.occurrences.Delete(ctx, templateID); err != nil {
			appLog.Error("rollback of template occurrence failed", err, "slug", sr.Slug, "id", templateID)
		}
	}
	if err := s.series.Delete(ctx, sr.ID); err != nil {
		appLog.Error("rollback of series create failed", err, "slug", sr.Slug)
	}
}

func (s *Service) startEager(ctx context.Context, slug, actor string) {
	switch s.eager {
	case EagerOff:
		return
	case EagerSync:
		s.m.MaterializeInitial(ctx, slug, actor)
	default:
		detached := context.WithoutCancel(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.m.MaterializeInitial(detached, slug, actor)
		}()
	}
}

func (s *Service) Get(ctx context.Context, slug string) (*model.Series, error) {
	sr, err := s.series.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("load series %q: %w", slug, err)
	}
	if sr == nil {
		return nil, fmt.Errorf("%w: %s", materializer.ErrSeriesNotFound, slug)
	}
	return sr, nil
}

func (s *Service) List(ctx context.Context) ([]model.Series, error) {
	return s.series.List(ctx)
}

// Update applies req to the series. With PropagateFuture the content fields
// are also written to every occurrence on or after PropagateFrom (default
// now); the returned count is how many of those were updated. The template
// is always kept in sync so later materializations pick up the change.
func (s *Service) Update(ctx context.Context, slug string, req UpdateRequest, actor string) (*model.Series, int, error) {
	if req.Propagation != PropagateFuture && req.Propagation != PropagateNone {
		return nil, 0, ErrPropagationRequired
	}
	if err := validateStruct(req); err != nil {
		return nil, 0, err
	}
	sr, err := s.Get(ctx, slug)
	if err != nil {
		return nil, 0, err
	}

	if req.Name != nil {
		sr.Name = *req.Name
	}
	if req.Description != nil {
		sr.Description = *req.Description
	}
	if req.Rule != nil {
		if err := recurrence.Validate(*req.Rule); err != nil {
			return nil, 0, err
		}
		sr.Rule = *req.Rule
	}
	if req.TimeZone != nil {
		loc, err := recurrence.ResolveLocation(*req.TimeZone)
		if err != nil {
			return nil, 0, err
		}
		sr.TimeZone = loc.String()
	}
	if req.Exceptions != nil {
		sr.Exceptions = append([]string(nil), (*req.Exceptions)...)
	}
	loc, err := recurrence.ResolveLocation(sr.TimeZone)
	if err != nil {
		return nil, 0, err
	}
	if _, err := recurrence.ParseExceptions(sr.Exceptions, loc); err != nil {
		return nil, 0, err
	}
	if err := s.series.Update(ctx, sr); err != nil {
		return nil, 0, err
	}

	patch := req.occurrencePatch()
	if patch.IsEmpty() {
		appLog.Info("series updated", "slug", slug, "actor", actor)
		return sr, 0, nil
	}
	patch.UpdatedBy = actor

	from := s.now()
	if req.PropagateFrom != nil {
		from = *req.PropagateFrom
	}
	updated := 0
	templateCovered := false
	if req.Propagation == PropagateFuture {
		updated, err = s.m.UpdateFutureOccurrences(ctx, slug, from, patch, actor)
		if err != nil {
			return sr, updated, err
		}
		templateCovered, err = s.templateOnOrAfter(sr, from)
		if err != nil {
			return sr, updated, err
		}
	}
	if !templateCovered && sr.TemplateOccurrenceID != nil {
		if _, err := s.occurrences.Update(ctx, *sr.TemplateOccurrenceID, patch); err != nil {
			return sr, updated, fmt.Errorf("update template of %q: %w", slug, err)
		}
	}
	appLog.Info("series updated", "slug", slug, "propagation", req.Propagation, "occurrences", updated, "actor", actor)
	return sr, updated, nil
}

// templateOnOrAfter reports whether the template sits in the propagated range.
func (s *Service) templateOnOrAfter(sr *model.Series, from time.Time) (bool, error) {
	if sr.TemplateOccurrenceID == nil {
		return false, nil
	}
	same, err := recurrence.IsSameDay(sr.Anchor, from, sr.TimeZone)
	if err != nil {
		return false, err
	}
	return same || sr.Anchor.After(from), nil
}

// Delete removes the series. Its occurrences are deleted when
// deleteOccurrences is set and detached as standalone events otherwise.
func (s *Service) Delete(ctx context.Context, slug, actor string, deleteOccurrences bool) error {
	sr, err := s.Get(ctx, slug)
	if err != nil {
		return err
	}
	rows, err := s.occurrences.FindBySeriesFrom(ctx, sr.ID, time.Time{})
	if err != nil {
		return fmt.Errorf("list occurrences of %q: %w", slug, err)
	}
	for _, o := range rows {
		if deleteOccurrences {
			err = s.occurrences.Delete(ctx, o.ID)
		} else {
			err = s.occurrences.DetachFromSeries(ctx, o.ID)
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("release occurrence %d of %q: %w", o.ID, slug, err)
		}
	}
	if err := s.series.Delete(ctx, sr.ID); err != nil {
		return fmt.Errorf("delete series %q: %w", slug, err)
	}
	appLog.Info("series deleted", "slug", slug, "occurrences", len(rows), "deleted", deleteOccurrences, "actor", actor)
	return nil
}

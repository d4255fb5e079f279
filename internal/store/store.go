// Package store declares the persistence collaborators the engine depends on.
package store

import (
	"context"
	"errors"
	"time"

	"eventseries/internal/model"
)

var (
	// ErrNotFound is returned by lookups and updates that address a missing row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint,
	// for example a second occurrence for the same series and canonical date.
	ErrConflict = errors.New("conflict")
)

type SeriesStore interface {
	// FindBySlug returns nil, nil when no series has the slug.
	FindBySlug(ctx context.Context, slug string) (*model.Series, error)
	Create(ctx context.Context, s *model.Series) error
	Update(ctx context.Context, s *model.Series) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]model.Series, error)
}

type TemplateLookup interface {
	// FindTemplateForSeries returns nil, nil when the series has no usable template.
	FindTemplateForSeries(ctx context.Context, seriesSlug string) (*model.Template, error)
}

type OccurrenceStore interface {
	Get(ctx context.Context, id int64) (*model.Occurrence, error)
	// FindBySeriesAndDate returns nil, nil when nothing is materialized at date.
	FindBySeriesAndDate(ctx context.Context, seriesID int64, date time.Time) (*model.Occurrence, error)
	// Create fails with ErrConflict when (SeriesID, CanonicalDate) is taken.
	Create(ctx context.Context, o *model.Occurrence) error
	// FindBySeriesFrom lists occurrences with CanonicalDate >= from in ascending order.
	FindBySeriesFrom(ctx context.Context, seriesID int64, from time.Time) ([]model.Occurrence, error)
	Update(ctx context.Context, id int64, patch model.OccurrencePatch) (*model.Occurrence, error)
	Delete(ctx context.Context, id int64) error
	DetachFromSeries(ctx context.Context, id int64) error
}

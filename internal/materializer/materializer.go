// Package materializer turns pattern dates of a series into persisted,
// independently editable occurrences.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventseries/internal/model"
	"eventseries/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	ErrSeriesNotFound   = errors.New("series not found")
	ErrTemplateMissing  = errors.New("series has no template occurrence")
	ErrDateNotInPattern = errors.New("date is not in the recurrence pattern")
	// ErrBatchItemTimeout is only logged; eager batches never return it.
	ErrBatchItemTimeout = errors.New("batch item timed out")
)

// Config holds the generation caps. Zero fields take the defaults.
type Config struct {
	EagerCount  int
	BatchSize   int
	ItemTimeout time.Duration
	NextWindow  int
	MaxGenerate int
}

func DefaultConfig() Config {
	return Config{
		EagerCount:  5,
		BatchSize:   2,
		ItemTimeout: 5 * time.Second,
		NextWindow:  5,
		MaxGenerate: 500,
	}
}

// Normalize fills zero or negative fields from DefaultConfig.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.EagerCount <= 0 {
		c.EagerCount = def.EagerCount
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = def.ItemTimeout
	}
	if c.NextWindow <= 0 {
		c.NextWindow = def.NextWindow
	}
	if c.MaxGenerate <= 0 {
		c.MaxGenerate = def.MaxGenerate
	}
	return c
}

type Materializer struct {
	series      store.SeriesStore
	templates   store.TemplateLookup
	occurrences store.OccurrenceStore
	cfg         Config

	now     func() time.Time
	newID   func(time.Time) string
	flight  singleflight.Group
	metrics *metrics
}

type Option func(*Materializer)

// WithRegisterer registers the materializer's collectors on reg. Without it
// they go to a private registry that nothing scrapes.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Materializer) {
		m.metrics = newMetrics(reg)
	}
}

// WithClock overrides time.Now, which decides "today" for upcoming listings.
func WithClock(now func() time.Time) Option {
	return func(m *Materializer) {
		m.now = now
	}
}

func WithIDGenerator(fn func(time.Time) string) Option {
	return func(m *Materializer) {
		m.newID = fn
	}
}

func New(series store.SeriesStore, templates store.TemplateLookup, occurrences store.OccurrenceStore, cfg Config, opts ...Option) *Materializer {
	m := &Materializer{
		series:      series,
		templates:   templates,
		occurrences: occurrences,
		cfg:         cfg.Normalize(),
		now:         time.Now,
		newID:       model.NewULID,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = newMetrics(prometheus.NewRegistry())
	}
	return m
}

func (m *Materializer) Config() Config {
	return m.cfg
}

func (m *Materializer) loadSeries(ctx context.Context, slug string) (*model.Series, error) {
	s, err := m.series.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("load series %q: %w", slug, err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSeriesNotFound, slug)
	}
	return s, nil
}

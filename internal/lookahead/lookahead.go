// Package lookahead keeps the next occurrence of every series materialized
// ahead of time on a cron schedule.
package lookahead

import (
	"context"
	"fmt"
	"sync"

	appLog "eventseries/internal/log"
	"eventseries/internal/model"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs at the top of every hour.
const DefaultSchedule = "0 * * * *"

// Actor is recorded as the creator of occurrences made by the job.
const Actor = "system:lookahead"

type SeriesLister interface {
	List(ctx context.Context) ([]model.Series, error)
}

type NextMaterializer interface {
	MaterializeNextOccurrence(ctx context.Context, slug string, actor string) (*model.Occurrence, error)
}

// Result summarizes one pass over all series.
type Result struct {
	Series       int
	Materialized int
	Failed       int
}

type Job struct {
	lister SeriesLister
	next   NextMaterializer
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
}

// New validates schedule (standard five-field cron syntax or a descriptor
// such as "@hourly") and registers the job. Start begins ticking.
func New(lister SeriesLister, next NextMaterializer, schedule string) (*Job, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	j := &Job{
		lister: lister,
		next:   next,
		cron:   cron.New(),
	}
	if _, err := j.cron.AddFunc(schedule, j.tick); err != nil {
		return nil, fmt.Errorf("lookahead schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Job) Start() {
	j.cron.Start()
	appLog.Info("lookahead job started", "entries", len(j.cron.Entries()))
}

// Stop halts the schedule and waits for a running pass to finish or ctx
// to expire.
func (j *Job) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		appLog.Warn("lookahead job stop timed out")
	}
}

func (j *Job) tick() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		appLog.Warn("lookahead pass still running, tick skipped")
		return
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	if _, err := j.RunOnce(context.Background()); err != nil {
		appLog.Error("lookahead pass failed", err)
	}
}

// RunOnce materializes the next virtual occurrence of every series. Per
// series failures are logged and counted; only a failed listing is returned.
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	all, err := j.lister.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list series: %w", err)
	}

	res := Result{Series: len(all)}
	for _, s := range all {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		o, err := j.next.MaterializeNextOccurrence(ctx, s.Slug, Actor)
		if err != nil {
			res.Failed++
			appLog.Error("lookahead materialization failed", err, "slug", s.Slug)
			continue
		}
		if o != nil {
			res.Materialized++
		}
	}
	appLog.Info("lookahead pass finished", "series", res.Series, "materialized", res.Materialized, "failed", res.Failed)
	return res, nil
}

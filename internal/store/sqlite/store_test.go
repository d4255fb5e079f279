package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eventseries/internal/model"
	"eventseries/internal/recurrence"
	"eventseries/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "eventseries.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSeries(t *testing.T, s *Store, slug string) *model.Series {
	t.Helper()
	sr := &model.Series{
		ULID:     "01HSERIES" + slug,
		Slug:     slug,
		Name:     "Chess Club",
		TimeZone: "America/New_York",
		Anchor:   time.Date(2025, 10, 1, 22, 0, 0, 0, time.UTC),
		Rule: recurrence.Rule{
			Frequency: recurrence.Weekly,
			ByWeekday: []recurrence.Weekday{recurrence.Monday, recurrence.Wednesday},
		},
		Exceptions: []string{"2025-10-13"},
		CreatedBy:  "alice",
	}
	require.NoError(t, s.Series().Create(context.Background(), sr))
	return sr
}

func occurrenceAt(seriesID int64, at time.Time, ulid string) *model.Occurrence {
	return &model.Occurrence{
		ULID:          ulid,
		SeriesID:      &seriesID,
		CanonicalDate: &at,
		Materialized:  true,
		StartDate:     at,
		EndDate:       at.Add(2 * time.Hour),
		Name:          "Chess Club",
		Type:          model.TypeInPerson,
		Location:      "Library",
		Categories:    []string{"games"},
		CreatedBy:     "alice",
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestSeriesRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()
	sr := seedSeries(t, s, "chess-club")
	require.NotZero(t, sr.ID)

	got, err := s.Series().FindBySlug(ctx, "chess-club")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sr.ID, got.ID)
	assert.Equal(t, "America/New_York", got.TimeZone)
	assert.True(t, sr.Anchor.Equal(got.Anchor))
	assert.Equal(t, sr.Rule, got.Rule)
	assert.Equal(t, []string{"2025-10-13"}, got.Exceptions)
	assert.Nil(t, got.TemplateOccurrenceID)

	missing, err := s.Series().FindBySlug(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	got.Name = "Chess Night"
	got.Rule.Interval = new(2)
	require.NoError(t, s.Series().Update(ctx, got))
	again, err := s.Series().FindBySlug(ctx, "chess-club")
	require.NoError(t, err)
	assert.Equal(t, "Chess Night", again.Name)
	require.NotNil(t, again.Rule.Interval)
	assert.Equal(t, 2, *again.Rule.Interval)

	list, err := s.Series().List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSeriesDuplicateSlugConflicts(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	seedSeries(t, s, "dup")
	err := s.Series().Create(context.Background(), &model.Series{
		ULID: "other", Slug: "dup", Name: "x", Anchor: time.Now(),
		Rule: recurrence.Rule{Frequency: recurrence.Daily},
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestSeriesUpdateAndDeleteMissing(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()
	err := s.Series().Update(ctx, &model.Series{ID: 42, Slug: "ghost", Rule: recurrence.Rule{Frequency: recurrence.Daily}})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Series().Delete(ctx, 42), store.ErrNotFound)
}

func TestFindTemplateForSeries(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()
	sr := seedSeries(t, s, "tpl")

	tpl, err := s.Series().FindTemplateForSeries(ctx, "tpl")
	require.NoError(t, err)
	assert.Nil(t, tpl, "no template linked yet")

	o := occurrenceAt(sr.ID, sr.Anchor, "01HTEMPLATE")
	require.NoError(t, s.Occurrences().Create(ctx, o))
	sr.TemplateOccurrenceID = &o.ID
	require.NoError(t, s.Series().Update(ctx, sr))

	tpl, err = s.Series().FindTemplateForSeries(ctx, "tpl")
	require.NoError(t, err)
	require.NotNil(t, tpl)
	assert.Equal(t, "Library", tpl.Location)
	assert.Equal(t, 2*time.Hour, tpl.Duration())
	assert.Equal(t, []string{"games"}, tpl.Categories)
}

func TestOccurrenceCreateFindAndConflict(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()
	sr := seedSeries(t, s, "occ")
	at := time.Date(2025, 10, 6, 22, 0, 0, 0, time.UTC)

	first := occurrenceAt(sr.ID, at, "01HA")
	require.NoError(t, s.Occurrences().Create(ctx, first))

	err := s.Occurrences().Create(ctx, occurrenceAt(sr.ID, at, "01HB"))
	assert.ErrorIs(t, err, store.ErrConflict)

	found, err := s.Occurrences().FindBySeriesAndDate(ctx, sr.ID, at)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
	assert.True(t, found.Materialized)
	assert.Equal(t, model.TypeInPerson, found.Type)

	none, err := s.Occurrences().FindBySeriesAndDate(ctx, sr.ID, at.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestOccurrenceConcurrentCreateKeepsOneRow(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()
	sr := seedSeries(t, s, "race")
	at := time.Date(2025, 10, 8, 22, 0, 0, 0, time.UTC)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Occurrences().Create(ctx, occurrenceAt(sr.ID, at, "01HRACE"+string(rune('A'+i))))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, conflicts)
}

func TestFindBySeriesFromOrdersAscending(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()
	sr := seedSeries(t, s, "order")
	base := time.Date(2025, 10, 1, 22, 0, 0, 0, time.UTC)
	for i, offset := range []int{14, 0, 7} {
		at := base.AddDate(0, 0, offset)
		require.NoError(t, s.Occurrences().Create(ctx, occurrenceAt(sr.ID, at, "01HORD"+string(rune('A'+i)))))
	}

	got, err := s.Occurrences().FindBySeriesFrom(ctx, sr.ID, base.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].CanonicalDate.Equal(base.AddDate(0, 0, 7)))
	assert.True(t, got[1].CanonicalDate.Equal(base.AddDate(0, 0, 14)))
}

func TestOccurrenceUpdateDetachDelete(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()
	sr := seedSeries(t, s, "edit")
	o := occurrenceAt(sr.ID, sr.Anchor, "01HEDIT")
	require.NoError(t, s.Occurrences().Create(ctx, o))

	loc := "Community Hall"
	updated, err := s.Occurrences().Update(ctx, o.ID, model.OccurrencePatch{Location: &loc, UpdatedBy: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "Community Hall", updated.Location)
	assert.Equal(t, "bob", updated.UpdatedBy)
	assert.Equal(t, "Chess Club", updated.Name)

	require.NoError(t, s.Occurrences().DetachFromSeries(ctx, o.ID))
	got, err := s.Occurrences().Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SeriesID)
	require.NotNil(t, got.CanonicalDate)

	require.NoError(t, s.Occurrences().Delete(ctx, o.ID))
	_, err = s.Occurrences().Get(ctx, o.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Occurrences().Update(ctx, o.ID, model.OccurrencePatch{Location: &loc})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeletingSeriesNullsOccurrenceLink(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()
	sr := seedSeries(t, s, "gone")
	o := occurrenceAt(sr.ID, sr.Anchor, "01HGONE")
	require.NoError(t, s.Occurrences().Create(ctx, o))

	require.NoError(t, s.Series().Delete(ctx, sr.ID))
	got, err := s.Occurrences().Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SeriesID)
}

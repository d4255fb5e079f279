package lookahead

import (
	"context"
	"errors"
	"testing"

	"eventseries/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	listFn func(ctx context.Context) ([]model.Series, error)
}

func (f fakeLister) List(ctx context.Context) ([]model.Series, error) {
	return f.listFn(ctx)
}

type fakeNext struct {
	nextFn func(ctx context.Context, slug, actor string) (*model.Occurrence, error)
}

func (f fakeNext) MaterializeNextOccurrence(ctx context.Context, slug, actor string) (*model.Occurrence, error) {
	return f.nextFn(ctx, slug, actor)
}

func listOf(slugs ...string) fakeLister {
	return fakeLister{listFn: func(context.Context) ([]model.Series, error) {
		out := make([]model.Series, 0, len(slugs))
		for _, s := range slugs {
			out = append(out, model.Series{Slug: s})
		}
		return out, nil
	}}
}

func TestRunOnce_CountsOutcomes(t *testing.T) {
	var actors []string
	next := fakeNext{nextFn: func(_ context.Context, slug, actor string) (*model.Occurrence, error) {
		actors = append(actors, actor)
		switch slug {
		case "full":
			return nil, nil
		case "broken":
			return nil, errors.New("template missing")
		default:
			return &model.Occurrence{ID: 7}, nil
		}
	}}
	j, err := New(listOf("chess", "full", "broken", "book"), next, "")
	require.NoError(t, err)

	res, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Series: 4, Materialized: 2, Failed: 1}, res)
	for _, a := range actors {
		assert.Equal(t, Actor, a)
	}
}

func TestRunOnce_ListFailure(t *testing.T) {
	lister := fakeLister{listFn: func(context.Context) ([]model.Series, error) {
		return nil, errors.New("db closed")
	}}
	j, err := New(lister, fakeNext{}, "@hourly")
	require.NoError(t, err)
	_, err = j.RunOnce(context.Background())
	assert.ErrorContains(t, err, "db closed")
}

func TestRunOnce_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	next := fakeNext{nextFn: func(context.Context, string, string) (*model.Occurrence, error) {
		calls++
		cancel()
		return nil, nil
	}}
	j, err := New(listOf("a", "b", "c"), next, "")
	require.NoError(t, err)
	_, err = j.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(listOf(), fakeNext{}, "every tuesday")
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	j, err := New(listOf(), fakeNext{}, "@every 1h")
	require.NoError(t, err)
	j.Start()
	j.Stop(context.Background())
}

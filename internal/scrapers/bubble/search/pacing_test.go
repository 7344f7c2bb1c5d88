package search

import (
	"context"
	"omoharvest-backend/internal/components/telemetry"
	"omoharvest-backend/internal/scrapers/bubble/cipher"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testPageDelay = 7 * time.Millisecond
	testDayDelay  = 3 * time.Millisecond
)

type sleepRecorder struct {
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func newPacedEngine() (Engine, *sleepRecorder) {
	engine := NewEngine(Options{
		Mode:   cipher.Strict,
		Pacing: Pacing{PageDelay: testPageDelay, DayDelay: testDayDelay},
	}, &telemetry.RecordingAPI{})
	recorder := &sleepRecorder{}
	engine.sleep = recorder.sleep
	return engine, recorder
}

func TestPaginateWaitsBetweenPages(t *testing.T) {
	table := []struct {
		total int
		waits int
	}{
		{total: 0, waits: 0},
		{total: 7, waits: 0},
		{total: 25, waits: 2},
		{total: 40, waits: 3},
	}

	for _, row := range table {
		engine, recorder := newPacedEngine()
		upstream := newFakeSearch(t, row.total)

		_, err := engine.Paginate(context.Background(), upstream, newTemplate(t, searchesPayload), testAppName, 0)
		require.NoError(t, err)
		require.Len(t, recorder.waits, row.waits, "%d hits", row.total)
		for _, wait := range recorder.waits {
			require.Equal(t, testPageDelay, wait)
		}
	}
}

func TestPaginateNoWaitAfterMaxPages(t *testing.T) {
	engine, recorder := newPacedEngine()
	upstream := newFakeSearch(t, 100)

	pages, err := engine.Paginate(context.Background(), upstream, newTemplate(t, searchesPayload), testAppName, 2)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, []time.Duration{testPageDelay}, recorder.waits)
}

func TestFetchByDayWaitsBetweenDays(t *testing.T) {
	engine, recorder := newPacedEngine()
	upstream := newFakeSearch(t, 0)
	perDay := map[int64]int{
		1704067200000: 5,
		1704153600000: 3,
		1704240000000: 12,
	}
	upstream.available = func(def *Definition) int {
		return perDay[windowStart(t, def)]
	}

	from, _ := ParseDate("2024-01-01", time.UTC)
	to, _ := ParseDate("2024-01-03", time.UTC)
	buckets, err := engine.FetchByDay(context.Background(), upstream, newTemplate(t, searchesPayload), testAppName, from, to, 0)
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	// a wait after each of the first two days, one between the two pages of
	// the last day, nothing after the last day
	require.Equal(t, []time.Duration{testDayDelay, testDayDelay, testPageDelay}, recorder.waits)
}

func TestPaginateStopsWhenWaitIsCancelled(t *testing.T) {
	engine, _ := newPacedEngine()
	ctx, cancel := context.WithCancel(context.Background())
	engine.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	upstream := newFakeSearch(t, 30)

	pages, err := engine.Paginate(ctx, upstream, newTemplate(t, searchesPayload), testAppName, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, pages, 1)
	require.Len(t, upstream.calls, 1)
}

func TestPaginatePacingTakesTime(t *testing.T) {
	delay := 20 * time.Millisecond
	engine := NewEngine(Options{
		Mode:   cipher.Strict,
		Pacing: Pacing{PageDelay: delay},
	}, &telemetry.RecordingAPI{})
	upstream := newFakeSearch(t, 25)

	start := time.Now()
	pages, err := engine.Paginate(context.Background(), upstream, newTemplate(t, searchesPayload), testAppName, 0)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	require.GreaterOrEqual(t, time.Since(start), 2*delay)
}

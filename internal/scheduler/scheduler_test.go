package scheduler

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ist = time.FixedZone("IST", int(5.5*3600))

func newTestScheduler(t *testing.T) (*Scheduler, *time.Time) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	now := time.Date(2026, 8, 28, 9, 0, 0, 0, ist)
	s := New(ist, logger)
	s.clock = func() time.Time { return now }
	return s, &now
}

func TestEventsFireOncePerDay(t *testing.T) {
	s, now := newTestScheduler(t)
	fired := 0
	require.NoError(t, s.AddEvent("market_open", "09:15", func(context.Context) error {
		fired++
		return nil
	}))

	ctx := context.Background()
	s.poll(ctx)
	assert.Zero(t, fired, "not due yet")

	*now = time.Date(2026, 8, 28, 9, 15, 0, 0, ist)
	s.poll(ctx)
	assert.Equal(t, 1, fired)

	*now = now.Add(5 * time.Second)
	s.poll(ctx)
	*now = now.Add(time.Hour)
	s.poll(ctx)
	assert.Equal(t, 1, fired, "an event never fires twice on the same day")
}

func TestLateStartCatchesUpInOrder(t *testing.T) {
	s, now := newTestScheduler(t)
	var order []string
	record := func(name string) Handler {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	// Registered out of timetable order on purpose.
	require.NoError(t, s.AddEvent("strategy_start", "09:20", record("strategy_start")))
	require.NoError(t, s.AddEvent("market_open", "09:15", record("market_open")))
	require.NoError(t, s.AddEvent("no_new_trades", "14:45", record("no_new_trades")))

	// Process starts at 09:30: both morning events are overdue.
	*now = time.Date(2026, 8, 28, 9, 30, 0, 0, ist)
	s.poll(context.Background())

	assert.Equal(t, []string{"market_open", "strategy_start"}, order,
		"overdue events fire immediately, in timetable order")
}

func TestMidnightRolloverRearms(t *testing.T) {
	s, now := newTestScheduler(t)
	fired := 0
	require.NoError(t, s.AddEvent("eod_report", "15:20", func(context.Context) error {
		fired++
		return nil
	}))

	ctx := context.Background()
	*now = time.Date(2026, 8, 28, 15, 20, 0, 0, ist)
	s.poll(ctx)
	s.poll(ctx)
	assert.Equal(t, 1, fired)

	*now = time.Date(2026, 8, 29, 15, 20, 0, 0, ist)
	s.poll(ctx)
	assert.Equal(t, 2, fired, "a new calendar day re-arms every event")
}

func TestFailingHandlerStillCountsAsFired(t *testing.T) {
	s, now := newTestScheduler(t)
	fired := 0
	require.NoError(t, s.AddEvent("force_close", "15:10", func(context.Context) error {
		fired++
		return errors.New("gateway down")
	}))

	ctx := context.Background()
	*now = time.Date(2026, 8, 28, 15, 10, 0, 0, ist)
	s.poll(ctx)
	s.poll(ctx)
	assert.Equal(t, 1, fired, "a failing handler must not retrigger all day")
}

func TestDuplicateEventNameRejected(t *testing.T) {
	s, _ := newTestScheduler(t)
	require.NoError(t, s.AddEvent("market_open", "09:15", func(context.Context) error { return nil }))
	assert.Error(t, s.AddEvent("market_open", "09:16", func(context.Context) error { return nil }))
}

func TestInvalidTimeRejected(t *testing.T) {
	s, _ := newTestScheduler(t)
	assert.Error(t, s.AddEvent("bad", "25:99", func(context.Context) error { return nil }))
}

func TestMonitorRunsOnlyInsideWindow(t *testing.T) {
	s, now := newTestScheduler(t)
	ticks := 0
	require.NoError(t, s.SetMonitor("09:15", "15:10", 30*time.Second, func(context.Context) error {
		ticks++
		return nil
	}))

	ctx := context.Background()
	*now = time.Date(2026, 8, 28, 9, 14, 0, 0, ist)
	s.poll(ctx)
	assert.Zero(t, ticks, "before the window")

	*now = time.Date(2026, 8, 28, 9, 16, 0, 0, ist)
	s.poll(ctx)
	assert.Equal(t, 1, ticks)

	*now = now.Add(5 * time.Second)
	s.poll(ctx)
	assert.Equal(t, 1, ticks, "interval has not elapsed")

	*now = now.Add(30 * time.Second)
	s.poll(ctx)
	assert.Equal(t, 2, ticks)

	*now = time.Date(2026, 8, 28, 15, 10, 0, 0, ist)
	s.poll(ctx)
	assert.Equal(t, 2, ticks, "window end is exclusive")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

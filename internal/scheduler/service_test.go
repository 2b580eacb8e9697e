package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wikibot/internal/eventbus"
	logx "wikibot/pkg/logx"
)

func TestAddScheduleValidates(t *testing.T) {
	s := New(Options{}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.AddSchedule("bad", "61 * * * *", noop))
	assert.Error(t, s.AddSchedule("", "5m", noop))
	assert.Error(t, s.AddSchedule("nil", "5m", nil))
	require.NoError(t, s.AddSchedule("ok", "*/5 * * * *", noop))
	require.NoError(t, s.AddSchedule("ok", "10m", noop), "same name upserts")

	snap := s.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "@every 10m0s", snap.Entries[0].Spec)
	assert.False(t, snap.Running)
}

func TestFailuresAreCountedNotPropagated(t *testing.T) {
	bus := eventbus.New()
	fired, unsub := bus.Subscribe(32, eventbus.SchedulerFired)
	defer unsub()

	s := New(Options{}, logx.Nop(), bus)
	var good, bad atomic.Int32
	require.NoError(t, s.AddSchedule("good", "@every 1s", func(context.Context) error {
		good.Add(1)
		return nil
	}))
	require.NoError(t, s.AddSchedule("bad", "@every 1s", func(context.Context) error {
		bad.Add(1)
		return errors.New("backend down")
	}))
	require.NoError(t, s.AddSchedule("panicky", "@every 1s", func(context.Context) error {
		panic("oops")
	}))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return good.Load() >= 2 && bad.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	snap := s.Snapshot()
	byName := map[string]EntryInfo{}
	for _, e := range snap.Entries {
		byName[e.Name] = e
	}
	assert.Zero(t, byName["good"].Failures)
	assert.GreaterOrEqual(t, byName["bad"].Failures, uint64(2))
	assert.Equal(t, "backend down", byName["bad"].LastErr)
	assert.GreaterOrEqual(t, byName["panicky"].Failures, uint64(1))

	var sawErr bool
	for len(fired) > 0 {
		ev := <-fired
		if ev.Data.(FireEvent).Err != "" {
			sawErr = true
		}
	}
	assert.True(t, sawErr)
}

func TestNoFireAfterShutdown(t *testing.T) {
	s := New(Options{}, logx.Nop(), nil)
	var n atomic.Int32
	require.NoError(t, s.AddSchedule("tick", "@every 1s", func(context.Context) error {
		n.Add(1)
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return n.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	after := n.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, after, n.Load())

	assert.ErrorIs(t, s.AddSchedule("late", "5m", func(context.Context) error { return nil }), ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
}

func TestOverlappingFireIsSkipped(t *testing.T) {
	s := New(Options{}, logx.Nop(), nil)
	release := make(chan struct{})
	var n atomic.Int32
	require.NoError(t, s.AddSchedule("slow", "@every 1s", func(context.Context) error {
		n.Add(1)
		<-release
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		for _, e := range s.Snapshot().Entries {
			if e.Skipped > 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
	assert.EqualValues(t, 1, n.Load())

	close(release)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestSnapshotReportsNextFire(t *testing.T) {
	s := New(Options{Timezone: "UTC"}, logx.Nop(), nil)
	require.NoError(t, s.AddSchedule("hourly", "@hourly", func(context.Context) error { return nil }))
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap.Entries) == 1 && !snap.Entries[0].Next.IsZero()
	}, time.Second, 10*time.Millisecond)
	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	assert.Equal(t, "cron", snap.Entries[0].Kind)
}

package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wikibot/internal/apiclient"
	"wikibot/internal/eventbus"
	logx "wikibot/pkg/logx"
)

type testHost struct{ bus eventbus.Bus }

func (h testHost) Client() *apiclient.Client { return nil }
func (h testHost) Logger() logx.Logger       { return logx.Nop() }
func (h testHost) Events() eventbus.Bus      { return h.bus }

func newHost() (testHost, <-chan eventbus.Event) {
	bus := eventbus.New()
	ch, _ := bus.Subscribe(32, "bot.")
	return testHost{bus: bus}, ch
}

type lifecycleUnit struct {
	inits    atomic.Int32
	execs    atomic.Int32
	cleanups atomic.Int32
	block    chan struct{}
}

func (u *lifecycleUnit) Initialize(context.Context, *Context) error {
	u.inits.Add(1)
	return nil
}

func (u *lifecycleUnit) Execute(ctx context.Context, bc *Context) (Result, error) {
	u.execs.Add(1)
	if u.block != nil {
		select {
		case <-u.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return Result{"echo": bc.Param("msg", "none")}, nil
}

func (u *lifecycleUnit) Cleanup(context.Context) error {
	u.cleanups.Add(1)
	return nil
}

func drain(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestDescriptorValidate(t *testing.T) {
	assert.Error(t, Descriptor{Kind: KindFunc}.Validate())
	assert.Error(t, Descriptor{Name: "x", Kind: KindFunc}.Validate())
	assert.Error(t, Descriptor{Name: "x", Kind: KindConstructor}.Validate())
	assert.Error(t, Descriptor{Name: "x", Kind: Kind(42)}.Validate())
	assert.NoError(t, Object("x", &lifecycleUnit{}).Validate())
	assert.Equal(t, "constructor", KindConstructor.String())
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestStartRunsInitializeThenExecute(t *testing.T) {
	host, events := newHost()
	u := &lifecycleUnit{}
	h, err := NewHandle(Object("echo", u), host)
	require.NoError(t, err)

	res, err := h.Start(context.Background(), map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res["echo"])
	assert.EqualValues(t, 1, u.inits.Load())
	assert.EqualValues(t, 1, u.execs.Load())
	assert.Zero(t, u.cleanups.Load(), "cleanup belongs to Stop")

	st := h.Snapshot()
	assert.False(t, st.Running)
	assert.Equal(t, 1, st.RunCount)
	assert.Equal(t, 1, st.Successes)
	assert.False(t, st.LastRun.IsZero())

	got := drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, eventbus.BotExecuted, got[0].Type)
	ev := got[0].Data.(RunEvent)
	assert.True(t, ev.Success)
	assert.Equal(t, "hi", ev.Result["echo"])
	assert.Equal(t, "echo", ev.Context.Name)
}

func TestConcurrentStartFailsFast(t *testing.T) {
	host, _ := newHost()
	u := &lifecycleUnit{block: make(chan struct{})}
	h, err := NewHandle(Object("slow", u), host)
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := h.Start(context.Background(), nil)
		first <- err
	}()
	require.Eventually(t, h.Running, time.Second, 5*time.Millisecond)

	_, err = h.Start(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(u.block)
	require.NoError(t, <-first)
	assert.False(t, h.Running())
	assert.Equal(t, 1, h.Snapshot().RunCount, "rejected start is not counted")
}

func TestFailureEmitsErrorAndResets(t *testing.T) {
	host, events := newHost()
	boom := errors.New("boom")
	h, err := NewHandle(Function("failing", func(context.Context, *Context) (Result, error) {
		return nil, boom
	}), host)
	require.NoError(t, err)

	_, err = h.Start(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
	assert.False(t, h.Running())

	st := h.Snapshot()
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, "boom", st.LastError)

	got := drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, eventbus.BotError, got[0].Type)
	assert.False(t, got[0].Data.(RunEvent).Success)
}

func TestPanicIsRecovered(t *testing.T) {
	host, _ := newHost()
	h, err := NewHandle(Function("panicky", func(context.Context, *Context) (Result, error) {
		panic("kaboom")
	}), host)
	require.NoError(t, err)

	_, err = h.Start(context.Background(), nil)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.False(t, h.Running())
}

func TestTimeoutForcesResetAndCleanup(t *testing.T) {
	host, _ := newHost()
	u := &lifecycleUnit{block: make(chan struct{})}
	defer close(u.block)
	h, err := NewHandle(Object("stuck", u), host, WithTimeout(30*time.Millisecond))
	require.NoError(t, err)

	_, err = h.Start(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRunTimeout)
	assert.False(t, h.Running())
	assert.EqualValues(t, 1, u.cleanups.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	host, events := newHost()
	u := &lifecycleUnit{block: make(chan struct{})}
	h, err := NewHandle(Object("stoppable", u), host)
	require.NoError(t, err)

	require.NoError(t, h.Stop(context.Background()))
	assert.Empty(t, drain(events), "stopping an idle handle emits nothing")
	assert.Zero(t, u.cleanups.Load())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.Start(context.Background(), nil)
	}()
	require.Eventually(t, h.Running, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop(context.Background()))
	assert.False(t, h.Running())
	assert.EqualValues(t, 1, u.cleanups.Load())

	close(u.block)
	<-done
	assert.False(t, h.Running(), "late finish does not resurrect running")

	types := []string{}
	for _, ev := range drain(events) {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, eventbus.BotStopped)
	assert.NotContains(t, types, eventbus.BotError)
}

func TestConstructorBuildsFreshInstancePerRun(t *testing.T) {
	host, _ := newHost()
	var built atomic.Int32
	h, err := NewHandle(Constructor("fresh", func(name string, _ Host) Unit {
		built.Add(1)
		return Func(func(context.Context, *Context) (Result, error) {
			return Result{"name": name}, nil
		})
	}), host)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := h.Start(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "fresh", res["name"])
	}
	assert.EqualValues(t, 3, built.Load())
}

func TestReplaceKeepsName(t *testing.T) {
	host, _ := newHost()
	h, err := NewHandle(Function("r", func(context.Context, *Context) (Result, error) { return Result{"v": 1}, nil }), host)
	require.NoError(t, err)

	require.Error(t, h.Replace(Function("other", func(context.Context, *Context) (Result, error) { return nil, nil })))
	require.NoError(t, h.Replace(Function("r", func(context.Context, *Context) (Result, error) { return Result{"v": 2}, nil })))

	res, err := h.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res["v"])
}

func TestStartRefusedUntilStoppedRunReturns(t *testing.T) {
	host, _ := newHost()
	u := &lifecycleUnit{block: make(chan struct{})}
	h, err := NewHandle(Object("overlap", u), host)
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := h.Start(context.Background(), nil)
		first <- err
	}()
	require.Eventually(t, func() bool { return u.execs.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop(context.Background()))
	assert.False(t, h.Running())

	_, err = h.Start(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning, "previous Execute is still blocked")
	assert.EqualValues(t, 1, u.execs.Load(), "no second execution overlaps the first")

	close(u.block)
	require.NoError(t, <-first)

	_, err = h.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, u.execs.Load())
}

func TestTimedOutRunReleasesHandle(t *testing.T) {
	host, _ := newHost()
	u := &lifecycleUnit{block: make(chan struct{})}
	h, err := NewHandle(Object("abandoned", u), host, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, err = h.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrRunTimeout)

	// The first Execute may still be parked; the handle is released anyway.
	close(u.block)
	_, err = h.Start(context.Background(), nil)
	assert.NoError(t, err)
}

func TestStopDuringBuildSkipsPreviousUnit(t *testing.T) {
	host, _ := newHost()
	var (
		mu     sync.Mutex
		built  []*lifecycleUnit
		gate   = make(chan struct{})
		builds atomic.Int32
	)
	h, err := NewHandle(Constructor("rebuilt", func(string, Host) Unit {
		if builds.Add(1) > 1 {
			<-gate
		}
		u := &lifecycleUnit{}
		mu.Lock()
		built = append(built, u)
		mu.Unlock()
		return u
	}), host)
	require.NoError(t, err)

	_, err = h.Start(context.Background(), nil)
	require.NoError(t, err)

	second := make(chan error, 1)
	go func() {
		_, err := h.Start(context.Background(), nil)
		second <- err
	}()
	require.Eventually(t, func() bool { return builds.Load() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop(context.Background()))
	close(gate)
	assert.ErrorIs(t, <-second, ErrStopped)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, built, 2)
	assert.Zero(t, built[0].cleanups.Load(), "previous run's unit is not cleaned by a later Stop")
	assert.Zero(t, built[1].execs.Load(), "unit built after Stop never executes")
}

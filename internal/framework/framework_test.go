package framework

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wikibot/internal/apiclient"
	"wikibot/internal/bot"
	"wikibot/internal/config"
	"wikibot/internal/eventbus"
	"wikibot/internal/storage"
	"wikibot/internal/wikiapi"
	logx "wikibot/pkg/logx"
)

type fixture struct {
	st     storage.Store
	srv    *httptest.Server
	bus    eventbus.Bus
	client *apiclient.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemory()
	_, err := wikiapi.Seed(context.Background(), st, "_system", "s3cret", storage.RoleAdmin)
	require.NoError(t, err)
	srv := httptest.NewServer(wikiapi.New(wikiapi.Options{Store: st}))
	t.Cleanup(srv.Close)

	bus := eventbus.New()
	client := apiclient.New(apiclient.Options{BaseURL: srv.URL, Timeout: 5 * time.Second, RefreshAfter: time.Hour}, logx.Nop(), bus)
	t.Cleanup(client.Close)
	return &fixture{st: st, srv: srv, bus: bus, client: client}
}

func (fx *fixture) framework(opts Options) *Framework {
	if opts.Bots.StartDelay == "" {
		opts.Bots.StartDelay = "5ms"
	}
	return New(opts, logx.Nop(), fx.client, fx.bus)
}

func returns(result bot.Result) bot.Func {
	return func(context.Context, *bot.Context) (bot.Result, error) { return result, nil }
}

func TestStartBotAndNotFound(t *testing.T) {
	fx := newFixture(t)
	f := fx.framework(Options{})
	require.NoError(t, f.Register(
		bot.Function("hello", returns(bot.Result{"hi": true})),
		bot.Function("broken", func(context.Context, *bot.Context) (bot.Result, error) {
			return nil, errors.New("backend down")
		}),
	))

	events, unsub := fx.bus.Subscribe(8, eventbus.FrameworkBotError)
	defer unsub()

	res, err := f.StartBot(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, true, res["hi"])

	_, err = f.StartBot(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.StopBot(context.Background(), "missing"), ErrNotFound)

	_, err = f.StartBot(context.Background(), "broken", nil)
	require.EqualError(t, err, "backend down")

	select {
	case ev := <-events:
		assert.Equal(t, BotErrorEvent{Bot: "broken", Err: "backend down"}, ev.Data)
	case <-time.After(time.Second):
		t.Fatal("no framework.bot_error event")
	}

	assert.NoError(t, f.StopBot(context.Background(), "hello"), "stopping an idle bot is a no-op")
}

func TestConcurrentStartFailsFast(t *testing.T) {
	fx := newFixture(t)
	f := fx.framework(Options{})
	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, f.Register(bot.Function("slow", func(ctx context.Context, _ *bot.Context) (bot.Result, error) {
		close(entered)
		<-release
		return nil, nil
	})))

	done := make(chan error, 1)
	go func() {
		_, err := f.StartBot(context.Background(), "slow", nil)
		done <- err
	}()
	<-entered

	_, err := f.StartBot(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, bot.ErrAlreadyRunning)

	st := f.Status()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, 0, st.Stopped)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, f.Status().Running)
}

func TestStatusDoesNotBlockOnRunningBot(t *testing.T) {
	fx := newFixture(t)
	f := fx.framework(Options{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, f.Register(bot.Function("stuck", func(context.Context, *bot.Context) (bot.Result, error) {
		<-release
		return nil, nil
	})))
	go func() { _, _ = f.StartBot(context.Background(), "stuck", nil) }()
	require.Eventually(t, func() bool { return f.Status().Running == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan Status, 1)
	go func() { done <- f.Status() }()
	select {
	case st := <-done:
		assert.Equal(t, 1, st.Running)
		assert.True(t, st.Bots[0].Running)
		assert.NotEmpty(t, st.Bots[0].RunID)
	case <-time.After(time.Second):
		t.Fatal("Status blocked on an in-flight bot")
	}
}

func TestParamsMergeConfiguredAndCallerValues(t *testing.T) {
	fx := newFixture(t)
	f := fx.framework(Options{Bots: config.BotsConfig{
		Params: map[string]json.RawMessage{"echo": json.RawMessage(`{"a":"config","b":"config"}`)},
	}})
	require.NoError(t, f.Register(bot.Function("echo", func(_ context.Context, bc *bot.Context) (bot.Result, error) {
		return bot.Result{"a": bc.Param("a", ""), "b": bc.Param("b", "")}, nil
	})))

	res, err := f.StartBot(context.Background(), "echo", map[string]any{"b": "caller"})
	require.NoError(t, err)
	assert.Equal(t, bot.Result{"a": "config", "b": "caller"}, res)
}

func TestStartAllIsolatesFailuresAndSkipsDisabled(t *testing.T) {
	fx := newFixture(t)
	f := fx.framework(Options{Bots: config.BotsConfig{
		StartDelay: "30ms",
		Disabled:   []string{"off"},
	}})
	var ran atomic.Int32
	count := func(context.Context, *bot.Context) (bot.Result, error) {
		ran.Add(1)
		return nil, nil
	}
	require.NoError(t, f.Register(
		bot.Function("a", count),
		bot.Function("b", func(context.Context, *bot.Context) (bot.Result, error) { panic("boom") }),
		bot.Function("c", count),
		bot.Function("off", count),
	))

	rep := f.StartAll(context.Background(), nil)
	assert.Equal(t, []string{"a", "c"}, rep.Succeeded)
	assert.Contains(t, rep.Failed, "b")
	assert.Equal(t, []string{"off"}, rep.Skipped)
	assert.EqualValues(t, 2, ran.Load())
	assert.GreaterOrEqual(t, rep.Took, 60*time.Millisecond, "three starts spaced by the delay")
	assert.Error(t, rep.Err())
}

func TestShutdownHaltsBulkRunInProgress(t *testing.T) {
	fx := newFixture(t)
	f := fx.framework(Options{Bots: config.BotsConfig{StartDelay: "150ms"}})

	var (
		mu      sync.Mutex
		started = map[string]time.Time{}
	)
	record := func(_ context.Context, bc *bot.Context) (bot.Result, error) {
		mu.Lock()
		started[bc.Name] = time.Now()
		mu.Unlock()
		return nil, nil
	}
	require.NoError(t, f.Register(
		bot.Function("b1", record),
		bot.Function("b2", record),
		bot.Function("b3", record),
		bot.Function("b4", record),
	))

	done := make(chan BulkReport, 1)
	go func() { done <- f.StartAll(context.Background(), nil) }()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 1
	}, time.Second, 2*time.Millisecond)

	shutdownAt := time.Now()
	require.NoError(t, f.Shutdown(context.Background()))

	var rep BulkReport
	select {
	case rep = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bulk run kept going after shutdown")
	}
	assert.Equal(t, []string{"b1"}, rep.Succeeded)
	assert.Equal(t, []string{"b2", "b3", "b4"}, rep.Skipped)
	assert.Empty(t, rep.Failed)

	mu.Lock()
	for name, at := range started {
		assert.False(t, at.After(shutdownAt), "%s started after shutdown began", name)
	}
	mu.Unlock()

	_, err := f.StartBot(context.Background(), "b1", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.Start(context.Background()), ErrClosed)
}

const scriptV1 = `package main

import "context"

func Run(ctx context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"version": 1}, nil
}
`

const scriptV2 = `package main

import "context"

func Run(ctx context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"version": 2}, nil
}
`

const scriptBroken = `package main

func Run( {
`

func TestDiscoverRefreshesWithoutDuplicates(t *testing.T) {
	fx := newFixture(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "versioned.go")
	require.NoError(t, os.WriteFile(path, []byte(scriptV1), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.go"), []byte(scriptBroken), 0o644))

	f := fx.framework(Options{Bots: config.BotsConfig{Dirs: []string{dir}}})
	rep, err := f.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Descriptors, 1)
	require.Len(t, rep.Errors, 1)

	res, err := f.StartBot(context.Background(), "versioned", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res["version"])

	require.NoError(t, os.WriteFile(path, []byte(scriptV2), 0o644))
	_, err = f.Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"versioned"}, f.Names())
	res, err = f.StartBot(context.Background(), "versioned", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res["version"])

	st := f.Status()
	require.Len(t, st.Bots, 1)
	assert.Equal(t, 2, st.Bots[0].RunCount, "handle state survives a rescan")
	require.Len(t, st.LoadErrors, 1)
	assert.Contains(t, st.LoadErrors[0].Path, "broken.go")
}

type stoppable struct {
	release chan struct{}
	fail    bool
	cleaned atomic.Bool
}

func (s *stoppable) Execute(ctx context.Context, _ *bot.Context) (bot.Result, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil, nil
}

func (s *stoppable) Cleanup(context.Context) error {
	s.cleaned.Store(true)
	if s.fail {
		return errors.New("cleanup failed")
	}
	return nil
}

func TestStartAuthenticatesAndShutdownStopsEverything(t *testing.T) {
	fx := newFixture(t)
	f := fx.framework(Options{
		Identifier: "_system",
		Secret:     "s3cret",
		Scheduler:  config.SchedulerConfig{Enabled: true, IntervalMinutes: 60},
		Bots:       config.BotsConfig{Schedules: map[string]string{"good": "*/5 * * * *"}},
	})
	good := &stoppable{release: make(chan struct{})}
	bad := &stoppable{release: make(chan struct{}), fail: true}
	defer close(good.release)
	defer close(bad.release)
	require.NoError(t, f.Register(bot.Object("good", good), bot.Object("bad", bad)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))
	require.True(t, fx.client.IsAuthenticated())

	st := f.Status()
	assert.True(t, st.Auth.Authenticated)
	assert.True(t, st.Scheduler.Running)
	var names []string
	for _, e := range st.Scheduler.Entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{StartAllSchedule, "bot.good"}, names)

	go func() { _, _ = f.StartBot(ctx, "good", nil) }()
	go func() { _, _ = f.StartBot(ctx, "bad", nil) }()
	require.Eventually(t, func() bool { return f.Status().Running == 2 }, time.Second, 5*time.Millisecond)

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	shutdownErr := f.Shutdown(sctx)
	require.Error(t, shutdownErr, "a failed cleanup is reported")
	assert.Contains(t, shutdownErr.Error(), "cleanup failed")

	assert.True(t, good.cleaned.Load(), "one failing stop does not prevent the others")
	assert.True(t, bad.cleaned.Load())
	assert.Equal(t, 0, f.Status().Running)
	assert.False(t, f.Status().Scheduler.Running)
	assert.False(t, fx.client.IsAuthenticated())

	u, err := fx.st.UserByUsername(context.Background(), "_system")
	require.NoError(t, err)
	assert.Empty(t, u.Token, "shutdown logs out")

	assert.Equal(t, shutdownErr, f.Shutdown(sctx), "shutdown is idempotent")
}

func TestStartFailsOnBadCredentials(t *testing.T) {
	fx := newFixture(t)
	f := fx.framework(Options{Identifier: "_system", Secret: "wrong"})
	err := f.Start(context.Background())
	var ae *apiclient.AuthenticationError
	require.ErrorAs(t, err, &ae)
	_ = f.Shutdown(context.Background())
}

func TestCycleReauthenticatesAfterRefreshFailure(t *testing.T) {
	fx := newFixture(t)
	f := fx.framework(Options{Identifier: "_system", Secret: "s3cret"})
	var infoCalls atomic.Int32
	require.NoError(t, f.Register(bot.Function("whoami", func(ctx context.Context, bc *bot.Context) (bot.Result, error) {
		info, err := bc.Client.Info(ctx)
		if err != nil {
			return nil, err
		}
		infoCalls.Add(1)
		return bot.Result{"user": info.Username}, nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))
	defer func() { _ = f.Shutdown(context.Background()) }()

	u, err := fx.st.UserByUsername(ctx, "_system")
	require.NoError(t, err)
	require.NoError(t, fx.st.SetUserToken(ctx, u.ID, "", time.Time{}))
	require.Error(t, fx.client.RefreshToken(ctx))
	require.False(t, fx.client.IsAuthenticated())
	require.Eventually(t, func() bool { return f.Status().AuthFailures == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.runCycle(ctx))
	assert.True(t, fx.client.IsAuthenticated())
	assert.EqualValues(t, 1, infoCalls.Load())
}

// Package framework is the bot registry: it owns one handle per bot name, the
// shared API client, the scheduler and the background goroutines (directory
// watcher, auth listener), and exposes start/stop/status over them.
package framework

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"wikibot/internal/apiclient"
	"wikibot/internal/bot"
	"wikibot/internal/config"
	"wikibot/internal/discovery"
	"wikibot/internal/eventbus"
	"wikibot/internal/runtime/supervisor"
	"wikibot/internal/scheduler"
	logx "wikibot/pkg/logx"
)

var (
	// ErrNotFound: no bot is registered under the requested name.
	ErrNotFound = errors.New("bot not found")
	// ErrClosed: Shutdown has begun; no new bot runs are admitted.
	ErrClosed = errors.New("framework: shut down")
)

// StartAllSchedule is the scheduler entry name of the recurring bulk run.
const StartAllSchedule = "bots.start_all"

type Options struct {
	// Identifier and Secret are the bot credentials. Empty Identifier means
	// the framework never authenticates on its own.
	Identifier string
	Secret     string

	Bots      config.BotsConfig
	Scheduler config.SchedulerConfig
}

// BotErrorEvent is the payload of framework.bot_error.
type BotErrorEvent struct {
	Bot string `json:"bot"`
	Err string `json:"err"`
}

type Framework struct {
	opts   Options
	log    logx.Logger
	client *apiclient.Client
	bus    eventbus.Bus
	loader *discovery.Loader
	sched  *scheduler.Service

	mu        sync.RWMutex
	handles   map[string]*bot.Handle
	loadErrs  []*discovery.LoadError
	lastScan  time.Time
	sup       *supervisor.Supervisor
	startedAt time.Time

	authMu       sync.Mutex
	authFailures atomic.Uint64

	closed       atomic.Bool
	closing      chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(opts Options, log logx.Logger, client *apiclient.Client, bus eventbus.Bus) *Framework {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("component", "framework"))
	return &Framework{
		opts:   opts,
		log:    log,
		client: client,
		bus:    bus,
		loader: &discovery.Loader{
			Dirs:       opts.Bots.Dirs,
			Extensions: opts.Bots.Extensions,
			Log:        log.With(logx.String("component", "discovery")),
			Bus:        bus,
		},
		sched:   scheduler.New(scheduler.Options{Timezone: opts.Scheduler.Timezone}, log, bus),
		handles: map[string]*bot.Handle{},
		closing: make(chan struct{}),
	}
}

// Client, Logger and Events make the framework the bot.Host of every handle.
func (f *Framework) Client() *apiclient.Client { return f.client }
func (f *Framework) Logger() logx.Logger       { return f.log }
func (f *Framework) Events() eventbus.Bus      { return f.bus }

// Register adds compiled-in bots. A name that is already registered gets its
// descriptor replaced on the existing handle.
func (f *Framework) Register(descs ...bot.Descriptor) error {
	var errs []error
	for _, d := range descs {
		if _, err := f.register(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Framework) register(d bot.Descriptor) (replaced bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.handles[d.Name]; ok {
		return true, h.Replace(d)
	}
	h, err := bot.NewHandle(d, f, bot.WithTimeout(f.opts.Bots.RunTimeoutDuration()))
	if err != nil {
		return false, err
	}
	f.handles[d.Name] = h
	f.log.Debug("bot registered", logx.String("bot", d.Name), logx.String("kind", d.Kind.String()), logx.String("source", d.Source))
	return false, nil
}

// Discover scans the bot directories and registers what it finds. Rescanning
// refreshes descriptors in place; handles are never duplicated or dropped.
func (f *Framework) Discover(ctx context.Context) (discovery.Report, error) {
	rep, err := f.loader.Scan(ctx)
	if err != nil {
		return rep, err
	}
	var added, replaced int
	for _, d := range rep.Descriptors {
		r, err := f.register(d)
		switch {
		case err != nil:
			f.log.Warn("discovered bot rejected", logx.String("bot", d.Name), logx.Err(err))
			rep.Errors = append(rep.Errors, &discovery.LoadError{Path: d.Source, Err: err})
		case r:
			replaced++
		default:
			added++
		}
	}
	f.mu.Lock()
	f.loadErrs = rep.Errors
	f.lastScan = time.Now()
	f.mu.Unlock()
	f.log.Info("bots discovered", logx.Int("added", added), logx.Int("replaced", replaced), logx.Int("errors", len(rep.Errors)))
	return rep, nil
}

func (f *Framework) handle(name string) (*bot.Handle, error) {
	f.mu.RLock()
	h, ok := f.handles[strings.TrimSpace(name)]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return h, nil
}

// Names returns every registered bot name, sorted.
func (f *Framework) Names() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.handles))
	for n := range f.handles {
		out = append(out, n)
	}
	f.mu.RUnlock()
	sort.Strings(out)
	return out
}

// StartBot runs one bot and waits for it. Configured params are the base;
// params given here override them key by key.
func (f *Framework) StartBot(ctx context.Context, name string, params map[string]any) (bot.Result, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	h, err := f.handle(name)
	if err != nil {
		return nil, err
	}
	res, err := h.Start(ctx, f.params(h.Name(), params))
	if err != nil {
		eventbus.Publish(f.bus, eventbus.FrameworkBotError, BotErrorEvent{Bot: h.Name(), Err: err.Error()})
		return nil, err
	}
	return res, nil
}

func (f *Framework) params(name string, override map[string]any) map[string]any {
	base, err := f.opts.Bots.BotParams(name)
	if err != nil {
		f.log.Warn("bot params are not a JSON object; ignoring", logx.String("bot", name), logx.Err(err))
	}
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// StopBot stops one bot. Stopping an idle bot is a no-op.
func (f *Framework) StopBot(ctx context.Context, name string) error {
	h, err := f.handle(name)
	if err != nil {
		return err
	}
	if err := h.Stop(ctx); err != nil {
		eventbus.Publish(f.bus, eventbus.FrameworkBotError, BotErrorEvent{Bot: h.Name(), Err: err.Error()})
		return err
	}
	return nil
}

// BulkReport is the outcome of StartAll.
type BulkReport struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
	// Skipped holds disabled bots, bots already running, and bots not reached
	// before ctx was done.
	Skipped []string      `json:"skipped,omitempty"`
	Took    time.Duration `json:"took"`
}

func (r BulkReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for n := range r.Failed {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Errorf("%d bot(s) failed: %s", len(names), strings.Join(names, ", "))
}

// StartAll starts every enabled bot, spacing successive starts by
// bots.start_delay, and waits for all of them. One bot's failure never stops
// the others.
func (f *Framework) StartAll(ctx context.Context, params map[string]any) BulkReport {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	rep := BulkReport{Failed: map[string]string{}}
	var mu sync.Mutex

	// Shutdown cuts the spacing wait short.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.closing:
			cancel()
		case <-wctx.Done():
		}
	}()

	lim := rate.NewLimiter(rate.Every(f.opts.Bots.StartDelayDuration()), 1)
	var g errgroup.Group
	for _, name := range f.Names() {
		if f.opts.Bots.IsDisabled(name) || f.closed.Load() {
			rep.Skipped = append(rep.Skipped, name)
			continue
		}
		if err := lim.Wait(wctx); err != nil || f.closed.Load() {
			rep.Skipped = append(rep.Skipped, name)
			continue
		}
		name := name
		g.Go(func() error {
			_, err := f.StartBot(ctx, name, params)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				rep.Succeeded = append(rep.Succeeded, name)
			case errors.Is(err, bot.ErrAlreadyRunning), errors.Is(err, bot.ErrStopped), errors.Is(err, ErrClosed):
				rep.Skipped = append(rep.Skipped, name)
			default:
				rep.Failed[name] = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(rep.Succeeded)
	sort.Strings(rep.Skipped)
	rep.Took = time.Since(start)
	f.log.Info("bulk run finished",
		logx.Int("succeeded", len(rep.Succeeded)),
		logx.Int("failed", len(rep.Failed)),
		logx.Int("skipped", len(rep.Skipped)),
		logx.Duration("took", rep.Took),
	)
	return rep
}

// ensureSession authenticates when credentials are configured and the client
// holds no session (never logged in, or invalidated by a failed refresh).
func (f *Framework) ensureSession(ctx context.Context) error {
	if f.client == nil || strings.TrimSpace(f.opts.Identifier) == "" {
		return nil
	}
	f.authMu.Lock()
	defer f.authMu.Unlock()
	if f.client.IsAuthenticated() {
		return nil
	}
	if err := f.client.Authenticate(ctx, f.opts.Identifier, f.opts.Secret); err != nil {
		f.log.Error("bot authentication failed", logx.String("identifier", f.opts.Identifier), logx.Err(err))
		return err
	}
	return nil
}

// Start authenticates, discovers, and arms the watcher and schedules.
// An authentication failure is returned; nothing else is started then.
func (f *Framework) Start(ctx context.Context) error {
	if f.closed.Load() {
		return ErrClosed
	}
	if err := f.ensureSession(ctx); err != nil {
		return err
	}
	if _, err := f.Discover(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	if f.sup != nil {
		f.mu.Unlock()
		return nil
	}
	sup := supervisor.New(ctx, f.log)
	f.sup = sup
	f.startedAt = time.Now()
	f.mu.Unlock()

	if f.bus != nil {
		// Subscribed here so no invalidation published after Start returns is missed.
		ch, unsub := f.bus.Subscribe(16, eventbus.AuthRefreshFailed)
		sup.Go("auth-events", func(ctx context.Context) error {
			defer unsub()
			return f.watchAuth(ctx, ch)
		})
	}
	if f.opts.Bots.Watch && len(f.opts.Bots.Dirs) > 0 {
		sup.GoRestart("discovery-watch", func(ctx context.Context) error {
			return f.loader.Watch(ctx, func() {
				if _, err := f.Discover(ctx); err != nil && ctx.Err() == nil {
					f.log.Warn("rescan failed", logx.Err(err))
				}
			})
		}, time.Second, 30*time.Second)
	}

	if err := f.armSchedules(); err != nil {
		return err
	}
	if f.opts.Scheduler.Enabled || len(f.opts.Bots.Schedules) > 0 {
		if err := f.sched.Start(sup.Context()); err != nil {
			return err
		}
	}
	f.log.Info("framework started", logx.Int("bots", len(f.Names())), logx.Bool("scheduler", f.opts.Scheduler.Enabled))
	return nil
}

func (f *Framework) armSchedules() error {
	if f.opts.Scheduler.Enabled {
		ps, err := f.globalSchedule()
		if err != nil {
			return err
		}
		if err := f.sched.Add(StartAllSchedule, ps, f.runCycle); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(f.opts.Bots.Schedules))
	for n := range f.opts.Bots.Schedules {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		name := name
		if err := f.sched.AddSchedule("bot."+name, f.opts.Bots.Schedules[name], func(ctx context.Context) error {
			if err := f.ensureSession(ctx); err != nil {
				return err
			}
			_, err := f.StartBot(ctx, name, nil)
			return err
		}); err != nil {
			return fmt.Errorf("bots.schedules.%s: %w", name, err)
		}
	}
	return nil
}

func (f *Framework) globalSchedule() (scheduler.ParsedSpec, error) {
	if c := strings.TrimSpace(f.opts.Scheduler.Cron); c != "" {
		return f.sched.Validate(c)
	}
	return scheduler.FromMinutes(f.opts.Scheduler.IntervalMinutes)
}

// runCycle is one scheduled bulk run. Its error only feeds scheduler counters.
func (f *Framework) runCycle(ctx context.Context) error {
	if err := f.ensureSession(ctx); err != nil {
		return err
	}
	return f.StartAll(ctx, nil).Err()
}

// watchAuth records session invalidations; the next scheduled cycle re-authenticates.
func (f *Framework) watchAuth(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			f.authFailures.Add(1)
			f.log.Warn("session invalidated; next scheduled run re-authenticates", logx.Any("event", ev.Data))
		}
	}
}

// Shutdown stops running bots (best effort, concurrently), then the scheduler,
// the background goroutines and finally the API session. It is idempotent.
func (f *Framework) Shutdown(ctx context.Context) error {
	f.shutdownOnce.Do(func() {
		f.closed.Store(true)
		close(f.closing)
		if ctx == nil {
			ctx = context.Background()
		}

		f.mu.RLock()
		sup := f.sup
		f.mu.RUnlock()

		stopped, errs := f.stopRunning(ctx)

		if err := f.sched.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
		if sup != nil {
			if err := sup.Stop(ctx); err != nil {
				if ctx.Err() != nil {
					errs = append(errs, fmt.Errorf("supervisor: %w", err))
				} else {
					f.log.Warn("background goroutine reported an error", logx.Err(err))
				}
			}
		}
		// A start admitted just before closed was set may only now be running.
		late, lateErrs := f.stopRunning(ctx)
		stopped += late
		errs = append(errs, lateErrs...)

		if f.client != nil {
			if f.client.IsAuthenticated() {
				_ = f.client.Logout(ctx)
			}
			f.client.Close()
		}
		f.shutdownErr = errors.Join(errs...)
		f.log.Info("framework stopped", logx.Int("stopped_bots", stopped), logx.Err(f.shutdownErr))
	})
	return f.shutdownErr
}

// stopRunning stops every running handle concurrently and returns how many
// it stopped.
func (f *Framework) stopRunning(ctx context.Context) (int, []error) {
	f.mu.RLock()
	handles := make([]*bot.Handle, 0, len(f.handles))
	for _, h := range f.handles {
		if h.Running() {
			handles = append(handles, h)
		}
	}
	f.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if err := h.Stop(ctx); err != nil {
				f.log.Warn("bot stop failed", logx.String("bot", h.Name()), logx.Err(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", h.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(handles), errs
}

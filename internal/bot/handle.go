package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"wikibot/internal/apiclient"
	"wikibot/internal/eventbus"
	logx "wikibot/pkg/logx"
)

var (
	// ErrAlreadyRunning: a prior Start on the same handle has not completed.
	ErrAlreadyRunning = errors.New("bot already running")
	// ErrRunTimeout: the run outlived the handle's timeout; running was forced back to false.
	ErrRunTimeout = errors.New("bot run timed out")
	// ErrStopped: Stop arrived before the unit was built; Execute never ran.
	ErrStopped = errors.New("bot stopped before execute")
)

const cleanupTimeout = 10 * time.Second

// PanicError wraps a panic recovered from bot code.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("bot panicked: %v", e.Value) }

// RunEvent is the payload of bot.executed and bot.error.
type RunEvent struct {
	Bot      string        `json:"bot"`
	RunID    string        `json:"run_id"`
	Success  bool          `json:"success"`
	Context  *Context      `json:"context,omitempty"`
	Result   Result        `json:"result,omitempty"`
	Err      string        `json:"err,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StopEvent is the payload of bot.stopped.
type StopEvent struct {
	Bot   string `json:"bot"`
	RunID string `json:"run_id,omitempty"`
	Err   string `json:"err,omitempty"`
}

// Status is a point-in-time, lock-free copy of a handle's state.
type Status struct {
	Name         string        `json:"name"`
	Kind         Kind          `json:"kind"`
	Source       string        `json:"source"`
	Running      bool          `json:"running"`
	RunID        string        `json:"run_id,omitempty"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	RunCount     int           `json:"run_count"`
	Successes    int           `json:"successes"`
	Failures     int           `json:"failures"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
}

type HandleOption func(*Handle)

// WithTimeout races every run against d. Zero disables the deadline.
func WithTimeout(d time.Duration) HandleOption {
	return func(h *Handle) { h.timeout = d }
}

// Handle wraps one Descriptor. At most one Start is in flight at a time;
// a concurrent Start fails fast with ErrAlreadyRunning.
type Handle struct {
	name    string
	host    Host
	log     logx.Logger
	timeout time.Duration

	mu           sync.Mutex
	desc         Descriptor
	running      bool
	inflight     bool // Start has not returned yet; survives Stop
	gen          uint64
	current      Unit
	runID        string
	lastRun      time.Time
	runCount     int
	successes    int
	failures     int
	lastErr      string
	lastDuration time.Duration
}

func NewHandle(desc Descriptor, host Host, opts ...HandleOption) (*Handle, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	h := &Handle{name: desc.Name, host: host, desc: desc}
	for _, o := range opts {
		o(h)
	}
	h.log = h.hostLogger().With(logx.String("bot", desc.Name))
	return h, nil
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) Descriptor() Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.desc
}

// Replace swaps the descriptor (hot reload). An in-flight run keeps the old one.
func (h *Handle) Replace(desc Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if desc.Name != h.name {
		return fmt.Errorf("bot %q: cannot replace with descriptor %q", h.name, desc.Name)
	}
	h.mu.Lock()
	h.desc = desc
	h.mu.Unlock()
	h.log.Debug("bot descriptor replaced", logx.String("source", desc.Source), logx.String("kind", desc.Kind.String()))
	return nil
}

func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Handle) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		Name:         h.name,
		Kind:         h.desc.Kind,
		Source:       h.desc.Source,
		Running:      h.running,
		LastRun:      h.lastRun,
		RunCount:     h.runCount,
		Successes:    h.successes,
		Failures:     h.failures,
		LastError:    h.lastErr,
		LastDuration: h.lastDuration,
	}
	if h.running {
		st.RunID = h.runID
	}
	return st
}

// Start runs Initialize (if present) then Execute. running always drops back to
// false when Start returns, whatever the outcome.
func (h *Handle) Start(ctx context.Context, params map[string]any) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	h.mu.Lock()
	if h.running || h.inflight {
		h.mu.Unlock()
		return nil, fmt.Errorf("bot %q: %w", h.name, ErrAlreadyRunning)
	}
	h.running = true
	h.inflight = true
	h.current = nil
	h.gen++
	gen := h.gen
	now := time.Now()
	h.lastRun = now
	h.runCount++
	h.runID = uuid.NewString()
	desc := h.desc
	runID := h.runID
	h.mu.Unlock()

	bc := &Context{
		Name:      h.name,
		RunID:     runID,
		Params:    params,
		StartedAt: now,
		Client:    h.hostClient(),
		Log:       h.log.With(logx.String("run_id", runID)),
	}

	var (
		unit   Unit
		result Result
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: string(debug.Stack())}
			}
		}()
		unit = desc.instance(h.host)
		if unit == nil {
			err = fmt.Errorf("bot %q: factory returned nil unit", h.name)
		}
	}()

	if err == nil {
		h.mu.Lock()
		if h.gen == gen {
			h.current = unit
		} else {
			err = fmt.Errorf("bot %q: %w", h.name, ErrStopped)
		}
		h.mu.Unlock()
	}
	if err == nil {
		bc.Log.Info("bot started", logx.String("kind", desc.Kind.String()))
		result, err = h.run(ctx, unit, bc)
	}
	took := time.Since(now)

	h.finish(gen, took, err)

	if err != nil {
		var pe *PanicError
		if errors.As(err, &pe) {
			bc.Log.Error("bot panicked", logx.Any("panic", pe.Value), logx.Stack(pe.Stack))
		} else {
			bc.Log.Error("bot failed", logx.Err(err), logx.Duration("took", took))
		}
		eventbus.Publish(h.events(), eventbus.BotError, RunEvent{
			Bot: h.name, RunID: runID, Context: bc, Err: err.Error(), Duration: took,
		})
		return nil, err
	}

	bc.Log.Info("bot executed", logx.Duration("took", took), logx.Int("result_keys", len(result)))
	eventbus.Publish(h.events(), eventbus.BotExecuted, RunEvent{
		Bot: h.name, RunID: runID, Success: true, Context: bc, Result: result, Duration: took,
	})
	return result, nil
}

type outcome struct {
	result Result
	err    error
}

func (h *Handle) run(ctx context.Context, unit Unit, bc *Context) (Result, error) {
	runCtx := ctx
	cancel := func() {}
	if h.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, h.timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: &PanicError{Value: r, Stack: string(debug.Stack())}}
			}
			done <- o
		}()
		if in, ok := unit.(Initializer); ok {
			if err := in.Initialize(runCtx, bc); err != nil {
				o.err = fmt.Errorf("initialize: %w", err)
				return
			}
		}
		o.result, o.err = unit.Execute(runCtx, bc)
	}()

	select {
	case o := <-done:
		if o.err != nil && h.timedOut(ctx, runCtx) {
			return nil, h.timeoutCleanup(unit)
		}
		return o.result, o.err
	case <-runCtx.Done():
		// Execute may still be running; its context is done but it is not awaited.
		if h.timedOut(ctx, runCtx) {
			return nil, h.timeoutCleanup(unit)
		}
		return nil, runCtx.Err()
	}
}

// timedOut reports whether runCtx ended because of the handle's own deadline
// rather than the caller's context.
func (h *Handle) timedOut(parent, runCtx context.Context) bool {
	return h.timeout > 0 && parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
}

func (h *Handle) timeoutCleanup(unit Unit) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = h.cleanup(ctx, unit)
	return fmt.Errorf("bot %q after %s: %w", h.name, h.timeout, ErrRunTimeout)
}

// finish records the outcome and releases the handle for the next Start. The
// running flag is only reset when no Stop intervened (gen unchanged).
func (h *Handle) finish(gen uint64, took time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight = false
	h.lastDuration = took
	if err != nil {
		h.failures++
		h.lastErr = err.Error()
	} else {
		h.successes++
		h.lastErr = ""
	}
	if h.gen == gen {
		h.running = false
	}
}

// Stop is idempotent: when nothing is running it does nothing and emits nothing.
// Otherwise it runs Cleanup (if present), drops running and emits bot.stopped.
// Execute is not interrupted; the next Start is refused until it returns or the
// handle's timeout abandons it.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.gen++
	unit := h.current
	runID := h.runID
	h.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	err := h.cleanup(ctx, unit)
	ev := StopEvent{Bot: h.name, RunID: runID}
	if err != nil {
		ev.Err = err.Error()
	}
	h.log.Info("bot stopped", logx.String("run_id", runID))
	eventbus.Publish(h.events(), eventbus.BotStopped, ev)
	return err
}

func (h *Handle) cleanup(ctx context.Context, unit Unit) (err error) {
	c, ok := unit.(Cleaner)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
		if err != nil {
			h.log.Warn("bot cleanup failed", logx.Err(err))
		}
	}()
	return c.Cleanup(ctx)
}

func (h *Handle) hostLogger() logx.Logger {
	if h.host == nil {
		return logx.Nop()
	}
	if l := h.host.Logger(); !l.IsZero() {
		return l
	}
	return logx.Nop()
}

func (h *Handle) hostClient() *apiclient.Client {
	if h.host == nil {
		return nil
	}
	return h.host.Client()
}

func (h *Handle) events() eventbus.Bus {
	if h.host == nil {
		return nil
	}
	return h.host.Events()
}

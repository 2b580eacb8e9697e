// Package scheduler triggers named jobs on cron or interval schedules.
//
// It is trigger-only: a job runs on the cron goroutine and its failures are
// logged and counted, never propagated. A job still running when its next
// fire comes due is skipped for that fire.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"wikibot/internal/eventbus"
	logx "wikibot/pkg/logx"
)

// ErrClosed is returned by AddSchedule after Shutdown.
var ErrClosed = errors.New("scheduler: shut down")

type Job func(ctx context.Context) error

type Options struct {
	// Timezone is an IANA name ("Europe/Berlin"); empty means local time.
	Timezone string
}

// FireEvent is the payload of scheduler.fired.
type FireEvent struct {
	Name    string        `json:"name"`
	Err     string        `json:"err,omitempty"`
	Took    time.Duration `json:"took"`
	Skipped bool          `json:"skipped,omitempty"`
}

type entry struct {
	name    string
	spec    ParsedSpec
	job     Job
	entryID cron.EntryID

	running  atomic.Bool
	fires    atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64

	mu       sync.Mutex
	lastFire time.Time
	lastErr  string
}

type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser
	tz     string

	mu      sync.Mutex
	loc     *time.Location
	c       *cron.Cron
	ctx     context.Context
	entries map[string]*entry
	closed  atomic.Bool
}

func New(opts Options, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log.With(logx.String("component", "scheduler")),
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tz:      strings.TrimSpace(opts.Timezone),
		entries: map[string]*entry{},
	}
}

// Validate checks that schedule parses and, for cron forms, that cron accepts it.
func (s *Service) Validate(schedule string) (ParsedSpec, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return ParsedSpec{}, err
	}
	if _, err := s.parser.Parse(ps.Expr()); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return ps, nil
}

// AddSchedule registers job under name, replacing any previous schedule with that name.
func (s *Service) AddSchedule(name, schedule string, job Job) error {
	ps, err := s.Validate(schedule)
	if err != nil {
		return err
	}
	return s.Add(name, ps, job)
}

// Add is AddSchedule for an already parsed spec.
func (s *Service) Add(name string, ps ParsedSpec, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: name required")
	}
	if job == nil {
		return errors.New("scheduler: job required")
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	e := &entry{name: name, spec: ps, job: job}
	s.entries[name] = e
	if s.c != nil {
		if err := s.registerLocked(e); err != nil {
			delete(s.entries, name)
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.Expr()), logx.String("source", ps.Source))
	return nil
}

// Remove drops a schedule. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	delete(s.entries, name)
	return true
}

func (s *Service) registerLocked(e *entry) error {
	id, err := s.c.AddFunc(e.spec.Expr(), func() { s.fire(e) })
	if err != nil {
		return fmt.Errorf("scheduler: register %q: %w", e.name, err)
	}
	e.entryID = id
	return nil
}

// Start arms every registered schedule. ctx is handed to jobs; Shutdown does not cancel it.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.loc = s.loadLocation()
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		if err := s.registerLocked(e); err != nil {
			s.log.Error("schedule register failed", logx.String("name", e.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
	return nil
}

func (s *Service) loadLocation() *time.Location {
	if s.tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", s.tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) fire(e *entry) {
	// Cron may already have dispatched this fire when Shutdown ran.
	if s.closed.Load() {
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Warn("schedule still running; skipping fire", logx.String("name", e.name))
		eventbus.Publish(s.bus, eventbus.SchedulerFired, FireEvent{Name: e.name, Skipped: true})
		return
	}
	defer e.running.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	e.fires.Add(1)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduled job panicked", logx.String("name", e.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.job(ctx)
	}()
	took := time.Since(start)

	e.mu.Lock()
	e.lastFire = start
	if err != nil {
		e.lastErr = err.Error()
	} else {
		e.lastErr = ""
	}
	e.mu.Unlock()

	ev := FireEvent{Name: e.name, Took: took}
	if err != nil {
		e.failures.Add(1)
		ev.Err = err.Error()
		s.log.Error("scheduled job failed", logx.String("name", e.name), logx.Err(err), logx.Duration("took", took))
	} else {
		s.log.Debug("scheduled job done", logx.String("name", e.name), logx.Duration("took", took))
	}
	eventbus.Publish(s.bus, eventbus.SchedulerFired, ev)
}

// Shutdown disarms every schedule. No fire starts after it returns; jobs already
// running are waited for until ctx is done, never cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.closed.Store(true)

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler shutdown did not wait for running jobs", logx.Err(ctx.Err()))
		return ctx.Err()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// EntryInfo describes one schedule.
type EntryInfo struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Kind     string    `json:"kind"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Running  bool      `json:"running"`
	Fires    uint64    `json:"fires"`
	Failures uint64    `json:"failures"`
	Skipped  uint64    `json:"skipped"`
	LastFire time.Time `json:"last_fire,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Entries  []EntryInfo `json:"entries"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c := s.c
	loc := s.loc
	entries := make([]*entry, 0, len(s.entries))
	ids := make([]cron.EntryID, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
		ids = append(ids, e.entryID)
	}
	s.mu.Unlock()

	snap := Snapshot{Running: c != nil, Timezone: s.tz}
	if loc != nil {
		snap.Timezone = loc.String()
	}
	for i, e := range entries {
		info := EntryInfo{
			Name:     e.name,
			Spec:     e.spec.Expr(),
			Kind:     e.spec.Kind.String(),
			Running:  e.running.Load(),
			Fires:    e.fires.Load(),
			Failures: e.failures.Load(),
			Skipped:  e.skipped.Load(),
		}
		e.mu.Lock()
		info.LastFire = e.lastFire
		info.LastErr = e.lastErr
		e.mu.Unlock()
		if c != nil && ids[i] != 0 {
			ce := c.Entry(ids[i])
			info.Next = ce.Next
			info.Prev = ce.Prev
		}
		snap.Entries = append(snap.Entries, info)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Name < snap.Entries[j].Name })
	return snap
}

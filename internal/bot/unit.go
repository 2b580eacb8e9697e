// Package bot defines the bot unit contract and the Handle that enforces
// single-instance runs, timing and failure capture around one unit.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wikibot/internal/apiclient"
	"wikibot/internal/eventbus"
	logx "wikibot/pkg/logx"
)

// Kind is the source-level shape a bot was declared with. It is resolved once
// at discovery/registration time and never re-probed.
type Kind int

const (
	// KindConstructor: a factory builds a fresh Unit for every run.
	KindConstructor Kind = iota + 1
	// KindFunc: a plain function, no persistent instance.
	KindFunc
	// KindObject: one long-lived value exposing Execute (and optionally Initialize/Cleanup).
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindConstructor:
		return "constructor"
	case KindFunc:
		return "func"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Result is whatever a run reports back. It travels in the bot.executed event.
type Result map[string]any

// Context is handed to every run.
type Context struct {
	Name      string            `json:"name"`
	RunID     string            `json:"run_id"`
	Params    map[string]any    `json:"params,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Client    *apiclient.Client `json:"-"`
	Log       logx.Logger       `json:"-"`
}

// Param returns a string parameter or def.
func (c *Context) Param(key, def string) string {
	if c == nil || c.Params == nil {
		return def
	}
	if v, ok := c.Params[key]; ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return def
}

// Unit is the required capability of every bot.
type Unit interface {
	Execute(ctx context.Context, bc *Context) (Result, error)
}

// Initializer is optional; it runs before every Execute.
type Initializer interface {
	Initialize(ctx context.Context, bc *Context) error
}

// Cleaner is optional; it runs on Stop and after a timed-out run.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

type Func func(ctx context.Context, bc *Context) (Result, error)

func (f Func) Execute(ctx context.Context, bc *Context) (Result, error) { return f(ctx, bc) }

// Factory builds a per-run Unit. host is the framework, shared not owned.
type Factory func(name string, host Host) Unit

// Host is what the framework exposes to bots.
type Host interface {
	Client() *apiclient.Client
	Logger() logx.Logger
	Events() eventbus.Bus
}

// Descriptor identifies one registered bot. Exactly the field matching Kind is set.
type Descriptor struct {
	Name   string
	Source string
	Kind   Kind

	New  Factory
	Run  Func
	Unit Unit
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("bot: descriptor has no name")
	}
	switch d.Kind {
	case KindConstructor:
		if d.New == nil {
			return fmt.Errorf("bot %q: constructor kind without factory", d.Name)
		}
	case KindFunc:
		if d.Run == nil {
			return fmt.Errorf("bot %q: func kind without function", d.Name)
		}
	case KindObject:
		if d.Unit == nil {
			return fmt.Errorf("bot %q: object kind without unit", d.Name)
		}
	default:
		return fmt.Errorf("bot %q: unknown kind %d", d.Name, int(d.Kind))
	}
	return nil
}

// instance resolves the Unit to run. Constructors get a fresh instance per call.
func (d Descriptor) instance(host Host) Unit {
	switch d.Kind {
	case KindConstructor:
		return d.New(d.Name, host)
	case KindFunc:
		return d.Run
	default:
		return d.Unit
	}
}

// Constructor, Function and Object are shorthands for registering built-in bots.
func Constructor(name string, f Factory) Descriptor {
	return Descriptor{Name: name, Source: "builtin", Kind: KindConstructor, New: f}
}

func Function(name string, f Func) Descriptor {
	return Descriptor{Name: name, Source: "builtin", Kind: KindFunc, Run: f}
}

func Object(name string, u Unit) Descriptor {
	return Descriptor{Name: name, Source: "builtin", Kind: KindObject, Unit: u}
}

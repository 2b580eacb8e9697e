// Package discovery finds bot scripts under configured directories and turns
// each well-formed one into a bot.Descriptor. Scripts are plain Go source
// interpreted with yaegi; nothing is compiled into the host binary.
//
// A script declares its shape through exported symbols:
//
//	func New(name string) func(context.Context, map[string]any) (map[string]any, error)  // constructor
//	func Run(ctx context.Context, params map[string]any) (map[string]any, error)        // plain function
//	func Execute(ctx context.Context, params map[string]any) (map[string]any, error)    // object
//	func Initialize(ctx context.Context, params map[string]any) error                   // optional, object only
//	func Cleanup()                                                                      // optional, object only
//	var BotName = "custom-name"                                                         // optional
//
// Scripts may import "wikibot/host" to reach the wiki through the framework's client.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"wikibot/internal/bot"
	"wikibot/internal/eventbus"
	logx "wikibot/pkg/logx"
)

// LoadError is one candidate that failed to load. It never aborts a scan.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("discovery: %s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// Report is the outcome of one scan.
type Report struct {
	Descriptors []bot.Descriptor
	Errors      []*LoadError
	// Skipped lists candidates that loaded but match no bot shape.
	Skipped []string
}

type Loader struct {
	Dirs       []string
	Extensions []string
	Log        logx.Logger
	Bus        eventbus.Bus
}

func (l *Loader) log() logx.Logger {
	if l.Log.IsZero() {
		return logx.Nop()
	}
	return l.Log
}

func (l *Loader) extensions() []string {
	if len(l.Extensions) == 0 {
		return []string{".go"}
	}
	return l.Extensions
}

func (l *Loader) candidate(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") || strings.HasSuffix(base, "_test.go") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, want := range l.extensions() {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

// Scan walks every directory recursively. Only context cancellation returns an
// error; everything else is reported per candidate.
func (l *Loader) Scan(ctx context.Context) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := l.log()
	var rep Report
	seen := map[string]string{}

	for _, dir := range l.Dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			log.Debug("bot directory missing; skipping", logx.String("dir", dir))
			continue
		}

		var paths []string
		walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				rep.Errors = append(rep.Errors, &LoadError{Path: path, Err: err})
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != dir && strings.HasPrefix(d.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}
			if l.candidate(path) {
				paths = append(paths, path)
			}
			return nil
		})
		if walkErr != nil {
			rep.Errors = append(rep.Errors, &LoadError{Path: dir, Err: walkErr})
		}
		sort.Strings(paths)

		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			desc, ok, err := LoadFile(path)
			switch {
			case err != nil:
				le := &LoadError{Path: path, Err: err}
				rep.Errors = append(rep.Errors, le)
			case !ok:
				log.Debug("candidate matches no bot shape; skipping", logx.String("path", path))
				rep.Skipped = append(rep.Skipped, path)
			default:
				if prev, dup := seen[desc.Name]; dup {
					rep.Errors = append(rep.Errors, &LoadError{
						Path: path,
						Err:  fmt.Errorf("bot name %q already declared by %s", desc.Name, prev),
					})
					continue
				}
				seen[desc.Name] = path
				rep.Descriptors = append(rep.Descriptors, desc)
			}
		}
	}

	for _, le := range rep.Errors {
		log.Warn("bot candidate failed to load", logx.String("path", le.Path), logx.Err(le.Err))
		eventbus.Publish(l.Bus, eventbus.DiscoveryLoadError, le)
	}
	log.Info("bot discovery finished",
		logx.Int("loaded", len(rep.Descriptors)),
		logx.Int("failed", len(rep.Errors)),
		logx.Int("skipped", len(rep.Skipped)),
	)
	eventbus.Publish(l.Bus, eventbus.DiscoveryLoaded, rep)
	return rep, nil
}

// LoadFile interprets one script in its own interpreter and classifies it.
// ok is false (with a nil error) when the script loads but declares no bot shape.
func LoadFile(path string) (desc bot.Descriptor, ok bool, err error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return bot.Descriptor{}, false, fmt.Errorf("read: %w", err)
	}
	if strings.TrimSpace(string(code)) == "" {
		return bot.Descriptor{}, false, errors.New("empty file")
	}

	defer func() {
		if r := recover(); r != nil {
			desc, ok, err = bot.Descriptor{}, false, fmt.Errorf("panic while loading: %v", r)
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return bot.Descriptor{}, false, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := i.Use(hostSymbols); err != nil {
		return bot.Descriptor{}, false, fmt.Errorf("load host symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return bot.Descriptor{}, false, fmt.Errorf("interpret: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if v, found := lookup(i, "BotName"); found && v.Kind() == reflect.String && strings.TrimSpace(v.String()) != "" {
		name = strings.TrimSpace(v.String())
	}
	return classify(i, name, path)
}

func lookup(i *interp.Interpreter, symbol string) (reflect.Value, bool) {
	v, err := i.Eval(symbol)
	if err != nil || !v.IsValid() {
		return reflect.Value{}, false
	}
	return v, true
}

type (
	runFunc  = func(context.Context, map[string]any) (map[string]any, error)
	ctorFunc = func(string) func(context.Context, map[string]any) (map[string]any, error)
	initFunc = func(context.Context, map[string]any) error
)

// classify picks the first shape the script satisfies: constructor, then
// function, then object. A symbol with the wrong signature does not count.
func classify(i *interp.Interpreter, name, path string) (bot.Descriptor, bool, error) {
	if v, found := lookup(i, "New"); found {
		if ctor, ok := v.Interface().(ctorFunc); ok {
			return bot.Descriptor{
				Name:   name,
				Source: path,
				Kind:   bot.KindConstructor,
				New: func(n string, _ bot.Host) bot.Unit {
					return &scriptUnit{execute: ctor(n)}
				},
			}, true, nil
		}
	}

	if v, found := lookup(i, "Run"); found {
		if run, ok := v.Interface().(runFunc); ok {
			su := &scriptUnit{execute: run}
			return bot.Descriptor{Name: name, Source: path, Kind: bot.KindFunc, Run: su.Execute}, true, nil
		}
	}

	if v, found := lookup(i, "Execute"); found {
		exec, ok := v.Interface().(runFunc)
		if !ok {
			return bot.Descriptor{}, false, nil
		}
		su := &scriptUnit{execute: exec}
		if v, found := lookup(i, "Initialize"); found {
			if init, ok := v.Interface().(initFunc); ok {
				su.initialize = init
			}
		}
		if v, found := lookup(i, "Cleanup"); found {
			switch fn := v.Interface().(type) {
			case func():
				su.cleanup = func() error { fn(); return nil }
			case func() error:
				su.cleanup = fn
			}
		}
		return bot.Descriptor{Name: name, Source: path, Kind: bot.KindObject, Unit: su}, true, nil
	}

	return bot.Descriptor{}, false, nil
}

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"

	"github.com/traefik/yaegi/interp"

	"wikibot/internal/apiclient"
	"wikibot/internal/bot"
	logx "wikibot/pkg/logx"
)

// scriptUnit adapts interpreted functions to bot.Unit.
type scriptUnit struct {
	execute    runFunc
	initialize initFunc
	cleanup    func() error
}

func (s *scriptUnit) Initialize(ctx context.Context, bc *bot.Context) error {
	if s.initialize == nil {
		return nil
	}
	return s.initialize(withRun(ctx, bc), params(bc))
}

func (s *scriptUnit) Execute(ctx context.Context, bc *bot.Context) (bot.Result, error) {
	out, err := s.execute(withRun(ctx, bc), params(bc))
	if err != nil {
		return nil, err
	}
	return bot.Result(out), nil
}

func (s *scriptUnit) Cleanup(context.Context) error {
	if s.cleanup == nil {
		return nil
	}
	return s.cleanup()
}

func params(bc *bot.Context) map[string]any {
	out := map[string]any{}
	if bc == nil {
		return out
	}
	for k, v := range bc.Params {
		out[k] = v
	}
	return out
}

type runKey struct{}

func withRun(ctx context.Context, bc *bot.Context) context.Context {
	return context.WithValue(ctx, runKey{}, bc)
}

func runFrom(ctx context.Context) (*bot.Context, error) {
	bc, _ := ctx.Value(runKey{}).(*bot.Context)
	if bc == nil {
		return nil, errors.New("host: no bot run in context")
	}
	return bc, nil
}

func clientFrom(ctx context.Context) (*apiclient.Client, error) {
	bc, err := runFrom(ctx)
	if err != nil {
		return nil, err
	}
	if bc.Client == nil {
		return nil, errors.New("host: no api client configured")
	}
	return bc.Client, nil
}

// hostSymbols is the "wikibot/host" package visible to scripts.
var hostSymbols = interp.Exports{
	"wikibot/host/host": {
		"GetPage":   reflect.ValueOf(hostGetPage),
		"SavePage":  reflect.ValueOf(hostSavePage),
		"ListPages": reflect.ValueOf(hostListPages),
		"Search":    reflect.ValueOf(hostSearch),
		"Log":       reflect.ValueOf(hostLog),
	},
}

func pageMap(p apiclient.Page) map[string]any {
	return map[string]any{
		"name":       p.Name,
		"title":      p.Title,
		"content":    p.Content,
		"author":     p.Author,
		"updated_at": p.UpdatedAt,
	}
}

// hostGetPage returns (nil, nil) for a missing page.
func hostGetPage(ctx context.Context, name string) (map[string]any, error) {
	c, err := clientFrom(ctx)
	if err != nil {
		return nil, err
	}
	p, err := c.GetPage(ctx, name)
	if apiclient.IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pageMap(p), nil
}

// hostSavePage updates the page, creating it when missing.
func hostSavePage(ctx context.Context, name, content string) error {
	c, err := clientFrom(ctx)
	if err != nil {
		return err
	}
	_, err = c.UpdatePage(ctx, name, apiclient.PageInput{Content: &content})
	if apiclient.IsStatus(err, http.StatusNotFound) {
		_, err = c.CreatePage(ctx, apiclient.PageInput{Name: name, Content: &content})
	}
	return err
}

func hostListPages(ctx context.Context) ([]string, error) {
	c, err := clientFrom(ctx)
	if err != nil {
		return nil, err
	}
	pages, err := c.ListPages(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pages))
	for _, p := range pages {
		names = append(names, p.Name)
	}
	return names, nil
}

func hostSearch(ctx context.Context, query, kind string) ([]string, error) {
	c, err := clientFrom(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.Search(ctx, query, kind)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(res.Results))
	for _, p := range res.Results {
		names = append(names, p.Name)
	}
	return names, nil
}

// hostLog writes through the run's logger; kv is alternating key/value pairs.
func hostLog(ctx context.Context, msg string, kv ...any) {
	bc, err := runFrom(ctx)
	if err != nil {
		return
	}
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	bc.Log.Info(msg, fields...)
}

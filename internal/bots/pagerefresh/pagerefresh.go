// Package pagerefresh re-saves a configured list of pages so their update
// stamps move forward, optionally creating the ones that do not exist yet.
//
// Params:
//
//	pages           list (or comma separated string) of page names
//	create_missing  create absent pages with a stub body (default false)
//	stub            body used for created pages
package pagerefresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wikibot/internal/apiclient"
	"wikibot/internal/bot"
	logx "wikibot/pkg/logx"
)

const Name = "page-refresh"

const defaultStub = "This page was created by the page refresh bot."

// refresher is built fresh for every run, so it keeps per-run tallies only.
type refresher struct {
	name string
	host bot.Host

	refreshed []string
	created   []string
	missing   []string
	failed    map[string]string
}

func New(name string, host bot.Host) bot.Unit {
	return &refresher{name: name, host: host, failed: map[string]string{}}
}

func Descriptor() bot.Descriptor { return bot.Constructor(Name, New) }

func (r *refresher) client(bc *bot.Context) *apiclient.Client {
	if bc.Client != nil {
		return bc.Client
	}
	if r.host != nil {
		return r.host.Client()
	}
	return nil
}

func (r *refresher) Execute(ctx context.Context, bc *bot.Context) (bot.Result, error) {
	c := r.client(bc)
	if c == nil {
		return nil, errors.New("page refresh needs the API client")
	}
	pages := stringList(bc.Params["pages"])
	if len(pages) == 0 {
		bc.Log.Debug("no pages configured; nothing to refresh")
		return bot.Result{"refreshed": []string{}, "skipped": "no pages configured"}, nil
	}
	createMissing := boolParam(bc.Params["create_missing"])
	stub := bc.Param("stub", defaultStub)

	for _, name := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.refresh(ctx, c, bc.Log, name, createMissing, stub); err != nil {
			r.failed[name] = err.Error()
			bc.Log.Warn("page refresh failed", logx.String("page", name), logx.Err(err))
		}
	}

	res := bot.Result{
		"refreshed": r.refreshed,
		"created":   r.created,
		"missing":   r.missing,
		"failed":    r.failed,
	}
	if len(r.failed) == len(pages) {
		return res, fmt.Errorf("all %d page refreshes failed", len(pages))
	}
	return res, nil
}

func (r *refresher) refresh(ctx context.Context, c *apiclient.Client, log logx.Logger, name string, createMissing bool, stub string) error {
	page, err := c.GetPage(ctx, name)
	switch {
	case apiclient.IsStatus(err, http.StatusNotFound):
		if !createMissing {
			r.missing = append(r.missing, name)
			return nil
		}
		title := strings.ReplaceAll(name, "-", " ")
		if _, err := c.CreatePage(ctx, apiclient.PageInput{Name: name, Title: &title, Content: &stub}); err != nil {
			return fmt.Errorf("create: %w", err)
		}
		r.created = append(r.created, name)
		log.Info("page created", logx.String("page", name))
		return nil
	case err != nil:
		return fmt.Errorf("get: %w", err)
	}

	if _, err := c.UpdatePage(ctx, page.Name, apiclient.PageInput{Content: &page.Content}); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	r.refreshed = append(r.refreshed, page.Name)
	log.Debug("page refreshed", logx.String("page", page.Name), logx.Duration("age", time.Since(page.UpdatedAt)))
	return nil
}

func stringList(v any) []string {
	var out []string
	switch x := v.(type) {
	case []string:
		out = x
	case []any:
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(x, ",")
	}
	cleaned := make([]string, 0, len(out))
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

func boolParam(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

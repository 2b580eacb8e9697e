// Package contentmonitor scans every wiki page for configured patterns and
// reports the matches as violations.
package contentmonitor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"wikibot/internal/bot"
	logx "wikibot/pkg/logx"
)

const Name = "content-monitor"

// DefaultPatterns is used when params.patterns is empty.
var DefaultPatterns = []string{
	`(?i)\bpassword\s*[:=]\s*\S+`,
	`(?i)\b(?:api[_-]?key|secret)\s*[:=]\s*\S+`,
	`\b\d{3}-\d{2}-\d{4}\b`,
}

// Violation is one pattern matching on one page.
type Violation struct {
	Page    string `json:"page"`
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// Monitor is a long-lived object bot. Patterns are compiled in Initialize and
// reused until the params change.
type Monitor struct {
	mu       sync.Mutex
	raw      []string
	compiled []*regexp.Regexp
	runs     int
}

func New() *Monitor { return &Monitor{} }

func Descriptor() bot.Descriptor { return bot.Object(Name, New()) }

func (m *Monitor) Initialize(_ context.Context, bc *bot.Context) error {
	patterns := patternsFrom(bc.Params)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.compiled != nil && slices.Equal(patterns, m.raw) {
		return nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	m.raw, m.compiled = patterns, compiled
	return nil
}

func (m *Monitor) Execute(ctx context.Context, bc *bot.Context) (bot.Result, error) {
	if bc.Client == nil {
		return nil, errors.New("content monitor needs the API client")
	}
	m.mu.Lock()
	compiled := m.compiled
	m.runs++
	runs := m.runs
	m.mu.Unlock()
	if len(compiled) == 0 {
		return nil, errors.New("content monitor not initialized")
	}

	pages, err := bc.Client.ListPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	var violations []Violation
	scanned := 0
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := bc.Client.GetPage(ctx, p.Name)
		if err != nil {
			bc.Log.Warn("page fetch failed; skipping", logx.String("page", p.Name), logx.Err(err))
			continue
		}
		scanned++
		for _, re := range compiled {
			if n := len(re.FindAllStringIndex(page.Content, -1)); n > 0 {
				v := Violation{Page: page.Name, Pattern: re.String(), Count: n}
				violations = append(violations, v)
				bc.Log.Warn("content violation", logx.String("page", v.Page), logx.String("pattern", v.Pattern), logx.Int("count", v.Count))
			}
		}
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Page != violations[j].Page {
			return violations[i].Page < violations[j].Page
		}
		return violations[i].Pattern < violations[j].Pattern
	})

	return bot.Result{
		"scanned":    scanned,
		"violations": violations,
		"runs":       runs,
	}, nil
}

// Cleanup drops the compiled patterns so the next run recompiles them.
func (m *Monitor) Cleanup(context.Context) error {
	m.mu.Lock()
	m.raw, m.compiled = nil, nil
	m.mu.Unlock()
	return nil
}

func patternsFrom(params map[string]any) []string {
	var out []string
	switch v := params["patterns"].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(v, ",")
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return DefaultPatterns
	}
	return cleaned
}


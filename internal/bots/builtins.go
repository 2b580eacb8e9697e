// Package bots lists the compiled-in bot units.
package bots

import (
	"fmt"
	"sort"
	"strings"

	"wikibot/internal/bot"
	"wikibot/internal/bots/contentmonitor"
	"wikibot/internal/bots/maintenance"
	"wikibot/internal/bots/pagerefresh"
)

// Builtins returns a fresh descriptor for every compiled-in bot.
func Builtins() []bot.Descriptor {
	return []bot.Descriptor{
		contentmonitor.Descriptor(),
		maintenance.Descriptor(),
		pagerefresh.Descriptor(),
	}
}

// Select returns the builtins named in names; an empty list selects all of them.
func Select(names []string) ([]bot.Descriptor, error) {
	all := Builtins()
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]bot.Descriptor, len(all))
	for _, d := range all {
		byName[d.Name] = d
	}
	var out []bot.Descriptor
	var unknown []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if d, ok := byName[n]; ok {
			out = append(out, d)
		} else if n != "" {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown builtin bot(s): %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

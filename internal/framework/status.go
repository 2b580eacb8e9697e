package framework

import (
	"sort"
	"time"

	"wikibot/internal/apiclient"
	"wikibot/internal/bot"
	"wikibot/internal/runtime/supervisor"
	"wikibot/internal/scheduler"
)

type LoadFailure struct {
	Path string `json:"path"`
	Err  string `json:"err"`
}

// Status is a point-in-time view of the registry. Building it never waits
// on a running bot.
type Status struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Stopped int `json:"stopped"`

	Bots []bot.Status `json:"bots"`

	StartedAt    time.Time             `json:"started_at,omitempty"`
	LastScan     time.Time             `json:"last_scan,omitempty"`
	LoadErrors   []LoadFailure         `json:"load_errors,omitempty"`
	Scheduler    scheduler.Snapshot    `json:"scheduler"`
	Auth         apiclient.SessionInfo `json:"auth"`
	AuthFailures uint64                `json:"auth_failures"`
	Goroutines   *supervisor.Snapshot  `json:"goroutines,omitempty"`
}

func (f *Framework) Status() Status {
	f.mu.RLock()
	handles := make([]*bot.Handle, 0, len(f.handles))
	for _, h := range f.handles {
		handles = append(handles, h)
	}
	st := Status{StartedAt: f.startedAt, LastScan: f.lastScan}
	for _, le := range f.loadErrs {
		st.LoadErrors = append(st.LoadErrors, LoadFailure{Path: le.Path, Err: le.Err.Error()})
	}
	sup := f.sup
	f.mu.RUnlock()

	for _, h := range handles {
		s := h.Snapshot()
		st.Bots = append(st.Bots, s)
		if s.Running {
			st.Running++
		}
	}
	sort.Slice(st.Bots, func(i, j int) bool { return st.Bots[i].Name < st.Bots[j].Name })
	st.Total = len(st.Bots)
	st.Stopped = st.Total - st.Running

	st.Scheduler = f.sched.Snapshot()
	if f.client != nil {
		st.Auth = f.client.Session()
	}
	st.AuthFailures = f.authFailures.Load()
	if sup != nil {
		snap := sup.Snapshot()
		st.Goroutines = &snap
	}
	return st
}

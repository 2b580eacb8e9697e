package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.RWMutex
	pages    map[string]Page
	users    map[int64]User
	settings map[string]string
	nextID   int64
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		pages:    map[string]Page{},
		users:    map[int64]User{},
		settings: map[string]string{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) GetPage(_ context.Context, name string) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[NormalizeName(name)]
	if !ok {
		return Page{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryStore) ListPages(_ context.Context) ([]Page, error) {
	m.mu.RLock()
	out := make([]Page, 0, len(m.pages))
	for _, p := range m.pages {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memoryStore) CreatePage(_ context.Context, p Page) (Page, error) {
	p.Name = NormalizeName(p.Name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[p.Name]; ok {
		return Page{}, ErrConflict
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Title == "" {
		p.Title = p.Name
	}
	m.pages[p.Name] = p
	return p, nil
}

func (m *memoryStore) UpdatePage(_ context.Context, name string, patch PagePatch) (Page, error) {
	key := NormalizeName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[key]
	if !ok {
		return Page{}, ErrNotFound
	}
	if patch.Title != nil {
		p.Title = *patch.Title
	}
	if patch.Content != nil {
		p.Content = *patch.Content
	}
	if patch.Author != "" {
		p.Author = patch.Author
	}
	p.UpdatedAt = time.Now().UTC()
	m.pages[key] = p
	return p, nil
}

func (m *memoryStore) SearchPages(ctx context.Context, query, kind string) ([]Page, error) {
	all, _ := m.ListPages(ctx)
	out := all[:0]
	for _, p := range all {
		if matches(p, query, kind) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryStore) UserByID(_ context.Context, id int64) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memoryStore) UserByUsername(_ context.Context, username string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memoryStore) UserByToken(_ context.Context, token string) (User, error) {
	if token == "" {
		return User{}, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Token == token {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memoryStore) SaveUser(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		for _, existing := range m.users {
			if existing.Username == u.Username {
				return User{}, ErrConflict
			}
		}
		m.nextID++
		u.ID = m.nextID
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now().UTC()
		}
	} else if _, ok := m.users[u.ID]; !ok {
		return User{}, ErrNotFound
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *memoryStore) SetUserToken(_ context.Context, id int64, token string, issued time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Token = token
	u.TokenIssued = issued
	if token != "" {
		u.LastLoginAt = issued
	}
	m.users[id] = u
	return nil
}

func (m *memoryStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *memoryStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.settings[key] = value
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Settings(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

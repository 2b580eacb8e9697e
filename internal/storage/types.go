package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Config configures storage.
//
// If Driver is empty it defaults to "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Page struct {
	Name      string    `json:"name"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PagePatch carries optional updates; nil fields are left untouched.
type PagePatch struct {
	Title   *string
	Content *string
	Author  string
}

// Search kinds accepted by SearchPages.
const (
	SearchTitle   = "title"
	SearchContent = "content"
	SearchAll     = "all"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleBot   Role = "bot"
	RoleAdmin Role = "admin"
)

type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Role        Role      `json:"role"`
	SecretHash  string    `json:"-"`
	Token       string    `json:"-"`
	TokenIssued time.Time `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at,omitempty"`
}

// IsBot reports whether the user may authenticate through the bot API.
func (u User) IsBot() bool { return u.Role == RoleBot || u.Role == RoleAdmin }

type PageStore interface {
	GetPage(ctx context.Context, name string) (Page, error)
	ListPages(ctx context.Context) ([]Page, error)
	CreatePage(ctx context.Context, p Page) (Page, error)
	UpdatePage(ctx context.Context, name string, patch PagePatch) (Page, error)
	SearchPages(ctx context.Context, query, kind string) ([]Page, error)
}

type UserStore interface {
	UserByID(ctx context.Context, id int64) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	UserByToken(ctx context.Context, token string) (User, error)
	// SaveUser inserts (ID == 0) or updates a user; the stored user is returned.
	SaveUser(ctx context.Context, u User) (User, error)
	// SetUserToken replaces the user's token. An empty token clears it.
	SetUserToken(ctx context.Context, id int64, token string, issued time.Time) error
}

type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	Settings(ctx context.Context) (map[string]string, error)
}

// Store is the full collaborator interface.
type Store interface {
	PageStore
	UserStore
	SettingsStore
	Close() error
}

// NormalizeName maps a page name onto its storage key.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func matches(p Page, query, kind string) bool {
	q := strings.ToLower(query)
	title := strings.Contains(strings.ToLower(p.Title), q) || strings.Contains(p.Name, q)
	content := strings.Contains(strings.ToLower(p.Content), q)
	switch kind {
	case SearchTitle:
		return title
	case SearchContent:
		return content
	default:
		return title || content
	}
}

package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Typed wrappers over the bot API endpoints bots actually use.

type Page struct {
	Name      string    `json:"name"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PageInput is a create/update body. Nil fields are left untouched on update.
type PageInput struct {
	Name    string  `json:"name,omitempty"`
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

type BotInfo struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type HealthStatus struct {
	Status     string `json:"status"`
	APIVersion string `json:"api_version"`
}

type SearchResult struct {
	Results []Page `json:"results"`
	Query   string `json:"query"`
	Type    string `json:"type"`
}

type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

const apiBase = "/api/v1/bot"

func (c *Client) Info(ctx context.Context) (BotInfo, error) {
	var out BotInfo
	err := c.Request(ctx, http.MethodGet, apiBase+"/info", nil, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	err := c.Request(ctx, http.MethodGet, apiBase+"/health", nil, &out)
	return out, err
}

func (c *Client) ListPages(ctx context.Context) ([]Page, error) {
	var out struct {
		Pages []Page `json:"pages"`
		Total int    `json:"total"`
	}
	if err := c.Request(ctx, http.MethodGet, apiBase+"/pages", nil, &out); err != nil {
		return nil, err
	}
	return out.Pages, nil
}

// GetPage fails with a 404 BackendError (see IsStatus) when the page is missing.
func (c *Client) GetPage(ctx context.Context, name string) (Page, error) {
	var out Page
	err := c.Request(ctx, http.MethodGet, apiBase+"/pages/"+url.PathEscape(name), nil, &out)
	return out, err
}

func (c *Client) CreatePage(ctx context.Context, in PageInput) (Page, error) {
	var out struct {
		Page Page `json:"page"`
	}
	err := c.Request(ctx, http.MethodPost, apiBase+"/pages", &RequestOptions{Body: in}, &out)
	return out.Page, err
}

func (c *Client) UpdatePage(ctx context.Context, name string, in PageInput) (Page, error) {
	in.Name = ""
	var out struct {
		Page Page `json:"page"`
	}
	err := c.Request(ctx, http.MethodPut, apiBase+"/pages/"+url.PathEscape(name), &RequestOptions{Body: in}, &out)
	return out.Page, err
}

// Search runs a page search; kind is "title", "content" or "all" (empty means all).
func (c *Client) Search(ctx context.Context, query, kind string) (SearchResult, error) {
	q := map[string]string{"query": query}
	if kind != "" {
		q["type"] = kind
	}
	var out SearchResult
	err := c.Request(ctx, http.MethodGet, apiBase+"/search", &RequestOptions{Query: q}, &out)
	return out, err
}

// GetUser needs an admin bot account.
func (c *Client) GetUser(ctx context.Context, username string) (User, error) {
	var out User
	err := c.Request(ctx, http.MethodGet, apiBase+"/users/"+url.PathEscape(username), nil, &out)
	return out, err
}

// WikiSettings needs an admin bot account.
func (c *Client) WikiSettings(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	err := c.Request(ctx, http.MethodGet, apiBase+"/wiki/settings", nil, &out)
	return out, err
}

// StringPtr is a convenience for building PageInput values.
func StringPtr(s string) *string { return &s }

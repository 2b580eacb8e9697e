// Package apiclient is the authenticated HTTP client bots use to reach the
// wiki's bot API. One Client is owned by the framework and shared by every bot;
// the bearer token never leaves it.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"wikibot/internal/eventbus"
	logx "wikibot/pkg/logx"
)

const (
	loginPath   = "/api/v1/bot/login"
	refreshPath = "/api/v1/bot/refresh-token"
	logoutPath  = "/api/v1/bot/logout"

	defaultTimeout      = 30 * time.Second
	defaultRefreshAfter = 23 * time.Hour
	defaultUserAgent    = "wikibot/1"
)

type Options struct {
	BaseURL string
	Timeout time.Duration
	// RefreshAfter is measured from the last successful authentication or refresh.
	// It should sit safely inside the backend's token lifetime.
	RefreshAfter time.Duration
	UserAgent    string
	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// RequestOptions tunes one Request call.
type RequestOptions struct {
	Query map[string]string
	Body  any
	// NoAuth marks the call credential-exempt: no session is required and no
	// Authorization header is sent.
	NoAuth bool
}

// SessionInfo is a token-free view of the session, safe to log or display.
type SessionInfo struct {
	Authenticated   bool      `json:"authenticated"`
	Identifier      string    `json:"identifier,omitempty"`
	AuthenticatedAt time.Time `json:"authenticated_at,omitempty"`
	RefreshAt       time.Time `json:"refresh_at,omitempty"`
	Refreshes       int       `json:"refreshes"`
}

type Client struct {
	rc           *resty.Client
	log          logx.Logger
	bus          eventbus.Bus
	refreshAfter time.Duration

	mu            sync.Mutex
	token         string
	authenticated bool
	identifier    string
	authAt        time.Time
	refreshAt     time.Time
	refreshes     int
	timer         *time.Timer
	closed        bool
	// gen invalidates timers armed for a session that has since been replaced or cleared.
	gen uint64
}

func New(opts Options, log logx.Logger, bus eventbus.Bus) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	refreshAfter := opts.RefreshAfter
	if refreshAfter <= 0 {
		refreshAfter = defaultRefreshAfter
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}

	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua)

	return &Client{
		rc:           rc,
		log:          log.With(logx.String("component", "apiclient")),
		bus:          bus,
		refreshAfter: refreshAfter,
	}
}

// IsAuthenticated reports whether a session is currently held.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) Session() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SessionInfo{
		Authenticated:   c.authenticated,
		Identifier:      c.identifier,
		AuthenticatedAt: c.authAt,
		RefreshAt:       c.refreshAt,
		Refreshes:       c.refreshes,
	}
}

// Authenticate logs in with the bot's credentials and arms the refresh timer.
// Calling it while already authenticated replaces the session (credential rotation).
func (c *Client) Authenticate(ctx context.Context, identifier, secret string) error {
	var out struct {
		Token string          `json:"token"`
		User  json.RawMessage `json:"user"`
	}
	err := c.Request(ctx, http.MethodPost, loginPath, &RequestOptions{
		NoAuth: true,
		Body:   map[string]string{"username": identifier, "password": secret},
	}, &out)
	if err != nil {
		var be *BackendError
		if errors.As(err, &be) {
			aerr := &AuthenticationError{Status: be.Status, Reason: be.Message}
			c.log.Error("authentication failed", logx.String("identifier", identifier), logx.Int("status", be.Status), logx.String("reason", be.Message))
			return aerr
		}
		c.log.Error("authentication request failed", logx.String("identifier", identifier), logx.Err(err))
		return err
	}
	if strings.TrimSpace(out.Token) == "" {
		return &AuthenticationError{Status: http.StatusOK, Reason: "backend returned no token"}
	}

	c.mu.Lock()
	c.identifier = identifier
	c.refreshes = 0
	c.setSessionLocked(out.Token)
	refreshAt := c.refreshAt
	c.mu.Unlock()

	c.log.Info("authenticated", logx.String("identifier", identifier), logx.Time("refresh_at", refreshAt))
	eventbus.Publish(c.bus, eventbus.AuthAuthenticated, SessionEvent{Identifier: identifier})
	return nil
}

// RefreshToken swaps the current token for a fresh one. Any failure clears the
// session; the stale token is never used again.
func (c *Client) RefreshToken(ctx context.Context) error {
	c.mu.Lock()
	if !c.authenticated {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	identifier := c.identifier
	gen := c.gen
	c.mu.Unlock()

	var out struct {
		Token string `json:"token"`
	}
	err := c.Request(ctx, http.MethodPost, refreshPath, nil, &out)
	if err == nil && strings.TrimSpace(out.Token) == "" {
		err = &BackendError{Status: http.StatusOK, Message: "backend returned no token"}
	}
	if err != nil {
		c.mu.Lock()
		if gen == c.gen {
			c.clearSessionLocked()
		}
		c.mu.Unlock()
		c.log.Error("token refresh failed; session cleared", logx.String("identifier", identifier), logx.Err(err))
		eventbus.Publish(c.bus, eventbus.AuthRefreshFailed, SessionEvent{Identifier: identifier, Err: err.Error()})
		return fmt.Errorf("refresh token: %w", err)
	}

	c.mu.Lock()
	if gen != c.gen {
		// Logged out or re-authenticated while the refresh was in flight.
		c.mu.Unlock()
		return nil
	}
	c.refreshes++
	c.setSessionLocked(out.Token)
	refreshAt := c.refreshAt
	c.mu.Unlock()

	c.log.Info("token refreshed", logx.String("identifier", identifier), logx.Time("refresh_at", refreshAt))
	eventbus.Publish(c.bus, eventbus.AuthRefreshed, SessionEvent{Identifier: identifier})
	return nil
}

// Logout notifies the backend (best-effort) and then always drops the local session.
// A failed backend call is logged, not returned.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	wasAuth := c.authenticated
	identifier := c.identifier
	c.mu.Unlock()
	if !wasAuth {
		return nil
	}

	if err := c.Request(ctx, http.MethodPost, logoutPath, nil, nil); err != nil {
		c.log.Warn("backend logout failed; clearing local session anyway", logx.Err(err))
	}

	c.mu.Lock()
	c.clearSessionLocked()
	c.mu.Unlock()

	c.log.Info("logged out", logx.String("identifier", identifier))
	eventbus.Publish(c.bus, eventbus.AuthLoggedOut, SessionEvent{Identifier: identifier})
	return nil
}

// Close cancels the refresh timer without touching the network or the session.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}

// SessionEvent is the payload of auth.* events.
type SessionEvent struct {
	Identifier string `json:"identifier"`
	Err        string `json:"err,omitempty"`
}

func (c *Client) setSessionLocked(token string) {
	c.token = token
	c.authenticated = true
	c.authAt = time.Now()
	c.armRefreshLocked()
}

func (c *Client) clearSessionLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.token = ""
	c.authenticated = false
	c.refreshAt = time.Time{}
}

func (c *Client) armRefreshLocked() {
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.closed {
		return
	}
	c.refreshAt = c.authAt.Add(c.refreshAfter)
	c.timer = time.AfterFunc(c.refreshAfter, func() { c.refreshFromTimer(gen) })
}

func (c *Client) refreshFromTimer(gen uint64) {
	c.mu.Lock()
	stale := gen != c.gen || !c.authenticated
	c.mu.Unlock()
	if stale {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.rc.GetClient().Timeout+time.Second)
	defer cancel()
	_ = c.RefreshToken(ctx)
}

// Request performs one call against the bot API and decodes a 2xx JSON body into out (if non-nil).
func (c *Client) Request(ctx context.Context, method, endpoint string, opt *RequestOptions, out any) error {
	if opt == nil {
		opt = &RequestOptions{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r := c.rc.R().SetContext(ctx)
	if !opt.NoAuth {
		// Read under lock per request; a concurrent refresh may rotate it.
		c.mu.Lock()
		token, ok := c.token, c.authenticated
		c.mu.Unlock()
		if !ok {
			return ErrNotAuthenticated
		}
		r.SetAuthToken(token)
	}
	if len(opt.Query) > 0 {
		r.SetQueryParams(opt.Query)
	}
	if opt.Body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(opt.Body)
	}

	start := time.Now()
	resp, err := r.Execute(strings.ToUpper(method), endpoint)
	if err != nil {
		c.log.Debug("request failed", logx.String("method", method), logx.String("endpoint", endpoint), logx.Err(err))
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	c.log.Trace("request done",
		logx.String("method", method),
		logx.String("endpoint", endpoint),
		logx.Int("status", resp.StatusCode()),
		logx.Duration("took", time.Since(start)),
	)

	if !resp.IsSuccess() {
		return &BackendError{Status: resp.StatusCode(), Message: backendMessage(resp.StatusCode(), resp.Body())}
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, endpoint, err)
	}
	return nil
}

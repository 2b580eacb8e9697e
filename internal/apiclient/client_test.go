package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wikibot/internal/eventbus"
	"wikibot/internal/storage"
	"wikibot/internal/wikiapi"
	logx "wikibot/pkg/logx"
)

type backend struct {
	srv  *httptest.Server
	st   storage.Store
	hits atomic.Int64
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	st := storage.NewMemory()
	ctx := context.Background()
	_, err := wikiapi.Seed(ctx, st, "_system", "s3cret", storage.RoleAdmin)
	require.NoError(t, err)
	_, err = wikiapi.Seed(ctx, st, "helper", "helper-secret", storage.RoleBot)
	require.NoError(t, err)

	b := &backend{st: st}
	api := wikiapi.New(wikiapi.Options{Store: st})
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		api.ServeHTTP(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) client(bus eventbus.Bus, refreshAfter time.Duration) *Client {
	return New(Options{BaseURL: b.srv.URL, Timeout: 5 * time.Second, RefreshAfter: refreshAfter}, logx.Nop(), bus)
}

func TestAuthenticateRequestLogout(t *testing.T) {
	b := newBackend(t)
	c := b.client(nil, time.Hour)
	defer c.Close()
	ctx := context.Background()

	require.False(t, c.IsAuthenticated())
	require.NoError(t, c.Authenticate(ctx, "_system", "s3cret"))
	require.True(t, c.IsAuthenticated())

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "_system", info.Username)
	assert.Equal(t, "admin", info.Role)

	_, err = c.GetPage(ctx, "nonexistent")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "Page not found", be.Message)

	require.NoError(t, c.Logout(ctx))
	assert.False(t, c.IsAuthenticated())

	u, err := b.st.UserByUsername(ctx, "_system")
	require.NoError(t, err)
	assert.Empty(t, u.Token, "backend revoked the token")

	_, err = c.Info(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestAuthenticateRejected(t *testing.T) {
	b := newBackend(t)
	c := b.client(nil, time.Hour)
	defer c.Close()

	err := c.Authenticate(context.Background(), "_system", "wrong")
	var aerr *AuthenticationError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, http.StatusUnauthorized, aerr.Status)
	assert.Equal(t, "Invalid credentials", aerr.Reason)
	assert.False(t, c.IsAuthenticated())
}

func TestUnauthenticatedCallsNeverHitNetwork(t *testing.T) {
	b := newBackend(t)
	c := b.client(nil, time.Hour)
	defer c.Close()
	ctx := context.Background()

	assert.ErrorIs(t, c.RefreshToken(ctx), ErrNotAuthenticated)
	_, err := c.ListPages(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.NoError(t, c.Logout(ctx))
	assert.Zero(t, b.hits.Load())
}

func TestRefreshRotatesToken(t *testing.T) {
	b := newBackend(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "auth.")
	defer unsub()

	c := b.client(bus, time.Hour)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Authenticate(ctx, "helper", "helper-secret"))
	before, err := b.st.UserByUsername(ctx, "helper")
	require.NoError(t, err)

	require.NoError(t, c.RefreshToken(ctx))
	after, err := b.st.UserByUsername(ctx, "helper")
	require.NoError(t, err)
	assert.NotEqual(t, before.Token, after.Token)
	assert.Equal(t, 1, c.Session().Refreshes)

	_, err = c.Health(ctx)
	require.NoError(t, err, "requests use the rotated token")

	assert.Equal(t, eventbus.AuthAuthenticated, (<-events).Type)
	assert.Equal(t, eventbus.AuthRefreshed, (<-events).Type)
}

func TestRefreshFailureClearsSession(t *testing.T) {
	b := newBackend(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.AuthRefreshFailed)
	defer unsub()

	c := b.client(bus, time.Hour)
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "helper", "helper-secret"))

	// Revoke server-side so the refresh is rejected.
	u, err := b.st.UserByUsername(ctx, "helper")
	require.NoError(t, err)
	require.NoError(t, b.st.SetUserToken(ctx, u.ID, "", time.Now()))

	err = c.RefreshToken(ctx)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
	assert.False(t, c.IsAuthenticated())

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.AuthRefreshFailed, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected auth.refresh_failed")
	}

	_, err = c.Info(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestReauthenticateReplacesSession(t *testing.T) {
	b := newBackend(t)
	c := b.client(nil, time.Hour)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Authenticate(ctx, "helper", "helper-secret"))
	require.NoError(t, c.Authenticate(ctx, "_system", "s3cret"))

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "_system", info.Username)
	assert.Equal(t, "_system", c.Session().Identifier)
}

func TestTimerRefreshesBeforeExpiry(t *testing.T) {
	b := newBackend(t)
	c := b.client(nil, 50*time.Millisecond)
	defer c.Close()

	require.NoError(t, c.Authenticate(context.Background(), "helper", "helper-secret"))
	require.Eventually(t, func() bool { return c.Session().Refreshes >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, c.IsAuthenticated())
}

func TestCloseStopsTimer(t *testing.T) {
	b := newBackend(t)
	c := b.client(nil, 30*time.Millisecond)

	require.NoError(t, c.Authenticate(context.Background(), "helper", "helper-secret"))
	c.Close()
	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, c.Session().Refreshes)
	assert.True(t, c.IsAuthenticated(), "close keeps the session")
}

func TestPagesRoundTrip(t *testing.T) {
	b := newBackend(t)
	c := b.client(nil, time.Hour)
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "_system", "s3cret"))

	created, err := c.CreatePage(ctx, PageInput{Name: "Main Page", Content: StringPtr("hello bots")})
	require.NoError(t, err)
	assert.Equal(t, "_system", created.Author)

	_, err = c.CreatePage(ctx, PageInput{Name: "main page"})
	assert.True(t, IsStatus(err, http.StatusConflict))

	updated, err := c.UpdatePage(ctx, "Main Page", PageInput{Title: StringPtr("Main")})
	require.NoError(t, err)
	assert.Equal(t, "Main", updated.Title)
	assert.Equal(t, "hello bots", updated.Content)

	pages, err := c.ListPages(ctx)
	require.NoError(t, err)
	assert.Len(t, pages, 1)

	res, err := c.Search(ctx, "bots", "content")
	require.NoError(t, err)
	assert.Len(t, res.Results, 1)

	_, err = c.Search(ctx, "", "")
	assert.True(t, IsStatus(err, http.StatusBadRequest))

	require.NoError(t, b.st.SetSetting(ctx, "site_name", "Bot Wiki"))
	settings, err := c.WikiSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bot Wiki", settings["site_name"])

	u, err := c.GetUser(ctx, "helper")
	require.NoError(t, err)
	assert.Equal(t, "bot", u.Role)
}

func TestBackendMessageFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL}, logx.Nop(), nil)
	err := c.Request(context.Background(), http.MethodGet, "/anything", &RequestOptions{NoAuth: true}, nil)
	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, http.StatusBadGateway, be.Status)
	assert.Equal(t, "HTTP 502", be.Message)

	assert.Equal(t, "quota exceeded", backendMessage(429, []byte(`{"message":"quota exceeded"}`)))
}

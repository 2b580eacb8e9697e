// Package wikiapi serves the wiki's bot API: the narrow HTTP surface bots
// authenticate against and operate through.
package wikiapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"wikibot/internal/storage"
	logx "wikibot/pkg/logx"
)

const (
	BasePath   = "/api/v1/bot"
	APIVersion = "v1"
)

// Options for the bot API handler.
type Options struct {
	Store storage.Store
	Log   logx.Logger
	// TokenLifetime bounds how long an issued token is accepted. Defaults to 24h.
	TokenLifetime time.Duration
	// Now is overridable in tests.
	Now func() time.Time
}

type server struct {
	st       storage.Store
	log      logx.Logger
	lifetime time.Duration
	now      func() time.Time
}

type userKey struct{}

// New returns an HTTP handler exposing the bot API under BasePath.
func New(opts Options) http.Handler {
	s := &server{st: opts.Store, log: opts.Log, lifetime: opts.TokenLifetime, now: opts.Now}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.lifetime <= 0 {
		s.lifetime = 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Route(BasePath, func(r chi.Router) {
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/refresh-token", s.handleRefresh)
			r.Post("/logout", s.handleLogout)
			r.Get("/info", s.handleInfo)
			r.Get("/health", s.handleHealth)
			r.Get("/pages", s.handleListPages)
			r.Get("/pages/{name}", s.handleGetPage)
			r.Post("/pages", s.handleCreatePage)
			r.Put("/pages/{name}", s.handleUpdatePage)
			r.Get("/search", s.handleSearch)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Get("/users/{username}", s.handleGetUser)
				r.Get("/wiki/settings", s.handleSettings)
			})
		})
	})
	return r
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("bot api request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// ---- auth ----

func (s *server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Missing authorization token")
			return
		}
		u, err := s.st.UserByToken(r.Context(), token)
		if err != nil || !u.IsBot() {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		if s.now().Sub(u.TokenIssued) > s.lifetime {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := currentUser(r); u.Role != storage.RoleAdmin {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func currentUser(r *http.Request) storage.User {
	u, _ := r.Context().Value(userKey{}).(storage.User)
	return u
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Seed creates or updates a bot account with a bcrypt-hashed secret.
func Seed(ctx context.Context, st storage.Store, username, secret string, role storage.Role) (storage.User, error) {
	if strings.TrimSpace(username) == "" || secret == "" {
		return storage.User{}, errors.New("wikiapi: seed requires username and secret")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return storage.User{}, err
	}
	u, err := st.UserByUsername(ctx, username)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		u = storage.User{Username: username}
	case err != nil:
		return storage.User{}, err
	}
	u.Role = role
	u.SecretHash = string(hash)
	return st.SaveUser(ctx, u)
}

// ---- helpers ----

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeBody tolerates an empty body so handlers can report missing fields themselves.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

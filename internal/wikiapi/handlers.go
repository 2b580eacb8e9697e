package wikiapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"wikibot/internal/storage"
	logx "wikibot/pkg/logx"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userView struct {
	ID       int64        `json:"id"`
	Username string       `json:"username"`
	Role     storage.Role `json:"role"`
}

func viewOf(u storage.User) userView {
	return userView{ID: u.ID, Username: u.Username, Role: u.Role}
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Missing username or password")
		return
	}

	u, err := s.st.UserByUsername(r.Context(), req.Username)
	if err != nil || !u.IsBot() || u.SecretHash == "" {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.SecretHash), []byte(req.Password)) != nil {
		s.log.Warn("bot login rejected", logx.String("username", req.Username))
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := s.issueToken(r, u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	s.log.Info("bot logged in", logx.String("username", u.Username))
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": viewOf(u)})
}

func (s *server) issueToken(r *http.Request, u storage.User) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := s.st.SetUserToken(r.Context(), u.ID, token, s.now()); err != nil {
		return "", err
	}
	return token, nil
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, err := s.issueToken(r, currentUser(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to refresh token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	if err := s.st.SetUserToken(r.Context(), u.ID, "", s.now()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to log out")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out successfully"})
}

func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	writeJSON(w, http.StatusOK, map[string]any{"username": u.Username, "role": u.Role})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "api_version": APIVersion})
}

// ---- pages ----

type pageRequest struct {
	Name    string  `json:"name"`
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

func (s *server) handleListPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.st.ListPages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pages == nil {
		pages = []storage.Page{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages, "total": len(pages)})
}

func (s *server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	p, err := s.st.GetPage(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Page not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	var req pageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if storage.NormalizeName(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Missing page name")
		return
	}
	p := storage.Page{Name: req.Name, Author: currentUser(r).Username}
	if req.Title != nil {
		p.Title = *req.Title
	}
	if req.Content != nil {
		p.Content = *req.Content
	}
	created, err := s.st.CreatePage(r.Context(), p)
	if errors.Is(err, storage.ErrConflict) {
		writeError(w, http.StatusConflict, "Page already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"page": created})
}

func (s *server) handleUpdatePage(w http.ResponseWriter, r *http.Request) {
	var req pageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	updated, err := s.st.UpdatePage(r.Context(), chi.URLParam(r, "name"), storage.PagePatch{
		Title:   req.Title,
		Content: req.Content,
		Author:  currentUser(r).Username,
	})
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Page not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": updated})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("query"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "Missing query parameter")
		return
	}
	kind := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type")))
	switch kind {
	case "":
		kind = storage.SearchAll
	case storage.SearchAll, storage.SearchTitle, storage.SearchContent:
	default:
		writeError(w, http.StatusBadRequest, "Invalid search type")
		return
	}
	results, err := s.st.SearchPages(r.Context(), q, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []storage.Page{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "query": q, "type": kind})
}

// ---- admin ----

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.st.UserByUsername(r.Context(), chi.URLParam(r, "username"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.st.Settings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

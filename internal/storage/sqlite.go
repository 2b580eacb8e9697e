package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "wikibot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- pages ----

const pageCols = `name, title, content, COALESCE(author, ''), created_at, updated_at`

func scanPage(sc interface{ Scan(...any) error }) (Page, error) {
	var p Page
	var created, updated string
	if err := sc.Scan(&p.Name, &p.Title, &p.Content, &p.Author, &created, &updated); err != nil {
		return Page{}, err
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

func (s *sqliteStore) GetPage(ctx context.Context, name string) (Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageCols+` FROM pages WHERE name = ?`, NormalizeName(name))
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Page{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) ListPages(ctx context.Context) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pageCols+` FROM pages ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreatePage(ctx context.Context, p Page) (Page, error) {
	p.Name = NormalizeName(p.Name)
	if p.Title == "" {
		p.Title = p.Name
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pages(name, title, content, author, created_at, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(name) DO NOTHING`,
		p.Name, p.Title, p.Content, nullStr(p.Author), formatTime(now), formatTime(now),
	)
	if err != nil {
		return Page{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Page{}, ErrConflict
	}
	return p, nil
}

func (s *sqliteStore) UpdatePage(ctx context.Context, name string, patch PagePatch) (Page, error) {
	cur, err := s.GetPage(ctx, name)
	if err != nil {
		return Page{}, err
	}
	if patch.Title != nil {
		cur.Title = *patch.Title
	}
	if patch.Content != nil {
		cur.Content = *patch.Content
	}
	if patch.Author != "" {
		cur.Author = patch.Author
	}
	cur.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE pages SET title = ?, content = ?, author = ?, updated_at = ? WHERE name = ?`,
		cur.Title, cur.Content, nullStr(cur.Author), formatTime(cur.UpdatedAt), cur.Name,
	)
	return cur, err
}

func (s *sqliteStore) SearchPages(ctx context.Context, query, kind string) ([]Page, error) {
	like := "%" + strings.ToLower(query) + "%"
	where := `lower(title) LIKE ? OR name LIKE ? OR lower(content) LIKE ?`
	args := []any{like, like, like}
	switch kind {
	case SearchTitle:
		where, args = `lower(title) LIKE ? OR name LIKE ?`, []any{like, like}
	case SearchContent:
		where, args = `lower(content) LIKE ?`, []any{like}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+pageCols+` FROM pages WHERE `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- users ----

const userCols = `id, username, role, COALESCE(secret_hash, ''), COALESCE(token, ''), COALESCE(token_issued, ''), created_at, COALESCE(last_login_at, '')`

func scanUser(sc interface{ Scan(...any) error }) (User, error) {
	var u User
	var role, issued, created, lastLogin string
	if err := sc.Scan(&u.ID, &u.Username, &role, &u.SecretHash, &u.Token, &issued, &created, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	u.Role = Role(role)
	u.TokenIssued = parseTime(issued)
	u.CreatedAt = parseTime(created)
	u.LastLoginAt = parseTime(lastLogin)
	return u, nil
}

func (s *sqliteStore) UserByID(ctx context.Context, id int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
}

func (s *sqliteStore) UserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE username = ?`, username))
}

func (s *sqliteStore) UserByToken(ctx context.Context, token string) (User, error) {
	if token == "" {
		return User{}, ErrNotFound
	}
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE token = ?`, token))
}

func (s *sqliteStore) SaveUser(ctx context.Context, u User) (User, error) {
	if u.ID == 0 {
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now().UTC()
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO users(username, role, secret_hash, created_at) VALUES(?,?,?,?)
			 ON CONFLICT(username) DO NOTHING`,
			u.Username, string(u.Role), nullStr(u.SecretHash), formatTime(u.CreatedAt),
		)
		if err != nil {
			return User{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return User{}, ErrConflict
		}
		id, err := res.LastInsertId()
		if err != nil {
			return User{}, err
		}
		u.ID = id
		return u, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET username = ?, role = ?, secret_hash = ? WHERE id = ?`,
		u.Username, string(u.Role), nullStr(u.SecretHash), u.ID,
	)
	if err != nil {
		return User{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *sqliteStore) SetUserToken(ctx context.Context, id int64, token string, issued time.Time) error {
	var res sql.Result
	var err error
	if token == "" {
		res, err = s.db.ExecContext(ctx, `UPDATE users SET token = NULL, token_issued = NULL WHERE id = ?`, id)
	} else {
		ts := formatTime(issued)
		res, err = s.db.ExecContext(ctx,
			`UPDATE users SET token = ?, token_issued = ?, last_login_at = ? WHERE id = ?`,
			token, ts, ts, id,
		)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- settings ----

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

func (s *sqliteStore) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

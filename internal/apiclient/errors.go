package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotAuthenticated is returned before any network call when an operation
// needs a session and none exists. Callers must Authenticate first.
var ErrNotAuthenticated = errors.New("apiclient: not authenticated")

// AuthenticationError is a rejected login (bad or missing credentials).
// It is terminal: the client never retries it on its own.
type AuthenticationError struct {
	Status int
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("apiclient: authentication failed (%d): %s", e.Status, e.Reason)
}

// BackendError is any non-2xx response from the bot API.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("apiclient: backend error (%d): %s", e.Status, e.Message)
}

// IsStatus reports whether err is a BackendError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Status == status
}

// backendMessage extracts the backend's reported message, falling back to "HTTP <status>".
func backendMessage(status int, body []byte) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err == nil {
		for _, k := range []string{"error", "message"} {
			if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

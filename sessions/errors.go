package sessions

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolchat/registry"
)

// ErrNotConfigured is returned when a server requires credentials the user
// has not supplied and no interactive auth flow is available.
var ErrNotConfigured = errors.New("server credentials not configured")

// ErrSessionNotFound is returned when no live session exists for a server.
var ErrSessionNotFound = errors.New("session not found")

// AuthRequiredError is returned when a server requires credentials the user
// has not supplied, but offers an interactive flow to obtain them. It carries
// the auth descriptor so the caller can surface the flow to the user.
type AuthRequiredError struct {
	Server string
	Auth   *registry.InteractiveAuth
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required for server: %s", e.Server)
}

// IsAuthRequired extracts an AuthRequiredError from an error chain.
func IsAuthRequired(err error) (*AuthRequiredError, bool) {
	var authErr *AuthRequiredError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

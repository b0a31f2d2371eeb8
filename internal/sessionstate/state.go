// Package sessionstate caches per-platform authentication state (cookies, headers,
// local storage) so workers can restore a logged-in browser without signing in again.
package sessionstate

import (
	"context"
	"time"
)

// Cookie is a browser cookie captured after login.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
}

// State is the authentication material for one platform.
type State struct {
	Platform     string            `json:"platform"`
	Cookies      []Cookie          `json:"cookies,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	LocalStorage map[string]string `json:"local_storage,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ExpiresAt    time.Time         `json:"expires_at,omitempty"`
}

// Expired reports whether the state is past its expiry at now.
func (s State) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Summary is the exportable view of a State. It never includes secrets.
type Summary struct {
	Platform    string    `json:"platform"`
	Cookies     int       `json:"cookies"`
	Headers     int       `json:"headers"`
	LocalValues int       `json:"local_values"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Store persists states keyed by platform.
type Store interface {
	Get(ctx context.Context, platform string) (State, bool, error)
	Set(ctx context.Context, state State) error
	Delete(ctx context.Context, platform string) error
	Platforms(ctx context.Context) ([]string, error)
	Close() error
}

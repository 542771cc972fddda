// Package authority defines the client contract for the external identity
// authority: the system of record that issues, validates, refreshes, and
// invalidates sessions. Everything else in this module holds copies of a
// session with no power to mutate it except by asking the authority.
package authority

import (
	"context"
	"time"
)

// Session is a token pair plus the identity it was issued for. Copies of a
// Session are carried by the caller; they are never trusted without a
// successful validation round-trip.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	SubjectID    string    `json:"subject_id"`
}

// Expired reports whether the access token is past its lifetime.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// NearExpiry reports whether the access token expires within lead.
func (s *Session) NearExpiry(now time.Time, lead time.Duration) bool {
	return !s.ExpiresAt.IsZero() && now.Add(lead).After(s.ExpiresAt)
}

// User is the authority's view of a validated identity.
type User struct {
	SubjectID string
	Email     string
	Name      string
	Claims    map[string]any
}

// Authority is the minimal behaviour required from the identity authority.
// Every method makes a network round-trip; callers bound each call with a
// context deadline.
type Authority interface {
	// GetUser validates an access token with the authority and returns the
	// identity it belongs to. A rejected token is ErrValidationFailed; an
	// unreachable authority is ErrAuthorityUnreachable.
	GetUser(ctx context.Context, accessToken string) (*User, error)

	// RefreshSession trades a refresh token for a new token pair.
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)

	// AuthCodeURL builds the provider authorization URL for a sign-in
	// round-trip. state names the exchange record; the S256 challenge is
	// derived from verifier.
	AuthCodeURL(state, verifier string) string

	// ExchangeCode consumes an authorization code together with the PKCE
	// verifier created at flow start and returns the resulting session.
	ExchangeCode(ctx context.Context, code, verifier string) (*Session, error)

	// SignOut asks the authority to invalidate the session behind the
	// access token. Callers treat ErrInvalidationTimeout as best-effort.
	SignOut(ctx context.Context, accessToken string) error

	// SignInWithPassword performs a first-party credential sign-in. How the
	// authority checks the password is its own business.
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)

	// SignUp registers a new identity and returns its first session.
	SignUp(ctx context.Context, email, password string) (*Session, error)
}

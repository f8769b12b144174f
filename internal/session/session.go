// Package session models the client's view of its authentication state
// and the pure rules for deriving it from stored credentials.
package session

import (
	"time"

	"github.com/alexjbarnes/authsession/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// State is the active variant of a Session.
type State int

const (
	// StateLoading is the initial state while bootstrap or a refresh resolves.
	StateLoading State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	}

	return "unknown"
}

// Session is a tagged union. User is set only in the Authenticated state;
// use the constructors to keep it that way.
type Session struct {
	State State
	User  *models.User
}

func Loading() Session { return Session{State: StateLoading} }

func Unauthenticated() Session { return Session{State: StateUnauthenticated} }

// Authenticated returns an authenticated session for u. A nil user is not
// a valid authenticated session and yields Unauthenticated instead.
func Authenticated(u *models.User) Session {
	if u == nil {
		return Unauthenticated()
	}

	return Session{State: StateAuthenticated, User: u.Clone()}
}

func (s Session) IsAuthenticated() bool { return s.State == StateAuthenticated }

// HasRole reports whether the session is authenticated and its user holds
// any of roles.
func (s Session) HasRole(roles ...string) bool {
	return s.IsAuthenticated() && s.User.HasRole(roles...)
}

// IsExpired decodes the exp claim of a JWT access token and compares it
// with now. The signature is not verified; the server remains the
// authority. Anything that cannot be decoded counts as expired.
func IsExpired(token string, now time.Time) bool {
	if token == "" {
		return true
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}

	return !now.Before(exp.Time)
}

// Classify maps a stored access token and optional cached user onto a
// session without doing any I/O. Loading means more work is required:
// either the token is expired and needs a refresh, or the user record
// has to be fetched.
func Classify(token string, cached *models.User, now time.Time) Session {
	if token == "" {
		return Unauthenticated()
	}

	if IsExpired(token, now) || cached == nil {
		return Loading()
	}

	return Authenticated(cached)
}

package api

import "github.com/alexjbarnes/authsession/internal/models"

// Credentials is the body of POST /auth/login.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration is the body of POST /auth/register.
type Registration struct {
	Email      string         `json:"email"`
	Password   string         `json:"password"`
	Name       string         `json:"name,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// AuthResponse is returned by login and register. Register may omit the
// tokens when the account needs an explicit login first.
type AuthResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken,omitempty"`
	User         *models.User `json:"user,omitempty"`
}

// Tokens returns the token pair carried by the response.
func (r *AuthResponse) Tokens() models.TokenPair {
	return models.TokenPair{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

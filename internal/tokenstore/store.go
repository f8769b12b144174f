// Package tokenstore persists the session credentials: the access token,
// the refresh token and the cached user profile. Missing entries read as
// zero values; every failure is reported as ErrStorageUnavailable.
package tokenstore

import (
	"encoding/json"
	"fmt"

	autherrors "github.com/alexjbarnes/authsession/internal/errors"
	"github.com/alexjbarnes/authsession/internal/models"
)

// Store is durable key/value persistence for session credentials.
// Implementations are safe for concurrent use.
type Store interface {
	AccessToken() (string, error)
	RefreshToken() (string, error)
	User() (*models.User, error)

	// SetTokens writes both tokens together. An empty RefreshToken
	// removes any stored refresh token.
	SetTokens(pair models.TokenPair) error
	SetUser(u *models.User) error

	// Clear removes all session entries. Clearing an empty store is a no-op.
	Clear() error
	Close() error
}

// Options configures the durable backends.
type Options struct {
	// Passphrase enables at-rest sealing of every stored value. Values
	// sealed under a different passphrase read as missing.
	Passphrase string
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, autherrors.ErrStorageUnavailable, err)
}

func encodeUser(u *models.User) ([]byte, error) {
	if u == nil {
		return nil, nil
	}

	return json.Marshal(u)
}

// decodeUser tolerates a truncated or corrupt record by reporting it as
// absent; the controller then re-fetches the profile.
func decodeUser(data []byte) *models.User {
	if len(data) == 0 {
		return nil
	}

	var u models.User
	if err := json.Unmarshal(data, &u); err != nil || u.ID == "" {
		return nil
	}

	return &u
}

package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/alexjbarnes/authsession/internal/api"
	autherrors "github.com/alexjbarnes/authsession/internal/errors"
)

const (
	defaultLoginMessage    = "Login failed. Please check your credentials."
	defaultRegisterMessage = "Registration failed. Please try again."
	unreachableMessage     = "Unable to reach the server. Please try again."
	storageMessage         = "Unable to save your session on this device."
)

// AuthError is returned by Login and Register. Message is safe to show to
// the user: the server's explanation when it gave one, otherwise a
// generic sentence. Rejections by the server match ErrInvalidCredentials.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string { return e.Message }
func (e *AuthError) Unwrap() error { return e.Err }

func newAuthError(err error, fallback string) *AuthError {
	if api.IsTransient(err) {
		return &AuthError{Message: unreachableMessage, Err: err}
	}

	if errors.Is(err, autherrors.ErrStorageUnavailable) {
		return &AuthError{Message: storageMessage, Err: err}
	}

	msg := api.ServerMessage(err)
	if msg == "" {
		msg = fallback
	}

	if code := api.StatusCode(err); code >= http.StatusBadRequest && code < http.StatusInternalServerError {
		// The status error is flattened to text so a rejected login with
		// 401 does not also match ErrExpiredSession.
		err = fmt.Errorf("%w: %s", autherrors.ErrInvalidCredentials, err.Error())
	}

	return &AuthError{Message: msg, Err: err}
}

package errors

import "errors"

// Session errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrExpiredSession     = errors.New("session expired")
	ErrForbidden          = errors.New("insufficient privileges")
)

// Storage errors.
var (
	ErrStorageUnavailable = errors.New("session storage unavailable")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

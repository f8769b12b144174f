package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	autherrors "github.com/alexjbarnes/authsession/internal/errors"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary: the server was
// unreachable or reported an overload. It never means the credentials
// are bad.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Endpoint string
	Code     int

	// Message is the server's human-readable explanation, if any.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API %s returned status %d", e.Endpoint, e.Code)
	}

	return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.Code, e.Message)
}

// Unwrap maps authorization statuses onto the session error taxonomy.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized:
		return autherrors.ErrExpiredSession
	case http.StatusForbidden:
		return autherrors.ErrForbidden
	}

	return autherrors.ErrAPIResponse
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}

	return 0
}

// ServerMessage returns the server-provided message carried by err, or "".
func ServerMessage(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Message
	}

	return ""
}

// messagePaths are the places APIs commonly put a human-readable error,
// in order of preference.
var messagePaths = []string{
	"message",
	"error_description",
	"error.message",
	"error",
	"errors.0.message",
	"detail",
}

// extractMessage pulls a human-readable error out of a response body.
// Non-JSON bodies are sanitized and used verbatim.
func extractMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, p := range messagePaths {
			if r := gjson.GetBytes(body, p); r.Type == gjson.String && r.Str != "" {
				return sanitizeResponseBody([]byte(r.Str))
			}
		}

		return ""
	}

	return strings.TrimSpace(sanitizeResponseBody(body))
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

var (
	errMissingAccessToken = fmt.Errorf("%w: response has no access token", autherrors.ErrAPIResponse)
	errMissingUser        = fmt.Errorf("%w: response has no user", autherrors.ErrAPIResponse)
)

package pipeline

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/authsession/internal/api"
)

// NewClient returns an API client whose requests carry the session's
// bearer token and survive a single access token expiry. Non-2xx
// responses surface as *api.StatusError: a 403 matches ErrForbidden and
// a 401 that outlived the refresh matches ErrExpiredSession.
func NewClient(baseURL string, source SessionSource, timeout time.Duration, logger *slog.Logger) *api.Client {
	transport := NewTransport(http.DefaultTransport, source, logger)
	return api.NewClient(baseURL, api.NewHTTPClient(transport, timeout))
}

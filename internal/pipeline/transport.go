// Package pipeline authenticates outgoing API requests with the current
// session and recovers from an expired access token by refreshing once
// and replaying the request.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

//go:generate mockgen -source=transport.go -destination=mock_source_test.go -package=pipeline

// RequestIDHeader correlates a request with its replay in server logs.
const RequestIDHeader = "X-Request-ID"

// maxRejectedBodyBytes caps how much of a 401 body is kept so it can be
// handed back when the refresh fails.
const maxRejectedBodyBytes = 64 * 1024

// SessionSource supplies credentials to the transport. *auth.Controller
// satisfies it.
type SessionSource interface {
	AccessToken() string
	RefreshFrom(ctx context.Context, rejectedToken string) (string, error)
}

// Transport is an http.RoundTripper that attaches the bearer token and
// replays a request at most once after a 401.
type Transport struct {
	base   http.RoundTripper
	source SessionSource
	logger *slog.Logger
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, source SessionSource, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{base: base, source: source, logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	token := t.source.AccessToken()

	resp, err := t.send(req, getBody, token, requestID)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// An anonymous request has no session to refresh.
	if token == "" {
		return resp, nil
	}

	rejected, err := keepBody(resp)
	if err != nil {
		return nil, err
	}

	ctx := req.Context()

	fresh, err := t.source.RefreshFrom(ctx, token)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		t.logger.Debug("refresh after 401 failed",
			slog.String("path", req.URL.Path),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)

		return rejected, nil
	}

	t.logger.Debug("replaying request with refreshed token",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("request_id", requestID),
	)

	return t.send(req, getBody, fresh, requestID)
}

func (t *Transport) send(req *http.Request, getBody func() (io.ReadCloser, error), token, requestID string) (*http.Response, error) {
	out := req.Clone(req.Context())

	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}

		out.Body = body
		out.GetBody = getBody
	}

	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}

	out.Header.Set(RequestIDHeader, requestID)

	return t.base.RoundTrip(out)
}

// replayableBody returns a function yielding a fresh copy of the request
// body, reading and closing the original when it cannot be rewound.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	if req.GetBody != nil {
		// Every attempt sends a fresh copy, so the original is never read.
		req.Body.Close()
		return req.GetBody, nil
	}

	payload, err := io.ReadAll(req.Body)
	req.Body.Close()

	if err != nil {
		return nil, fmt.Errorf("buffering request body: %w", err)
	}

	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}, nil
}

// keepBody reads the response body into memory so the connection can be
// reused while the response stays returnable.
func keepBody(resp *http.Response) (*http.Response, error) {
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRejectedBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading 401 response: %w", err)
	}

	// Drain anything past the cap so the connection is reusable.
	_, _ = io.Copy(io.Discard, resp.Body)

	resp.Body = io.NopCloser(bytes.NewReader(payload))
	resp.ContentLength = int64(len(payload))

	return resp, nil
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// seenRequest is what the test server observed for one request.
type seenRequest struct {
	auth      string
	requestID string
	body      string
}

// recordingServer answers with statuses in order, repeating the last one.
type recordingServer struct {
	mu       sync.Mutex
	statuses []int
	seen     []seenRequest
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.seen = append(s.seen, seenRequest{
		auth:      r.Header.Get("Authorization"),
		requestID: r.Header.Get(RequestIDHeader),
		body:      string(body),
	})
	status := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	s.mu.Unlock()

	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"message":"status ` + http.StatusText(status) + `"}`))
}

func (s *recordingServer) requests() []seenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]seenRequest(nil), s.seen...)
}

func newRecordingServer(t *testing.T, statuses ...int) (*recordingServer, *httptest.Server) {
	t.Helper()
	rec := &recordingServer{statuses: statuses}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return rec, srv
}

func newRequest(t *testing.T, ctx context.Context, url, body string) *http.Request {
	t.Helper()
	var r io.Reader
	if body != "" {
		// strings.Reader gets a GetBody from NewRequest; wrap it so the
		// transport has to buffer the body itself.
		r = io.NopCloser(strings.NewReader(body))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, r)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestRoundTrip_AttachesBearerAndRequestID(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("tok-1")

	rec, srv := newRecordingServer(t, http.StatusOK)
	tr := NewTransport(nil, src, nil)

	resp, err := tr.RoundTrip(newRequest(t, context.Background(), srv.URL+"/orders", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	seen := rec.requests()
	require.Len(t, seen, 1)
	assert.Equal(t, "Bearer tok-1", seen[0].auth)
	assert.NotEmpty(t, seen[0].requestID)
}

func TestRoundTrip_NoTokenSendsAnonymously(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("")

	rec, srv := newRecordingServer(t, http.StatusOK)
	tr := NewTransport(nil, src, nil)

	req := newRequest(t, context.Background(), srv.URL+"/public", "")
	req.Header.Set("Authorization", "Bearer leftover")

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, rec.requests()[0].auth)
}

func TestRoundTrip_DoesNotMutateCallerRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("tok-1")

	_, srv := newRecordingServer(t, http.StatusOK)
	tr := NewTransport(nil, src, nil)

	req := newRequest(t, context.Background(), srv.URL, "")
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get(RequestIDHeader))
}

func TestRoundTrip_KeepsCallerRequestID(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("tok-1")

	rec, srv := newRecordingServer(t, http.StatusOK)
	tr := NewTransport(nil, src, nil)

	req := newRequest(t, context.Background(), srv.URL, "")
	req.Header.Set(RequestIDHeader, "trace-42")
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "trace-42", rec.requests()[0].requestID)
}

func TestRoundTrip_ForbiddenPassesThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("tok-1")
	// No RefreshFrom expectation: a 403 must never trigger a refresh.

	rec, srv := newRecordingServer(t, http.StatusForbidden)
	tr := NewTransport(nil, src, nil)

	resp, err := tr.RoundTrip(newRequest(t, context.Background(), srv.URL+"/admin", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "Forbidden")
	assert.Len(t, rec.requests(), 1)
}

func TestRoundTrip_RefreshesAndReplaysOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("old")
	src.EXPECT().RefreshFrom(gomock.Any(), "old").Return("new", nil).Times(1)

	rec, srv := newRecordingServer(t, http.StatusUnauthorized, http.StatusOK)
	tr := NewTransport(nil, src, nil)

	resp, err := tr.RoundTrip(newRequest(t, context.Background(), srv.URL+"/orders", `{"qty":2}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	seen := rec.requests()
	require.Len(t, seen, 2)
	assert.Equal(t, "Bearer old", seen[0].auth)
	assert.Equal(t, "Bearer new", seen[1].auth)
	assert.Equal(t, `{"qty":2}`, seen[0].body)
	assert.Equal(t, `{"qty":2}`, seen[1].body, "replay must resend the body")
	assert.Equal(t, seen[0].requestID, seen[1].requestID, "replay keeps the request ID")
}

// closeTracker records whether the transport closed the caller's body.
type closeTracker struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (c *closeTracker) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *closeTracker) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRoundTrip_ClosesBodyWhenGetBodyIsSet(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("old")
	src.EXPECT().RefreshFrom(gomock.Any(), "old").Return("new", nil)

	rec, srv := newRecordingServer(t, http.StatusUnauthorized, http.StatusOK)
	tr := NewTransport(nil, src, nil)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL+"/orders", strings.NewReader(`{"qty":3}`))
	require.NoError(t, err)
	require.NotNil(t, req.GetBody)

	body := &closeTracker{Reader: strings.NewReader(`{"qty":3}`)}
	req.Body = body

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.True(t, body.isClosed(), "caller body must be closed")

	seen := rec.requests()
	require.Len(t, seen, 2)
	assert.Equal(t, `{"qty":3}`, seen[0].body)
	assert.Equal(t, `{"qty":3}`, seen[1].body)
}

func TestRoundTrip_ReplayRejectedIsNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("old")
	src.EXPECT().RefreshFrom(gomock.Any(), "old").Return("new", nil).Times(1)

	rec, srv := newRecordingServer(t, http.StatusUnauthorized)
	tr := NewTransport(nil, src, nil)

	resp, err := tr.RoundTrip(newRequest(t, context.Background(), srv.URL, ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	assert.Len(t, rec.requests(), 2)
}

func TestRoundTrip_RefreshFailureReturnsOriginal401(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("old")
	src.EXPECT().RefreshFrom(gomock.Any(), "old").Return("", errors.New("refresh rejected"))

	rec, srv := newRecordingServer(t, http.StatusUnauthorized)
	tr := NewTransport(nil, src, nil)

	resp, err := tr.RoundTrip(newRequest(t, context.Background(), srv.URL, ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "Unauthorized", "original body is preserved")
	assert.Len(t, rec.requests(), 1)
}

func TestRoundTrip_Anonymous401DoesNotRefresh(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("")

	_, srv := newRecordingServer(t, http.StatusUnauthorized)
	tr := NewTransport(nil, src, nil)

	resp, err := tr.RoundTrip(newRequest(t, context.Background(), srv.URL, ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestRoundTrip_CancelledWhileRefreshingSkipsReplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("old")
	src.EXPECT().RefreshFrom(gomock.Any(), "old").DoAndReturn(func(ctx context.Context, _ string) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})

	rec, srv := newRecordingServer(t, http.StatusUnauthorized, http.StatusOK)
	tr := NewTransport(nil, src, nil)

	resp, err := tr.RoundTrip(newRequest(t, ctx, srv.URL, ""))
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, rec.requests(), 1)
}

func TestRoundTrip_TransportErrorPassesThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockSessionSource(ctrl)
	src.EXPECT().AccessToken().Return("tok")

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewTransport(nil, src, nil)
	resp, err := tr.RoundTrip(newRequest(t, context.Background(), url, ""))
	assert.Nil(t, resp)
	assert.Error(t, err)
}

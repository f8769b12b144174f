// Package auth owns the client's authentication state. The Controller is
// the only writer of the token store and the single source of truth for
// the current session; collaborators observe it through Session and
// Subscribe.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/authsession/internal/api"
	autherrors "github.com/alexjbarnes/authsession/internal/errors"
	"github.com/alexjbarnes/authsession/internal/models"
	"github.com/alexjbarnes/authsession/internal/session"
	"github.com/alexjbarnes/authsession/internal/tokenstore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

// DefaultRefreshTimeout bounds a shared refresh independently of the
// callers waiting on it.
const DefaultRefreshTimeout = 15 * time.Second

// refreshKey is the only singleflight key: at most one refresh is ever
// in flight.
const refreshKey = "refresh"

// API is the subset of api.Client the controller calls.
type API interface {
	Login(ctx context.Context, creds api.Credentials) (*api.AuthResponse, error)
	Register(ctx context.Context, reg api.Registration) (*api.AuthResponse, error)
	Logout(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	Me(ctx context.Context, accessToken string) (*models.User, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithKeepRefreshToken controls what happens when a refresh response
// carries no new refresh token. true keeps the stored one (multi-use
// refresh tokens); false drops it so single-use backends force a login
// at the next expiry instead of replaying a spent token.
func WithKeepRefreshToken(keep bool) Option {
	return func(c *Controller) { c.keepRefreshToken = keep }
}

// WithRefreshTimeout bounds each shared refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// Controller drives the session state machine:
//
//	Loading -> Authenticated | Unauthenticated   (Bootstrap)
//	Unauthenticated -> Authenticated             (Login, Register)
//	Authenticated -> Unauthenticated             (Logout, failed Refresh)
//	Authenticated -> Authenticated               (Refresh, UpdateUser)
type Controller struct {
	store  tokenstore.Store
	api    API
	logger *slog.Logger

	now              func() time.Time
	keepRefreshToken bool
	refreshTimeout   time.Duration

	refreshes singleflight.Group

	// commitMu serialises every write of credentials and session. epoch
	// is bumped by each logout, expiry and login, so a refresh that
	// started under an older epoch never writes.
	commitMu sync.Mutex
	epoch    uint64

	mu          sync.RWMutex
	session     session.Session
	subscribers map[int]chan session.Session
	nextSubID   int
}

// NewController returns a controller in the Loading state. Call Bootstrap
// to resolve the stored session.
func NewController(store tokenstore.Store, client API, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		store:            store,
		api:              client,
		logger:           logger,
		now:              time.Now,
		keepRefreshToken: true,
		refreshTimeout:   DefaultRefreshTimeout,
		session:          session.Loading(),
		subscribers:      make(map[int]chan session.Session),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Session returns the current session.
func (c *Controller) Session() session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.session
}

// HasRole reports whether the session is authenticated with a user that
// holds any of roles. Loading and Unauthenticated sessions hold no roles.
func (c *Controller) HasRole(roles ...string) bool {
	return c.Session().HasRole(roles...)
}

// AccessToken returns the stored access token, or "" when there is none
// or the store cannot be read.
func (c *Controller) AccessToken() string {
	token, err := c.store.AccessToken()
	if err != nil {
		c.logger.Warn("reading access token", slog.String("error", err.Error()))
		return ""
	}

	return token
}

// Subscribe returns a channel that receives the current session and then
// every transition. A slow subscriber only sees the latest session. Call
// the returned function to unsubscribe; it closes the channel.
func (c *Controller) Subscribe() (<-chan session.Session, func()) {
	ch := make(chan session.Session, 1)

	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch
	ch <- c.session
	c.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// setSession installs s and notifies subscribers. Publishing happens under
// the lock so every subscriber observes transitions in order; the sends
// never block.
func (c *Controller) setSession(s session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reflect.DeepEqual(c.session, s) {
		return
	}

	prev := c.session.State
	c.session = s

	for _, ch := range c.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}

	if prev != s.State {
		c.logger.Info("session state changed",
			slog.String("from", prev.String()),
			slog.String("to", s.State.String()),
		)
	}
}

// errSessionChanged reports a refresh whose result was discarded because
// the session was logged out or replaced while it was in flight.
var errSessionChanged = fmt.Errorf("session changed during refresh: %w", autherrors.ErrExpiredSession)

func (c *Controller) currentEpoch() uint64 {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	return c.epoch
}

// expire clears local credentials and moves to Unauthenticated without
// contacting the server.
func (c *Controller) expire(reason string) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.expireLocked(reason)
}

// expireIf expires the session only if it is still the one from epoch.
func (c *Controller) expireIf(epoch uint64, reason string) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if c.epoch != epoch {
		c.logger.Debug("session already replaced, not expiring", slog.String("reason", reason))
		return
	}

	c.expireLocked(reason)
}

func (c *Controller) expireLocked(reason string) {
	c.epoch++

	if err := c.store.Clear(); err != nil {
		c.logger.Warn("clearing session store", slog.String("error", err.Error()))
	}

	c.logger.Debug("session expired", slog.String("reason", reason))
	c.setSession(session.Unauthenticated())
}

// Bootstrap resolves the stored credentials into a session. It never
// leaves the controller in Loading: any failure ends Unauthenticated.
// Only a transient network failure keeps the stored credentials, so a
// later Bootstrap can recover once the server is reachable.
func (c *Controller) Bootstrap(ctx context.Context) session.Session {
	epoch := c.currentEpoch()
	s := c.bootstrap(ctx)

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	// A login or logout that completed meanwhile owns the session.
	if c.epoch != epoch {
		return c.Session()
	}

	c.setSession(s)

	return s
}

func (c *Controller) bootstrap(ctx context.Context) session.Session {
	token, err := c.store.AccessToken()
	if err != nil {
		c.logger.Warn("session store unreadable", slog.String("error", err.Error()))
		c.expire("store unreadable")

		return session.Unauthenticated()
	}

	cached, err := c.store.User()
	if err != nil {
		c.logger.Debug("cached user unreadable", slog.String("error", err.Error()))
		cached = nil
	}

	s := session.Classify(token, cached, c.now())
	if s.State != session.StateLoading {
		return s
	}

	if session.IsExpired(token, c.now()) {
		c.logger.Debug("stored access token expired, refreshing")

		s, err := c.Refresh(ctx)
		if err != nil {
			return session.Unauthenticated()
		}

		return s
	}

	user, err := c.resolveUser(ctx, token)
	if err != nil {
		if api.IsTransient(err) {
			c.logger.Warn("server unreachable during bootstrap", slog.String("error", err.Error()))
			return session.Unauthenticated()
		}

		c.logger.Warn("resolving user failed", slog.String("error", err.Error()))
		c.expire("user resolution failed")

		return session.Unauthenticated()
	}

	return session.Authenticated(user)
}

// resolveUser returns the cached user or fetches and caches it.
func (c *Controller) resolveUser(ctx context.Context, accessToken string) (*models.User, error) {
	if cached, err := c.store.User(); err == nil && cached != nil {
		return cached, nil
	}

	user, err := c.api.Me(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	// The cache only speeds up the next bootstrap.
	if err := c.store.SetUser(user); err != nil {
		c.logger.Warn("caching user", slog.String("error", err.Error()))
	}

	return user, nil
}

// Login authenticates with credentials. On failure the session is left
// untouched and the error is an *AuthError.
func (c *Controller) Login(ctx context.Context, creds api.Credentials) (session.Session, error) {
	creds.Email = normalizeEmail(creds.Email)

	resp, err := c.api.Login(ctx, creds)
	if err != nil {
		c.logger.Info("login rejected", slog.String("email", creds.Email), slog.String("error", err.Error()))
		return c.Session(), newAuthError(err, defaultLoginMessage)
	}

	s, err := c.establish(ctx, resp)
	if err != nil {
		return c.Session(), newAuthError(err, defaultLoginMessage)
	}

	c.logger.Info("logged in", slog.String("user_id", s.User.ID))

	return s, nil
}

// Register creates an account. When the server signs the user in
// immediately it behaves like Login and returns the new session;
// otherwise it returns a nil session and the caller should prompt for an
// explicit login.
func (c *Controller) Register(ctx context.Context, reg api.Registration) (*session.Session, error) {
	reg.Email = normalizeEmail(reg.Email)

	resp, err := c.api.Register(ctx, reg)
	if err != nil {
		return nil, newAuthError(err, defaultRegisterMessage)
	}

	if resp.AccessToken == "" {
		c.logger.Info("registered, login required", slog.String("email", reg.Email))
		return nil, nil
	}

	s, err := c.establish(ctx, resp)
	if err != nil {
		return nil, newAuthError(err, defaultRegisterMessage)
	}

	return &s, nil
}

// establish persists a freshly issued session. The previous session is
// kept when anything fails before the tokens are written.
func (c *Controller) establish(ctx context.Context, resp *api.AuthResponse) (session.Session, error) {
	user := resp.User
	if user == nil || user.ID == "" {
		var err error
		if user, err = c.api.Me(ctx, resp.AccessToken); err != nil {
			return session.Session{}, err
		}
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.epoch++

	if err := c.store.SetTokens(resp.Tokens()); err != nil {
		c.expireLocked("storing tokens failed")
		return session.Session{}, err
	}

	if err := c.store.SetUser(user); err != nil {
		c.logger.Warn("caching user", slog.String("error", err.Error()))
	}

	s := session.Authenticated(user)
	c.setSession(s)

	return s, nil
}

// Logout ends the session. The server is told on a best-effort basis;
// local credentials are always cleared. Safe to call at any time.
func (c *Controller) Logout(ctx context.Context) {
	if token := c.AccessToken(); token != "" {
		if err := c.api.Logout(ctx, token); err != nil {
			c.logger.Warn("remote logout failed", slog.String("error", err.Error()))
		}
	}

	c.expire("logout")
}

// Refresh mints a new access token with the stored refresh token. Calls
// made while a refresh is in flight wait for it and share its outcome.
// A rejected or impossible refresh ends the session; a transient network
// failure leaves it as it was.
func (c *Controller) Refresh(ctx context.Context) (session.Session, error) {
	_, err := c.refresh(ctx, "", true)

	return c.Session(), err
}

// RefreshFrom is called after the server rejected rejectedToken. If the
// stored token has already moved on, another caller refreshed in the
// meantime and the current token is returned without a network call.
// Otherwise it refreshes like Refresh and returns the new access token.
func (c *Controller) RefreshFrom(ctx context.Context, rejectedToken string) (string, error) {
	return c.refresh(ctx, rejectedToken, false)
}

func (c *Controller) refresh(ctx context.Context, rejected string, force bool) (string, error) {
	ch := c.refreshes.DoChan(refreshKey, func() (any, error) {
		if !force {
			if current := c.AccessToken(); current != "" && current != rejected {
				return current, nil
			}
		}

		// The shared refresh outlives any single caller.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()

		return c.doRefresh(rctx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil
	}
}

func (c *Controller) doRefresh(ctx context.Context) (string, error) {
	epoch := c.currentEpoch()

	refreshToken, err := c.store.RefreshToken()
	if err != nil {
		c.expireIf(epoch, "refresh token unreadable")
		return "", fmt.Errorf("reading refresh token: %w", err)
	}

	if refreshToken == "" {
		c.expireIf(epoch, "no refresh token")
		return "", fmt.Errorf("refreshing session: %w", autherrors.ErrExpiredSession)
	}

	c.logger.Debug("refreshing access token")

	pair, err := c.api.Refresh(ctx, refreshToken)
	if err != nil {
		if api.IsTransient(err) || ctx.Err() != nil {
			c.logger.Warn("refresh failed, keeping session", slog.String("error", err.Error()))
			return "", err
		}

		c.logger.Info("refresh rejected", slog.String("error", err.Error()))
		c.expireIf(epoch, "refresh rejected")

		if errors.Is(err, autherrors.ErrExpiredSession) {
			return "", err
		}

		return "", fmt.Errorf("%w: %w", autherrors.ErrExpiredSession, err)
	}

	if pair.RefreshToken == "" && c.keepRefreshToken {
		pair.RefreshToken = refreshToken
	}

	if err := c.commitTokens(epoch, *pair); err != nil {
		return "", err
	}

	user, fetched, err := c.refreshedUser(ctx, pair.AccessToken)
	if err != nil {
		if api.IsTransient(err) {
			return "", err
		}

		c.expireIf(epoch, "user resolution failed")

		return "", fmt.Errorf("%w: %w", autherrors.ErrExpiredSession, err)
	}

	if err := c.commitSession(epoch, user, fetched); err != nil {
		return "", err
	}

	return pair.AccessToken, nil
}

// commitTokens stores refreshed tokens unless the session moved on. The
// rotated tokens are written before the user is resolved so a spent
// refresh token is never kept.
func (c *Controller) commitTokens(epoch uint64, pair models.TokenPair) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if c.epoch != epoch {
		c.logger.Debug("discarding refresh result, session changed")
		return errSessionChanged
	}

	if err := c.store.SetTokens(pair); err != nil {
		c.expireLocked("storing refreshed tokens failed")
		return err
	}

	return nil
}

func (c *Controller) commitSession(epoch uint64, user *models.User, cache bool) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if c.epoch != epoch {
		c.logger.Debug("discarding refresh result, session changed")
		return errSessionChanged
	}

	if cache {
		if err := c.store.SetUser(user); err != nil {
			c.logger.Warn("caching user", slog.String("error", err.Error()))
		}
	}

	c.setSession(session.Authenticated(user))

	return nil
}

// refreshedUser returns the cached user, or fetches it with the new token
// and reports that it still has to be cached.
func (c *Controller) refreshedUser(ctx context.Context, accessToken string) (*models.User, bool, error) {
	if cached, err := c.store.User(); err == nil && cached != nil {
		return cached, false, nil
	}

	user, err := c.api.Me(ctx, accessToken)
	if err != nil {
		return nil, false, err
	}

	return user, true, nil
}

// UpdateUser merges patch into the current user locally. Nothing is sent
// to the server.
func (c *Controller) UpdateUser(patch models.UserPatch) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	current := c.Session()
	if !current.IsAuthenticated() {
		return fmt.Errorf("updating user: %w", autherrors.ErrExpiredSession)
	}

	merged := patch.Apply(current.User)
	if err := c.store.SetUser(merged); err != nil {
		return fmt.Errorf("updating user: %w", err)
	}

	c.setSession(session.Authenticated(merged))

	return nil
}

// Resync reconciles the session with the store after an external change,
// such as another process logging in or out with the same store.
func (c *Controller) Resync(ctx context.Context) session.Session {
	token, err := c.store.AccessToken()
	if err != nil || token == "" {
		if c.Session().State != session.StateUnauthenticated {
			c.expire("store cleared externally")
		}

		return c.Session()
	}

	current := c.Session()
	if current.IsAuthenticated() && !session.IsExpired(token, c.now()) {
		if cached, err := c.store.User(); err == nil && cached != nil {
			c.setSession(session.Authenticated(cached))
		}

		return c.Session()
	}

	return c.Bootstrap(ctx)
}

func normalizeEmail(email string) string {
	return norm.NFC.String(strings.TrimSpace(email))
}

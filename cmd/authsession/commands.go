package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/authsession/internal/api"
	"github.com/alexjbarnes/authsession/internal/auth"
	"github.com/alexjbarnes/authsession/internal/config"
	"github.com/alexjbarnes/authsession/internal/models"
	"github.com/alexjbarnes/authsession/internal/pipeline"
	"github.com/alexjbarnes/authsession/internal/session"
	"github.com/alexjbarnes/authsession/internal/tokenstore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// maxConcurrentGets bounds how many paths `get` fetches at once.
const maxConcurrentGets = 4

func runLogin(ctx context.Context, cfg *config.Config, controller *auth.Controller, out io.Writer) error {
	if cfg.Email == "" || cfg.Password == "" {
		return errors.New("AUTHSESSION_EMAIL and AUTHSESSION_PASSWORD are required to log in")
	}

	s, err := controller.Login(ctx, api.Credentials{Email: cfg.Email, Password: cfg.Password})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "logged in as %s\n", displayName(s.User))

	return nil
}

func displayName(u *models.User) string {
	switch {
	case u == nil:
		return "unknown user"
	case u.Email != "":
		return u.Email
	case u.Name != "":
		return u.Name
	default:
		return u.ID
	}
}

type sessionView struct {
	State string       `yaml:"state"`
	User  *models.User `yaml:"user,omitempty"`
}

func printSession(out io.Writer, s session.Session) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)

	if err := enc.Encode(sessionView{State: s.State.String(), User: s.User}); err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	return enc.Close()
}

// runGet fetches every path through the authenticated pipeline and prints
// the bodies in argument order.
func runGet(ctx context.Context, cfg *config.Config, controller *auth.Controller, paths []string, out io.Writer, logger *slog.Logger) error {
	if len(paths) == 0 {
		return errors.New("get needs at least one path")
	}

	client := pipeline.NewClient(cfg.APIURL, controller, cfg.HTTPTimeout, logger)
	bodies := make([]json.RawMessage, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentGets)

	for i, path := range paths {
		g.Go(func() error {
			if err := client.Do(gctx, http.MethodGet, path, nil, &bodies[i]); err != nil {
				return fmt.Errorf("GET %s: %w", path, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for i, path := range paths {
		fmt.Fprintf(out, "%s\t%s\n", path, compact(bodies[i]))
	}

	return nil
}

func compact(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}

	return buf.Bytes()
}

// runWatch keeps the controller in step with a file store shared by other
// processes and logs every session transition until ctx is cancelled.
func runWatch(ctx context.Context, store tokenstore.Store, controller *auth.Controller, logger *slog.Logger) error {
	fs, ok := store.(*tokenstore.FileStore)
	if !ok {
		return errors.New("watch requires AUTHSESSION_STORE=file")
	}

	updates, unsubscribe := controller.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tokenstore.Watch(gctx, fs.Path(), logger, func() {
			controller.Resync(gctx)
		})
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case s := <-updates:
				attrs := []any{slog.String("state", s.State.String())}
				if s.User != nil {
					attrs = append(attrs, slog.String("user_id", s.User.ID))
				}

				logger.Info("session", attrs...)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

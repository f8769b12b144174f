package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/authsession/internal/api"
	"github.com/alexjbarnes/authsession/internal/auth"
	"github.com/alexjbarnes/authsession/internal/config"
	"github.com/alexjbarnes/authsession/internal/logging"
	"github.com/alexjbarnes/authsession/internal/tokenstore"
)

var Version = "dev"

const usage = `usage: authsession <command> [args]

commands:
  login           sign in with AUTHSESSION_EMAIL and AUTHSESSION_PASSWORD
  logout          end the session and clear stored credentials
  whoami          print the current session
  get <path>...   fetch API paths with the session's credentials
  watch           follow session changes made by other processes (file store only)`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return errors.New("no command given")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("authsession starting",
		slog.String("version", Version),
		slog.String("command", args[0]),
		slog.String("store", cfg.Store),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := openStore(cfg, logger)
	defer store.Close()

	controller := auth.NewController(
		store,
		api.NewClient(cfg.APIURL, api.NewHTTPClient(nil, cfg.HTTPTimeout)),
		logger,
		auth.WithKeepRefreshToken(cfg.KeepRefreshToken),
		auth.WithRefreshTimeout(cfg.RefreshTimeout),
	)
	controller.Bootstrap(ctx)

	switch args[0] {
	case "login":
		return runLogin(ctx, cfg, controller, os.Stdout)
	case "logout":
		controller.Logout(ctx)
		fmt.Fprintln(os.Stdout, "logged out")
		return nil
	case "whoami":
		return printSession(os.Stdout, controller.Session())
	case "get":
		return runGet(ctx, cfg, controller, args[1:], os.Stdout, logger)
	case "watch":
		return runWatch(ctx, store, controller, logger)
	default:
		fmt.Fprintln(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// openStore opens the configured backend. A store that cannot be opened
// degrades to memory so the command still runs, unauthenticated.
func openStore(cfg *config.Config, logger *slog.Logger) tokenstore.Store {
	opts := tokenstore.Options{Passphrase: cfg.StorePassphrase}

	var (
		store tokenstore.Store
		err   error
	)

	switch cfg.Store {
	case config.StoreMemory:
		return tokenstore.NewMemoryStore()
	case config.StoreFile:
		path := cfg.StorePath
		if path == "" {
			if path, err = tokenstore.DefaultPath("session.json"); err != nil {
				break
			}
		}

		store, err = tokenstore.OpenFile(path, opts)
	default:
		path := cfg.StorePath
		if path == "" {
			if path, err = tokenstore.DefaultPath("session.db"); err != nil {
				break
			}
		}

		store, err = tokenstore.OpenBolt(path, opts)
	}

	if err != nil {
		logger.Warn("session store unavailable, credentials will not persist",
			slog.String("store", cfg.Store),
			slog.String("error", err.Error()),
		)

		return tokenstore.NewMemoryStore()
	}

	return store
}

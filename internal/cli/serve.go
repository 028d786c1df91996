package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Vasu1712/framerate-backend/internal/api"
	apisessions "github.com/Vasu1712/framerate-backend/internal/api/sessions"
	"github.com/Vasu1712/framerate-backend/internal/auth"
	"github.com/Vasu1712/framerate-backend/internal/config"
	"github.com/Vasu1712/framerate-backend/internal/profile"
	"github.com/Vasu1712/framerate-backend/internal/sessions"
	"github.com/Vasu1712/framerate-backend/internal/ws"
)

const (
	janitorInterval      = 10 * time.Minute
	relayJanitorInterval = time.Minute
	shutdownTimeout      = 5 * time.Second
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		Long: `Start the session API.

The store is picked by STORE_BACKEND. With "auto" a reachable Valkey is used,
otherwise sessions live in memory. Valkey relays session updates between
processes over pub/sub, postgres over LISTEN/NOTIFY.

Example:
  framerate serve
  STORE_BACKEND=postgres DATABASE_URL=postgres://... framerate serve -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts.Config)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer b.Close()
	if b.pg != nil {
		b.pg.StartJanitor(ctx, janitorInterval)
	}
	if b.pgRelay != nil {
		b.pgRelay.StartJanitor(ctx, relayJanitorInterval)
	}

	hub := ws.NewHub(b.relay)
	go hub.Run(ctx)

	handler, err := newSessionHandler(cfg, b, hub)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up sessions", err)
	}
	router := api.NewRouter(handler, cfg.CORSAllowedOrigins)

	log.Info().Str("addr", cfg.Addr()).Str("store", b.name).Str("env", cfg.Env).Msg("listening")
	if err := startHTTP(ctx, cfg.Addr(), router); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func newSessionHandler(cfg config.Config, b *backend, hub *ws.Hub) (*apisessions.SessionHandler, error) {
	var opts []sessions.Option
	if cfg.ProfileLookup {
		// Profiles are cached in the session store itself.
		opts = append(opts, sessions.WithProfileLookup(profile.New(cfg.LetterboxdBaseURL, b.store), cfg.ProfileTimeout))
	}
	svc := sessions.NewService(sessions.NewEngine(b.store), hub, opts...)

	tokens, err := auth.NewIssuer(cfg.AppSecret, sessions.SessionTTL)
	if err != nil {
		return nil, err
	}

	return &apisessions.SessionHandler{
		Sessions:     svc,
		Hub:          hub,
		Tokens:       tokens,
		RequireToken: cfg.RequireParticipantToken,
		Stream:       apisessions.StreamOptions{AllowedOrigins: cfg.CORSAllowedOrigins},
	}, nil
}

// startHTTP serves h on addr until ctx is done, then shuts down gracefully.
func startHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/verbose/chat/internal/auth"
	"github.com/verbose/chat/internal/chat"
	"github.com/verbose/chat/internal/config"
	"github.com/verbose/chat/internal/gateway"
	"github.com/verbose/chat/internal/httpapi"
	"github.com/verbose/chat/internal/messaging"
	"github.com/verbose/chat/internal/presence"
	"github.com/verbose/chat/internal/ratelimit"
	"github.com/verbose/chat/internal/store"
	"github.com/verbose/chat/internal/store/memstore"
	"github.com/verbose/chat/internal/store/postgres"
	"github.com/verbose/chat/internal/ws"
)

type ServeCmd struct {
	flags *Flags
}

// NewServeCmd creates a new serve command
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "serve",
		Usage:       "Run the chat server",
		UsageText:   "chatserver serve",
		Description: "Serves the REST API, the WebSocket endpoint and metrics on LISTEN_ADDR.",
		Action:      cmd.Run,
	})

	return app
}

// Run starts every component and blocks until SIGINT or SIGTERM.
func (cmd *ServeCmd) Run(ctx context.Context, _ *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cmd.flags.Config = cfg

	logger := log.With().Str("server", cfg.ServerName).Logger()
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	limiter := ratelimit.NewLimiter(rdb, logger)
	directory := presence.NewDirectory(rdb, cfg.ServerName)

	// --- Realtime ---
	chatSvc := chat.NewService(st, logger)
	dispatcher := ws.NewMessageDispatcher(logger)
	wsServer := ws.NewServer(ws.ServerConfig{
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}, dispatcher.Dispatch, logger)

	gwOpts := []gateway.Option{
		gateway.WithDirectory(directory),
		gateway.WithLimiter(limiter),
	}

	var relay *messaging.Relay
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = cfg.ServerName
		nc, err := messaging.NewNATSClient(natsCfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		relay = messaging.NewRelay(nc, cfg.ServerName, logger)
		gwOpts = append(gwOpts, gateway.WithRelay(relay))
	}

	gw := gateway.New(wsServer, chatSvc, st, logger, gwOpts...)
	gw.Register(dispatcher)
	wsServer.SetOnDisconnect(gw.HandleDisconnect)

	if relay != nil {
		if err := relay.Listen(gw.DeliverLocal); err != nil {
			return err
		}
	}

	// --- Auth ---
	mailer, err := newMailer(cfg, logger)
	if err != nil {
		return err
	}
	authSvc := auth.NewService(auth.Config{
		Users:   st,
		Tokens:  st,
		Issuer:  auth.NewTokenIssuer(cfg.AccessTokenSecret, cfg.RefreshTokenSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		OTPs:    auth.NewRedisOTPStore(rdb),
		Mailer:  mailer,
		Limiter: limiter,
		OTPTTL:  cfg.OTPTTL,
	}, logger)
	wsServer.SetAuthenticator(authSvc.AuthenticateRequest)

	if err := wsServer.Start(); err != nil {
		return err
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Auth:         authSvc,
		Chat:         chatSvc,
		Users:        st,
		Presence:     gw,
		Stats:        wsServer,
		WebSocket:    wsServer,
		CookieSecure: cfg.CookieSecure,
		CORSOrigin:   cfg.CORSOrigin,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go refreshPresence(ctx, gw)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("store", cfg.StoreDriver).
			Bool("relay", relay != nil).
			Msg("chat server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("websocket shutdown")
	}
	if relay != nil {
		if err := relay.Close(); err != nil {
			logger.Warn().Err(err).Msg("relay close")
		}
	}

	logger.Info().Msg("chat server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return memstore.New(), nil
	default:
		st, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(st.DB(), postgres.Up); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	}
}

func newMailer(cfg *config.Config, logger zerolog.Logger) (auth.Mailer, error) {
	if cfg.SMTPAddr == "" {
		return auth.NewLogMailer(logger), nil
	}
	return auth.NewSMTPMailer(cfg.SMTPAddr, cfg.SMTPUser, cfg.SMTPPass, cfg.MailFrom)
}

// refreshPresence keeps directory entries of local users alive while they
// stay connected.
func refreshPresence(ctx context.Context, gw *gateway.Gateway) {
	ticker := time.NewTicker(presence.DirectoryTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gw.RefreshPresence(ctx)
		}
	}
}

// Command portal serves the token portal's authentication layer.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokenportal/portal/auth"
	"github.com/tokenportal/portal/backend"
	"github.com/tokenportal/portal/config"
	"github.com/tokenportal/portal/endpoint"
	"github.com/tokenportal/portal/events"
	"github.com/tokenportal/portal/locale"
	"github.com/tokenportal/portal/middleware"
	"github.com/tokenportal/portal/oidcconf"
	"github.com/tokenportal/portal/session"
	"github.com/tokenportal/portal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("portal stopped", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.EphemeralKeys {
		logger.Warn("COOKIE_KEYS not set, using an ephemeral key; sessions end on restart")
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	cookieOpts := []middleware.SecureCookieOption{middleware.WithSecure(cfg.CookieSecure)}

	var client *redis.Client
	if cfg.NeedsRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client = redis.NewClient(opts)
		defer client.Close()
	}

	var sessions session.Backend
	switch cfg.SessionBackend {
	case config.SessionRedis:
		rp, err := session.NewRedisPersistence(client, cfg.CookieKeyID, cfg.CookieKeys, cookieOpts...)
		if err != nil {
			return err
		}
		sessions = rp
	default:
		cp, err := session.NewCookiePersistence(cfg.CookieKeyID, cfg.CookieKeys, cookieOpts...)
		if err != nil {
			return err
		}
		sessions = cp
	}

	var pub *events.Publisher
	switch cfg.EventsBackend {
	case config.EventsRedis:
		stream, err := events.NewRedisStreamPublisher(client, logger)
		if err != nil {
			return fmt.Errorf("events publisher: %w", err)
		}
		pub = events.NewPublisher(stream, cfg.EventsTopic, logger)
		defer pub.Close()
	default:
		logger.Info("auth events disabled", zap.String("events_backend", string(cfg.EventsBackend)))
	}

	api, err := backend.NewClient(cfg.BackendURL,
		backend.WithHTTPClient(&http.Client{Timeout: cfg.BackendTimeout}),
		backend.WithRetries(uint64(cfg.BackendRetries)),
		backend.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	registry := wallet.NewRegistry(wallet.WithCooldown(cfg.WalletCooldown))
	wallets := wallet.NewAuthenticator(registry, api, pub, logger)

	handler, err := auth.NewHandler(provider, session.NewProcessor(sessions, logger), cfg.CookieKeyID, cfg.CookieKeys,
		auth.WithLogger(logger),
		auth.WithCookieOptions(cookieOpts...),
		auth.WithProcessors(
			middleware.Recover(logger),
			middleware.NewSecurityHeadersProcessor(),
		),
		auth.WithEvents(pub),
		auth.WithWallet(wallets, middleware.NewRateLimiter(cfg.WalletRateLimitRPM).TrustProxy(cfg.TrustProxyHeaders)),
		auth.WithTransparency(api),
		auth.WithBackendProxy(cfg.BackendURL),
		auth.WithLocale(&locale.Processor{Resolver: locale.NewResolver(cfg.DefaultLocale), Secure: cfg.CookieSecure}),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.HandleFunc("GET /healthz", endpoint.HandleFunc(func(http.ResponseWriter, *http.Request, struct{}) (endpoint.Renderer, error) {
		return &endpoint.StringRenderer{Body: "ok"}, nil
	}))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// newProvider builds the OIDC provider. An incomplete configuration is
// logged and sign-in answers 503; the rest of the portal still serves.
func newProvider(ctx context.Context, cfg config.Config, logger *zap.Logger) (*auth.Provider, error) {
	oc := cfg.OIDC()
	if cfg.OIDCDiscovery && oc.Issuer != "" {
		discovered, err := oidcconf.Discover(ctx, oc)
		if err != nil {
			logger.Warn("OIDC discovery failed, using static endpoints", zap.Error(err))
		} else {
			oc = discovered
		}
	}
	var verifier *oidc.IDTokenVerifier
	if oc.Validate(logger) {
		v, err := oc.Verifier(ctx)
		if err != nil {
			return nil, fmt.Errorf("OIDC verifier: %w", err)
		}
		verifier = v
	}
	p := auth.NewProvider(oc, verifier, cfg.PublicURL)
	p.TrustProxyHeaders(cfg.TrustProxyHeaders)
	return p, nil
}

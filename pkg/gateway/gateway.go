package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apiv1 "github.com/beam-cloud/airsync/pkg/api/v1"
	"github.com/beam-cloud/airsync/pkg/auth"
	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/engine"
	"github.com/beam-cloud/airsync/pkg/repository"
	"github.com/beam-cloud/airsync/pkg/sandbox"
	"github.com/beam-cloud/airsync/pkg/types"
)

type Gateway struct {
	Config      types.AppConfig
	RedisClient *common.RedisClient
	Store       *repository.PostgresCanonicalStore
	Engine      *engine.Engine

	httpServer *http.Server
	echo       *echo.Echo
	eventBus   *common.EventBus
	authn      auth.Authenticator
	ctx        context.Context
	cancelFunc context.CancelFunc

	baseRouteGroup *echo.Group
	rootRouteGroup *echo.Group
}

func NewGateway() (*Gateway, error) {
	configManager, err := common.NewConfigManager[types.AppConfig]()
	if err != nil {
		return nil, err
	}
	return NewGatewayWithConfig(configManager.GetConfig())
}

// NewGatewayWithConfig builds a gateway from an already loaded config
func NewGatewayWithConfig(config types.AppConfig) (*Gateway, error) {
	// Setup logging
	if config.PrettyLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	if config.DebugMode {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		Config:     config,
		ctx:        ctx,
		cancelFunc: cancel,
	}

	authz, authn := auth.NewFromConfig(config.Auth)
	g.authn = authn
	opts := engine.Options{Authorizer: authz}

	provisioner, err := sandbox.NewProvisioner(config.Sandbox)
	if err != nil {
		cancel()
		return nil, err
	}
	opts.Provisioner = provisioner
	log.Info().Str("runtime", string(config.Sandbox.Runtime)).Msg("sandbox provisioner configured")

	// Local mode: in-memory store, locks and fan-out
	if config.IsLocalMode() {
		log.Info().Msg("running in local mode - Redis and Postgres disabled")
	} else {
		g.RedisClient, err = common.NewRedisClient(config.Database.Redis, common.WithClientName("AirsyncGateway"))
		if err != nil {
			cancel()
			return nil, err
		}

		g.Store, err = repository.OpenPostgresCanonicalStore(ctx, config.Database.Postgres)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := g.migrate(); err != nil {
			cancel()
			return nil, err
		}

		g.eventBus = common.NewEventBus(ctx, g.RedisClient)
		opts.Store = g.Store
		opts.Locks = repository.NewLockRedisRepository(g.RedisClient)
		opts.Bus = g.eventBus
		opts.ProvisionLock = common.NewRedisLock(g.RedisClient)
	}

	g.Engine = engine.New(ctx, config, opts)
	return g, nil
}

// migrate runs schema migrations while holding the init lock so replicas
// starting together do not race
func (g *Gateway) migrate() error {
	unlock, err := g.initLock("migrations")
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer unlock()

	return g.Store.Migrate(g.ctx)
}

func (g *Gateway) initLock(name string) (func(), error) {
	// Skip locking in local mode (no Redis)
	if g.RedisClient == nil {
		return func() {}, nil
	}

	lockKey := common.Keys.GatewayInitLock(name)
	lock := common.NewRedisLock(g.RedisClient)

	if err := lock.Acquire(g.ctx, lockKey, common.RedisLockOptions{TtlS: 30, Retries: 10}); err != nil {
		return nil, err
	}

	return func() {
		if err := lock.Release(lockKey); err != nil {
			log.Error().Str("lock_key", lockKey).Err(err).Msg("failed to release init lock")
		}
	}, nil
}

func (g *Gateway) initHTTP() error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())

	if g.Config.DebugMode {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "${time_rfc3339} ${method} ${uri} ${status} ${latency_human}\n",
		}))
	}

	cors := g.Config.Gateway.HTTP.CORS
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cors.AllowedOrigins,
		AllowHeaders: cors.AllowedHeaders,
		AllowMethods: cors.AllowedMethods,
	}))

	e.Use(middleware.Recover())

	g.echo = e
	g.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.Config.Gateway.HTTP.Host, g.Config.Gateway.HTTP.Port),
		Handler: e,
	}

	g.baseRouteGroup = e.Group(apiv1.HttpServerBaseRoute)
	g.rootRouteGroup = e.Group(apiv1.HttpServerRootRoute)

	g.registerRoutes()
	return nil
}

func (g *Gateway) registerRoutes() {
	// Health check is unauthenticated
	apiv1.NewHealthGroup(g.baseRouteGroup.Group("/health"), g.RedisClient)

	api := g.baseRouteGroup.Group("", apiv1.NewAuthMiddleware(g.authn))
	apiv1.NewProjectsGroup(api, g.Engine)
	apiv1.NewWSGroup(api, g.Engine, g.Config.Gateway.HTTP.CORS.AllowedOrigins, g.Config.Sync.OpTimeout)

	log.Info().Str("base", apiv1.HttpServerBaseRoute).Msg("project API registered")
}

// Handler returns the HTTP handler, initializing routes on first use
func (g *Gateway) Handler() http.Handler {
	if g.echo == nil {
		_ = g.initHTTP()
	}
	return g.echo
}

// StartAsync starts the gateway without blocking.
// Use this when embedding the gateway in another process (e.g., CLI).
func (g *Gateway) StartAsync() error {
	if g.echo == nil {
		if err := g.initHTTP(); err != nil {
			return fmt.Errorf("failed to initialize http server: %w", err)
		}
	}

	if g.eventBus != nil {
		go g.eventBus.Start()
		<-g.eventBus.Ready()
	}
	go g.Engine.Run(g.ctx)

	addr := g.httpServer.Addr
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		if err := g.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	log.Info().
		Str("host", g.Config.Gateway.HTTP.Host).
		Int("port", g.Config.Gateway.HTTP.Port).
		Str("mode", g.Config.Mode).
		Msg("gateway http server running")

	return nil
}

// Shutdown gracefully shuts down the gateway (exported for external use)
func (g *Gateway) Shutdown() {
	g.shutdown()
}

func (g *Gateway) Start() error {
	if err := g.StartAsync(); err != nil {
		return err
	}

	terminationSignal := make(chan os.Signal, 1)
	signal.Notify(terminationSignal, os.Interrupt, syscall.SIGTERM)
	<-terminationSignal

	log.Info().Msg("termination signal received. shutting down...")
	g.shutdown()

	return nil
}

// shutdown stops accepting requests, then tears down every sandbox
func (g *Gateway) shutdown() {
	timeout := g.Config.Gateway.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	if g.httpServer != nil {
		eg.Go(func() error {
			return g.httpServer.Shutdown(ctx)
		})
	}

	// Stop terminals, watchers and sandboxes
	eg.Go(func() error {
		g.Engine.Close()
		return nil
	})

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("failed to shutdown gateway gracefully")
	}

	g.cancelFunc()

	if g.Store != nil {
		if err := g.Store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close postgres")
		}
	}
	if g.RedisClient != nil {
		if err := g.RedisClient.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis")
		}
	}

	log.Info().Msg("gateway stopped")
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/apigatekeeper/internal/audit"
	"github.com/vyrodovalexey/apigatekeeper/internal/capability"
	"github.com/vyrodovalexey/apigatekeeper/internal/circuitbreaker"
	"github.com/vyrodovalexey/apigatekeeper/internal/config"
	"github.com/vyrodovalexey/apigatekeeper/internal/gatekeeper"
	"github.com/vyrodovalexey/apigatekeeper/internal/health"
	"github.com/vyrodovalexey/apigatekeeper/internal/housekeeping"
	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
	"github.com/vyrodovalexey/apigatekeeper/internal/ratelimit"
	"github.com/vyrodovalexey/apigatekeeper/internal/server"
	"github.com/vyrodovalexey/apigatekeeper/internal/storage"
	"github.com/vyrodovalexey/apigatekeeper/internal/token"
	"github.com/vyrodovalexey/apigatekeeper/internal/vault"
)

// application holds the wired components and what must be released on
// shutdown.
type application struct {
	cfg       *config.Config
	logger    observability.Logger
	registry  *observability.Registry
	tracer    *observability.Tracer
	db        *sql.DB
	redis     redis.UniversalClient
	resolver  *capability.Resolver
	watcher   *config.Watcher
	tokens    *token.Service
	trail     *audit.Logger
	gate      *gatekeeper.Gatekeeper
	janitor   *housekeeping.Janitor
	server    *server.Server
	startedAt time.Time
}

// newApplication wires every component from cfg. On error everything
// already opened is released.
func newApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (_ *application, err error) {
	app := &application{
		cfg:       cfg,
		logger:    logger,
		registry:  observability.NewRegistry(observability.DefaultNamespace),
		startedAt: time.Now(),
	}
	defer func() {
		if err != nil {
			app.release(context.Background())
		}
	}()

	app.registry.SetBuildInfo(version, gitCommit, buildTime)
	ns, reg := app.registry.Namespace(), app.registry.Registerer()

	app.tracer, err = observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}

	if err = app.openDatabase(ctx); err != nil {
		return nil, err
	}

	if err = app.initResolver(ctx, ns); err != nil {
		return nil, err
	}

	if err = app.initTokens(ctx, ns); err != nil {
		return nil, err
	}

	limiter, cleaner := app.initLimiter(ns)

	app.initAudit(ns)

	gateOpts := []gatekeeper.Option{
		gatekeeper.WithLogger(logger),
		gatekeeper.WithMetrics(gatekeeper.NewMetrics(ns, reg)),
		gatekeeper.WithTracer(app.tracer.Tracer()),
	}
	if cfg.Auth.SessionHeader != "" {
		sessions, sessErr := gatekeeper.NewSignedSessions([]byte(cfg.Auth.SessionSecret), app.resolver,
			gatekeeper.WithSessionMaxAge(cfg.Auth.SessionMaxAge.Duration()))
		if sessErr != nil {
			return nil, fmt.Errorf("failed to configure sessions: %w", sessErr)
		}
		gateOpts = append(gateOpts, gatekeeper.WithSessions(sessions))
	}
	app.gate = gatekeeper.New(app.tokens, app.resolver, limiter, app.trail, gatekeeper.Config{
		RateLimit:         cfg.RateLimit.Requests,
		SessionCapability: cfg.Auth.SessionCapability,
	}, gateOpts...)

	app.janitor = housekeeping.New(cfg.Housekeeping.Interval.Duration(),
		housekeeping.WithTokens(app.tokens),
		housekeeping.WithAudit(app.trail),
		housekeeping.WithLimiter(cleaner, 2*cfg.RateLimit.Window.Duration()),
		housekeeping.WithLogger(logger.With(observability.String("component", "housekeeping"))),
		housekeeping.WithMetrics(housekeeping.NewMetrics(ns, reg)),
	)

	var checks []health.Check
	if app.db != nil {
		checks = append(checks, health.SQLCheck("postgres", app.db))
	}
	if app.redis != nil {
		checks = append(checks, health.RedisCheck("redis", app.redis))
	}
	probes := health.NewHandler(checks,
		health.WithLogger(logger),
		health.WithMetrics(health.NewMetrics(ns, reg)),
	)

	app.server = server.New(server.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:    cfg.Server.WriteTimeout.Duration(),
		SessionHeader:   cfg.Auth.SessionHeader,
		TrustedProxies:  cfg.Server.TrustedProxies,
		FloodGuardRPS:   cfg.Server.FloodGuard.RPS,
		FloodGuardBurst: cfg.Server.FloodGuard.Burst,
	}, app.gate, app.resolver,
		server.WithLogger(logger),
		server.WithMetrics(server.NewMetrics(ns, reg)),
		server.WithMetricsHandler(app.registry.Handler()),
		server.WithHealth(probes),
		server.WithTracer(app.tracer.Tracer()),
		server.WithTokens(app.tokens),
		server.WithAudit(app.trail),
	)

	return app, nil
}

func (a *application) openDatabase(ctx context.Context) error {
	if a.cfg.Storage.Backend != config.BackendPostgres && a.cfg.Audit.Backend != config.BackendPostgres {
		return nil
	}

	pg := a.cfg.Storage.Postgres
	db, err := storage.Open(ctx, pg.DSN, storage.Options{
		MaxOpenConns:   pg.MaxOpenConns,
		ConnectRetries: pg.ConnectRetries,
		Logger:         a.logger.With(observability.String("component", "storage")),
	})
	if err != nil {
		return err
	}
	a.db = db

	if pg.Migrate {
		if err := storage.Migrate(db, storage.DirectionUp); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		a.logger.Info("database schema up to date")
	}
	return nil
}

func (a *application) initResolver(ctx context.Context, ns string) error {
	var table *capability.Table
	path := a.cfg.Auth.CapabilitiesFile
	if path != "" {
		loaded, err := capability.LoadTable(path)
		if err != nil {
			return fmt.Errorf("load capability table: %w", err)
		}
		table = loaded
	}

	resolver, err := capability.NewResolver(table,
		capability.WithLogger(a.logger.With(observability.String("component", "capability"))),
		capability.WithMetrics(capability.NewMetrics(ns, a.registry.Registerer())),
	)
	if err != nil {
		return fmt.Errorf("create capability resolver: %w", err)
	}
	a.resolver = resolver

	if path != "" {
		watcher, err := resolver.Watch(ctx, path)
		if err != nil {
			return fmt.Errorf("watch capability table: %w", err)
		}
		a.watcher = watcher
	}
	return nil
}

// pepper returns the configured pepper, read from Vault when enabled.
func (a *application) pepper(ctx context.Context, ns string) ([]byte, error) {
	if !a.cfg.Vault.Enabled {
		return []byte(a.cfg.Auth.Pepper), nil
	}

	v := a.cfg.Vault
	source, err := vault.NewPepperSource(vault.Config{
		Address:    v.Address,
		Token:      v.Token,
		MountPath:  v.MountPath,
		PepperPath: v.PepperPath,
		PepperKey:  v.PepperKey,
		MaxRetries: 2,
	},
		vault.WithLogger(a.logger),
		vault.WithMetrics(vault.NewMetrics(ns, a.registry.Registerer())),
	)
	if err != nil {
		return nil, err
	}
	return source.Pepper(ctx)
}

func (a *application) initTokens(ctx context.Context, ns string) error {
	pepper, err := a.pepper(ctx, ns)
	if err != nil {
		return fmt.Errorf("load token pepper: %w", err)
	}

	hasher, err := token.NewHasher(a.cfg.Auth.HashAlgorithm, pepper, a.cfg.Auth.BcryptCost)
	if err != nil {
		return fmt.Errorf("create token hasher: %w", err)
	}

	var store token.Store = token.NewMemoryStore()
	if a.cfg.Storage.Backend == config.BackendPostgres {
		store = token.NewPostgresStore(a.db)
	}

	tcfg := token.DefaultConfig()
	tcfg.Prefix = a.cfg.Auth.TokenPrefix
	tcfg.DefaultLifetime = a.cfg.Auth.DefaultLifetime.Duration()
	tcfg.MaxLifetime = a.cfg.Auth.MaxLifetime.Duration()
	tcfg.AdminCapability = a.cfg.Auth.AdminCapability

	a.tokens, err = token.NewService(store, tcfg,
		token.WithHasher(hasher),
		token.WithDirectory(a.resolver),
		token.WithScopeValidator(a.resolver),
		token.WithLogger(a.logger.With(observability.String("component", "token"))),
		token.WithMetrics(token.NewMetrics(ns, a.registry.Registerer())),
	)
	if err != nil {
		return fmt.Errorf("create token service: %w", err)
	}

	a.logger.Info("token service ready",
		observability.String("store", a.cfg.Storage.Backend),
		observability.String("hash", hasher.Name()),
	)
	return nil
}

// initLimiter builds the rate limiter. The returned cleaner drops idle
// local windows; for Redis it is the local fallback.
func (a *application) initLimiter(ns string) (ratelimit.Limiter, ratelimit.Cleaner) {
	rl := a.cfg.RateLimit
	window := rl.Window.Duration()
	metrics := ratelimit.NewMetrics(ns, a.registry.Registerer())
	logger := a.logger.With(observability.String("component", "ratelimit"))

	local := ratelimit.NewSlidingWindowLimiter(window,
		ratelimit.WithWindowLogger(logger),
		ratelimit.WithWindowMetrics(metrics),
	)
	if rl.Backend != config.BackendRedis {
		return local, local
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     rl.Redis.Address,
		Password: rl.Redis.Password,
		DB:       rl.Redis.DB,
	})
	breaker := circuitbreaker.New("ratelimit-redis", rl.Breaker.Threshold, rl.Breaker.Timeout.Duration(),
		circuitbreaker.WithLogger(logger),
		circuitbreaker.WithMetrics(circuitbreaker.NewMetrics(ns, a.registry.Registerer())),
	)

	opts := []ratelimit.RedisOption{
		ratelimit.WithKeyPrefix(rl.Redis.Prefix),
		ratelimit.WithBreaker(breaker),
		ratelimit.WithRedisLogger(logger),
		ratelimit.WithRedisMetrics(metrics),
	}
	if rl.Fallback {
		opts = append(opts, ratelimit.WithFallback(local))
	}
	return ratelimit.NewRedisLimiter(a.redis, window, opts...), local
}

func (a *application) initAudit(ns string) {
	ac := a.cfg.Audit

	var store audit.Store = audit.NewMemoryStore(ac.MaxEntries)
	if ac.Backend == config.BackendPostgres {
		store = audit.NewPostgresStore(a.db, ac.MaxEntries)
	}

	cfg := audit.DefaultConfig()
	cfg.Retention = ac.Retention.Duration()
	cfg.MaxEntries = ac.MaxEntries
	cfg.LogEntries = ac.LogEntries
	cfg.QueueSize = ac.QueueSize

	a.trail = audit.NewLogger(store, cfg,
		audit.WithLogger(a.logger.With(observability.String("component", "audit"))),
		audit.WithSink(a.logger.Named("audit")),
		audit.WithMetrics(audit.NewMetrics(ns, a.registry.Registerer())),
	)
}

// start runs the janitor and serves until shutdown.
func (a *application) start(ctx context.Context) error {
	go a.janitor.Run(ctx)
	return a.server.Start()
}

// shutdown stops serving first, then releases the rest.
func (a *application) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("failed to stop server gracefully", observability.Error(err))
	}
	a.janitor.Stop()
	a.release(ctx)
}

// release closes everything opened by newApplication. Nil components are
// skipped so it is safe on a partially built application.
func (a *application) release(ctx context.Context) {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Stop())
	}
	if a.tokens != nil {
		a.tokens.Close()
	}
	if a.trail != nil {
		errs = append(errs, a.trail.Close(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("failed to release resources", observability.Error(err))
	}
}

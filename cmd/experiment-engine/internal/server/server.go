// Package server wires the experiment engine's dependencies together
// and exposes its chi routes.
package server

import (
	"context"
	"fmt"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jizhuozhi/expirement-system/cmd/experiment-engine/internal/handlers"
	customMiddleware "github.com/jizhuozhi/expirement-system/cmd/experiment-engine/internal/middleware"
	"github.com/jizhuozhi/expirement-system/pkg/auth"
	"github.com/jizhuozhi/expirement-system/pkg/catalog"
	"github.com/jizhuozhi/expirement-system/pkg/config"
	"github.com/jizhuozhi/expirement-system/pkg/configapply"
	"github.com/jizhuozhi/expirement-system/pkg/configsource"
	"github.com/jizhuozhi/expirement-system/pkg/layermanager"
	"github.com/jizhuozhi/expirement-system/pkg/rbac"
	"github.com/jizhuozhi/expirement-system/pkg/rule"
	"github.com/jizhuozhi/expirement-system/pkg/snapshotcache"
	"github.com/jizhuozhi/expirement-system/pkg/warnings"
)

// Server holds every long-lived dependency the experiment engine
// binary needs, plus the chi routes built on top of them.
type Server struct {
	config *config.Config
	logger zerolog.Logger

	redis      *redis.Client
	nats       *nats.Conn
	pg         *pgxpool.Pool
	clickhouse clickhouse.Conn

	lm         *layermanager.Manager
	applier    *configapply.Applier
	fieldTypes *rule.FieldTypeStore
	snapshots  *snapshotcache.Cache
	warningsSink *warnings.Sink
	source     configsource.Source

	tokenManager *auth.TokenManager
	rbac         *rbac.RBAC

	handlers struct {
		evaluate *handlers.EvaluateHandler
		admin    *handlers.AdminHandler
		health   *handlers.HealthHandler
	}

	changeCancel context.CancelFunc
}

// New builds a Server: it connects every configured backend, performs
// the ConfigSource's initial bulk load (falling back to the
// snapshotcache warm start if that load fails), and starts the
// Applier's change-consuming goroutine.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{config: cfg, logger: logger}

	s.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.Database,
	})
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.snapshots = snapshotcache.New(s.redis, cfg.Redis.TTL, logger)

	var err error
	s.clickhouse, err = clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.ClickHouse.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := s.clickhouse.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("clickhouse ping failed, warnings will accumulate until it recovers")
	}
	s.warningsSink = warnings.New(s.clickhouse, cfg.ClickHouse.FlushInterval, cfg.ClickHouse.BatchSize, logger)

	s.source, err = s.buildConfigSource(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build config source: %w", err)
	}

	s.lm = layermanager.New(logger, cfg.Engine.HistoryDepth)
	s.fieldTypes = rule.NewFieldTypeStore(nil)

	initialCatalog, err := s.loadInitialState(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config state: %w", err)
	}

	s.applier = configapply.NewApplier(initialCatalog, s.lm, logger)

	changeCtx, cancel := context.WithCancel(context.Background())
	s.changeCancel = cancel
	changes, err := s.source.WatchChanges(changeCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start watching config changes: %w", err)
	}
	go s.applier.Run(changeCtx, changes)

	s.tokenManager = auth.NewTokenManager(cfg.Auth.JWTSecret)
	s.rbac, err = rbac.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rbac: %w", err)
	}

	s.handlers.evaluate = handlers.NewEvaluateHandler(s.applier, s.lm, s.fieldTypes, s.warningsSink, logger)
	s.handlers.admin = handlers.NewAdminHandler(s.applier, s.lm, s.fieldTypes, logger)
	s.handlers.health = handlers.NewHealthHandler(logger)

	return s, nil
}

// buildConfigSource picks the single active ConfigSource variant per
// config: Postgres (DiscoverySource) takes priority if enabled, then
// NATS (PushSource), falling back to the filesystem (FileSource).
func (s *Server) buildConfigSource(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (configsource.Source, error) {
	if cfg.Postgres.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s.pg = pool
		return configsource.NewDiscoverySource(pool, cfg.Postgres.Channel, logger), nil
	}

	if cfg.NATS.Enabled {
		conn, err := nats.Connect(cfg.NATS.URL,
			nats.Name("experiment-engine"),
			nats.MaxReconnects(cfg.NATS.MaxReconnect),
			nats.ReconnectWait(cfg.NATS.ReconnectWait),
			nats.Timeout(cfg.NATS.Timeout),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		s.nats = conn
		return configsource.NewPushSource(conn, cfg.NATS.Subject, logger), nil
	}

	return configsource.NewFileSource(cfg.Files.LayersDir, cfg.Files.ExperimentsDir, cfg.Files.Debounce, logger), nil
}

// loadInitialState performs the ConfigSource's initial bulk load. If
// that fails (the source's backend is unreachable, or the source is
// the NATS push source, which has no bulk-load notion), it falls back
// to the snapshotcache warm start; with neither available, it starts
// empty.
func (s *Server) loadInitialState(ctx context.Context, logger zerolog.Logger) (*catalog.Catalog, error) {
	layers, layersErr := s.source.LoadLayers(ctx)
	experiments, expErr := s.source.LoadExperiments(ctx)

	if layersErr == nil && expErr == nil {
		cat, err := catalog.NewFromExperiments(logger, experiments)
		if err != nil {
			return nil, fmt.Errorf("building initial catalog: %w", err)
		}
		s.lm.LoadAll(layers, cat)
		s.snapshots.Store(layers, experiments, time.Now())
		return cat, nil
	}

	logger.Warn().Err(layersErr).Err(expErr).Msg("initial config source load failed, falling back to warm-start snapshot")
	snap, err := s.snapshots.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("warm-start load failed: %w", err)
	}
	if snap == nil {
		logger.Warn().Msg("no warm-start snapshot available, starting with an empty catalog")
		return catalog.New(logger), nil
	}

	cat, err := catalog.NewFromExperiments(logger, snap.Experiments)
	if err != nil {
		return nil, fmt.Errorf("building catalog from warm-start snapshot: %w", err)
	}
	s.lm.LoadAll(snap.Layers, cat)
	return cat, nil
}

// Routes registers the experiment engine's chi routes onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.handlers.health.Health)

	r.Post("/v1/evaluate", s.handlers.evaluate.Evaluate)

	authMiddleware := customMiddleware.NewAuthMiddleware(s.tokenManager, s.rbac, s.logger)

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Route("/layers", func(r chi.Router) {
			r.With(authMiddleware.RequireLayerAccess(rbac.ActionRead)).Get("/", s.handlers.admin.ListLayerIDs)
			r.With(authMiddleware.RequireLayerAccess(rbac.ActionCreate)).Post("/", s.handlers.admin.PutLayer)

			r.Route("/{layerID}", func(r chi.Router) {
				r.With(authMiddleware.RequireLayerAccess(rbac.ActionRead)).Get("/", s.handlers.admin.GetLayer)
				r.With(authMiddleware.RequireLayerAccess(rbac.ActionUpdate)).Put("/", s.handlers.admin.PutLayer)
				r.With(authMiddleware.RequireLayerAccess(rbac.ActionDelete)).Delete("/", s.handlers.admin.DeleteLayer)
				r.With(authMiddleware.RequireLayerAccess(rbac.ActionRollback)).Post("/rollback", s.handlers.admin.RollbackLayer)
			})
		})

		r.Route("/field_types", func(r chi.Router) {
			r.With(authMiddleware.RequireFieldTypesAccess(rbac.ActionRead)).Get("/", s.handlers.admin.GetFieldTypes)
			r.With(authMiddleware.RequireFieldTypesAccess(rbac.ActionUpdate)).Put("/", s.handlers.admin.SetFieldTypes)
		})
	})
}

// Close shuts down every backend connection the server opened.
func (s *Server) Close() error {
	if s.changeCancel != nil {
		s.changeCancel()
	}
	if err := s.warningsSink.Close(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("error closing warnings sink")
	}
	if s.clickhouse != nil {
		if err := s.clickhouse.Close(); err != nil {
			s.logger.Error().Err(err).Msg("error closing clickhouse connection")
		}
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error().Err(err).Msg("error closing redis connection")
		}
	}
	return nil
}

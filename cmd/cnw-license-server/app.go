package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
	mongostore "github.com/CloudNativeWorks/cnw-license-server/entitlement/store/mongo"
	"github.com/CloudNativeWorks/cnw-license-server/entitlement/store/postgres"
	"github.com/CloudNativeWorks/cnw-license-server/entitlement/store/sqlite"
	"github.com/CloudNativeWorks/cnw-license-server/internal/config"
	"github.com/CloudNativeWorks/cnw-license-server/internal/logging"
)

const closeTimeout = 5 * time.Second

// app holds everything a command needs, built from one Config.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	catalog  entitlement.StaticCatalog
	engine   *entitlement.Engine
	registry *prometheus.Registry
	ping     func(context.Context) error
	closers  []func(context.Context) error
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg: cfg,
		log: logging.Init(logging.Config{
			Format:    cfg.Logging.Format,
			Level:     cfg.Logging.Level,
			Component: "cnw-license-server",
		}),
		registry: prometheus.NewRegistry(),
	}

	a.catalog, err = loadCatalog(cfg.CatalogFile, a.log)
	if err != nil {
		return nil, err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	format, err := entitlement.ParseKeyFormat(cfg.Engine.KeyFormat)
	if err != nil {
		a.close()
		return nil, err
	}
	opts := []entitlement.Option{
		entitlement.WithCatalog(a.catalog),
		entitlement.WithKeyFormat(format),
		entitlement.WithLogger(a.log),
		entitlement.WithRegisterer(a.registry),
		entitlement.WithMaxRetries(cfg.Engine.MaxRetries),
		entitlement.WithDefaultTrialDays(cfg.Engine.DefaultTrialDays),
		entitlement.WithDefaultGraceDays(cfg.Engine.DefaultGraceDays),
		entitlement.WithStrictInvariants(cfg.Engine.StrictInvariants),
	}
	if cfg.Engine.SigningKey != "" {
		signer, err := entitlement.NewSignerFromBase64(cfg.Engine.SigningKey)
		if err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, entitlement.WithSigner(signer))
	} else {
		a.log.Warn().Msg("no signing key configured; activation certificates are disabled")
	}
	a.engine = entitlement.New(store, opts...)
	return a, nil
}

// loadCatalog reads the product catalog. A missing file leaves the catalog
// empty so that key-only commands still work.
func loadCatalog(path string, log zerolog.Logger) (entitlement.StaticCatalog, error) {
	catalog, err := config.LoadCatalog(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("product catalog not found; no products can be issued")
		return entitlement.StaticCatalog{}, nil
	}
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Int("products", len(catalog)).Msg("product catalog loaded")
	return catalog, nil
}

func (a *app) openStore(ctx context.Context) (entitlement.Store, error) {
	sc := a.cfg.Store
	switch sc.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.ping = s.Ping
		a.closers = append(a.closers, s.Close)
		return s, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		s, err := postgres.New(ctx, pool, postgres.WithTablePrefix(sc.TablePrefix))
		if err != nil {
			return nil, err
		}
		a.ping = s.Ping
		return s, nil

	case config.DriverMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(sc.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		s, err := mongostore.New(ctx, client.Database(sc.MongoDatabase), mongostore.WithCollectionName(sc.Collection))
		if err != nil {
			return nil, err
		}
		a.ping = func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
}

// close releases store resources in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn().Err(err).Msg("close store")
		}
	}
	a.closers = nil
}

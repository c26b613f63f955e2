package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/ride-dispatch/internal/assignment"
	"github.com/example/ride-dispatch/internal/billing"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.New("ride-dispatch", "error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New("ride-dispatch", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgres(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			ddl, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
			if err != nil {
				logger.Error("migration read failed", "error", err)
				os.Exit(1)
			}
			if err := pg.Migrate(ctx, string(ddl)); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migration applied", "file", "001_init.sql")
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemory()
	}

	var g geo.Geo
	if cfg.RedisAddr != "" {
		g = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.GeoStaleness)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory geo index")
		g = geo.NewIndex(cfg.GeoStaleness)
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	wsreg := dispatch.NewWSRegistry()

	m := &matcher.Service{Geo: g, RadiusKm: cfg.MatchRadiusKm, TopN: cfg.MatcherTopN}
	mgr := &assignment.Manager{
		Store:     store,
		Matcher:   m,
		Dispatch:  dispatch.NewPushDispatcher(cfg.PushEndpoint, wsreg),
		Logger:    logger,
		OfferTTL:  cfg.OfferTTL,
		MaxOffers: cfg.OfferMaxPerRide,
	}

	var settler billing.Settler
	if os.Getenv("STRIPE_API_KEY") != "" {
		settler = payments.NewStripeSettler(cfg.Currency)
	} else {
		settler = &payments.SimulatedSettler{Delay: time.Second}
	}
	bill := &billing.Service{Store: store, Settler: settler, Logger: logger}

	orch := &rides.Orchestrator{Store: store, Matcher: m, Assignments: mgr, Logger: logger}

	srv := httpapi.NewServer(logger, g, orch, mgr, bill, kp, wsreg)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go sweepLoop(ctx, logger, mgr, g, cfg.SweepInterval)

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

// sweepLoop proactively expires stale offers and evicts dead geo entries.
// Correctness does not depend on its cadence: accept also checks the
// deadline reactively.
func sweepLoop(ctx context.Context, logger *slog.Logger, mgr *assignment.Manager, g geo.Geo, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := mgr.Sweep(ctx, now); err != nil {
				logger.Warn("sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("offers expired", "count", n)
			}
			if idx, ok := g.(*geo.Index); ok {
				idx.EvictStale(now)
			}
		}
	}
}

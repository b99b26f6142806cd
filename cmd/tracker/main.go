package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"route-tracker/internal/broadcast"
	"route-tracker/internal/config"
	"route-tracker/internal/db"
	"route-tracker/internal/feed"
	"route-tracker/internal/gateway"
	"route-tracker/internal/jobs"
	"route-tracker/internal/metrics"
	"route-tracker/internal/publisher"
	"route-tracker/internal/routelock"
	"route-tracker/internal/server"
	"route-tracker/internal/trip"
)

func main() {
	log := logrus.New()

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config error")
	}
	configureLogger(log, cfg)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mcol := metrics.NewCollector()
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = mcol.Serve(cfg.MetricsAddr, log)
	}

	store, archive, sqlDB := openStore(ctx, cfg, log)
	if sqlDB != nil {
		defer sqlDB.Close()
	}

	hubOpts := []broadcast.Option{broadcast.WithLogger(log), broadcast.WithMetrics(mcol)}
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol), log)
		if err != nil {
			log.WithError(err).Fatal("nats error")
		}
		defer pub.Close()
		hubOpts = append(hubOpts, broadcast.WithMirror(pub))
	}
	hub := broadcast.NewHub(hubOpts...)

	retries := trip.NewRetryQueue(archive, cfg.ArchiveRetryMax, log, mcol)
	scheduler := jobs.NewScheduler(retries, cfg.ArchiveRetrySchedule, log)
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("scheduler error")
	}

	tracker := trip.NewTracker(store, archive,
		trip.WithRetryQueue(retries),
		trip.WithLogger(log),
		trip.WithMetrics(mcol),
	)
	locks := routelock.NewTable()
	gw := gateway.New(locks, tracker, hub, gateway.WithLogger(log), gateway.WithMetrics(mcol))

	srv := server.New(gw, feed.NewBuilder(locks.List, tracker, feed.WithLogger(log)), server.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		SendBuffer:     cfg.WSSendBuffer,
		PingInterval:   cfg.WSPingInterval,
	}, log)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":        cfg.HTTPAddr,
			"store":       cfg.StoreDriver,
			"environment": cfg.Environment,
		}).Info("tracker listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Hang up every session first so held routes are released and
		// subscribers see tracking_stopped before the listener goes away.
		gw.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server error")
	}

	scheduler.Stop()
	// Last attempt at anything still waiting to be archived.
	scheduler.RunNow()
	if n := retries.Len(); n > 0 {
		log.WithField("pending", n).Warn("trip records left unarchived at shutdown")
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	log.Info("shutdown complete")
}

func configureLogger(log *logrus.Logger, cfg *config.Config) {
	log.SetOutput(os.Stdout)
	if cfg.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

// openStore returns the location store and trip archive for the configured
// driver. The *sqlx.DB is nil for the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (trip.LocationStore, trip.Archive, *sqlx.DB) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory store; locations and trips are lost on restart")
		mem := db.NewMemoryStore()
		return mem, mem, nil
	}

	dsn := cfg.DatabaseURL
	if cfg.DatabaseName != "" {
		var err error
		dsn, err = db.WithDBName(dsn, cfg.DatabaseName)
		if err != nil {
			log.WithError(err).Fatal("compose DSN")
		}
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		log.WithError(err).Fatal("db open error")
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.WithError(err).Fatal("db ping error")
	}
	if cfg.AutoMigrate {
		if err := db.EnsureSchema(ctx, sqlDB); err != nil {
			log.WithError(err).Fatal("ensure schema")
		}
	}
	return db.NewLocationStore(sqlDB), db.NewTripArchive(sqlDB), sqlDB
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nhattrinh17/taker-backend/internal/broker"
	"github.com/nhattrinh17/taker-backend/internal/cache"
	"github.com/nhattrinh17/taker-backend/internal/config"
	"github.com/nhattrinh17/taker-backend/internal/dispatch"
	"github.com/nhattrinh17/taker-backend/internal/eta"
	"github.com/nhattrinh17/taker-backend/internal/geo"
	httpapi "github.com/nhattrinh17/taker-backend/internal/http"
	"github.com/nhattrinh17/taker-backend/internal/ingest"
	"github.com/nhattrinh17/taker-backend/internal/logging"
	"github.com/nhattrinh17/taker-backend/internal/matcher"
	"github.com/nhattrinh17/taker-backend/internal/notify"
	"github.com/nhattrinh17/taker-backend/internal/presence"
	"github.com/nhattrinh17/taker-backend/internal/queue"
	"github.com/nhattrinh17/taker-backend/internal/settlement"
	"github.com/nhattrinh17/taker-backend/internal/storage"
	"github.com/nhattrinh17/taker-backend/internal/trips"
)

// store is everything the server reads and writes durably.
type store interface {
	storage.TripStore
	storage.ProviderStore
	storage.DeclineStore
	storage.CustomerStore
	storage.NotificationStore
	storage.Ledger
}

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "taker-server")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := cache.NewRedisClient(ctx, cache.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		return err
	}
	defer rc.Close()

	var db store
	ready := func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		db = ps
		ready = func(ctx context.Context) error {
			return errors.Join(rc.Ping(ctx).Err(), ps.Ping(ctx))
		}
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		db = storage.NewMemoryStore()
	}

	var pusher dispatch.Pusher = dispatch.LogPusher{Logger: logger}
	if cfg.FCMKey != "" {
		pusher = dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaTripEventsTopic)
		defer kp.Close()
	}

	d := cfg.Dispatch
	grid := geo.NewGrid(d.H3Resolution)
	jobs := queue.NewRedisQueue(rc, "taker")
	pending := cache.NewRedisStore(rc)
	wsreg := dispatch.NewWSRegistry(logger)
	tracker := presence.New(pending, db, cfg.PresenceTTL, logger)

	finder := &matcher.Service{
		Providers: db,
		Grid:      grid,
		ETA:       eta.New(d.AverageSpeedKmh),
		RingK:     d.SearchRingK,
		TopN:      d.MatcherTopN,
		ScanLimit: d.MatcherScanLimit,
		CashFloor: d.CashBalanceFloor,
	}
	b := broker.New(broker.Config{OfferTimeout: d.OfferTimeout, CancelPollInterval: d.CancelPollInterval}, broker.Deps{
		Trips:         db,
		Providers:     db,
		Declines:      db,
		Customers:     db,
		Notifications: db,
		Finder:        finder,
		Queue:         jobs,
		Pending:       pending,
		Directory:     wsreg,
		Pusher:        pusher,
		Logger:        logger.With("component", "broker"),
	})
	engine := settlement.New(db, db, jobs, logger.With("component", "settlement"), cfg.SettlementMaxAttempts)
	tripSvc := &trips.Service{
		Trips:         db,
		Providers:     db,
		Queue:         jobs,
		Directory:     wsreg,
		Settlement:    engine,
		Dispatch:      b,
		FeedbackDelay: cfg.FeedbackDelay,
		Logger:        logger.With("component", "trips"),
	}
	notifier := &notify.Handlers{Providers: db, Customers: db, Notifications: db, Pusher: pusher, Logger: logger}

	worker := queue.NewWorker(jobs, cfg.DispatchWorkers, logger.With("component", "worker"))
	worker.Handle(queue.KindFindClosest, b.HandleJob)
	// scheduled trips are enqueued by the request-intake service, not by this
	// process; they carry a DispatchJob payload and dispatch like find-closest
	worker.Handle(queue.KindTripSchedule, b.HandleJob)
	worker.Handle(queue.KindUpdateWallet, notifier.HandleWalletJob)
	worker.Handle(queue.KindAfterTripFeedback, notifier.HandleFeedbackJob)
	worker.Handle(queue.KindSettlementRetry, engine.HandleRetryJob)

	deps := httpapi.Deps{
		Broker:   b,
		Trips:    tripSvc,
		Active:   db,
		Applier:  &ingest.Applier{Providers: db, Grid: grid, Presence: tracker},
		Presence: tracker,
		WSReg:    wsreg,
		Ready:    ready,
	}
	if kp != nil {
		deps.Locations = kp
		tripSvc.Events = kp
	}
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		tracker.Run(gctx, cfg.PresenceSweepInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info("taker listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

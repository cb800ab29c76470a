package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/nhattrinh17/taker-backend/internal/cache"
	"github.com/nhattrinh17/taker-backend/internal/config"
	"github.com/nhattrinh17/taker-backend/internal/geo"
	"github.com/nhattrinh17/taker-backend/internal/ingest"
	"github.com/nhattrinh17/taker-backend/internal/logging"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/presence"
	"github.com/nhattrinh17/taker-backend/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total shoemaker location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	storeUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_updates_total",
		Help: "Total successful location writes",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total failed location writes",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, storeUpdates, storeErrors)
}

// LocationApplier is the part of ingest.Applier the consume loop needs.
type LocationApplier interface {
	ApplyWithRetry(ctx context.Context, u models.LocationUpdate, attempts int, delay time.Duration) error
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "taker-consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := cache.NewRedisClient(ctx, cache.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		logger.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("postgres unavailable", "error", err)
		os.Exit(1)
	}

	applier := &ingest.Applier{
		Providers: ps,
		Grid:      geo.NewGrid(cfg.H3Resolution),
		Presence:  presence.New(cache.NewRedisStore(rc), ps, cfg.PresenceTTL, logger),
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := errors.Join(rc.Ping(r.Context()).Err(), ps.Ping(r.Context())); err != nil {
				http.Error(w, "not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
		_ = ps.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, applier, logger)
	logger.Info("shutting down consumer")
}

// consume reads until ctx ends, backing off on read errors.
func consume(ctx context.Context, r MessageReader, a LocationApplier, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		handleMessage(ctx, m, a, logger)
	}
}

func handleMessage(ctx context.Context, m kafka.Message, a LocationApplier, logger *slog.Logger) {
	msgsConsumed.Inc()

	var u models.LocationUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil {
		msgsInvalid.Inc()
		logger.Warn("invalid message", "error", err, "offset", m.Offset)
		return
	}
	if err := a.ApplyWithRetry(ctx, u, 3, 200*time.Millisecond); err != nil {
		if errors.Is(err, ingest.ErrInvalidLocation) {
			msgsInvalid.Inc()
		} else {
			storeErrors.Inc()
		}
		logger.Warn("location update failed", "shoemaker_id", u.ProviderID, "error", err)
		return
	}
	storeUpdates.Inc()
}

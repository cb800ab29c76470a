package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the API and dispatch process.
// Values come from the environment, optionally seeded from a local .env file.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Redis RedisConfig
	PGDSN string

	KafkaBrokers         []string
	KafkaLocationTopic   string
	KafkaTripEventsTopic string

	FCMEndpoint string
	FCMKey      string

	Dispatch DispatchConfig

	DispatchWorkers       int
	FeedbackDelay         time.Duration
	SettlementMaxAttempts int
	PresenceTTL           time.Duration
	PresenceSweepInterval time.Duration

	LogLevel      string
	RunMigrations bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DispatchConfig tunes candidate search and negotiation.
type DispatchConfig struct {
	OfferTimeout       time.Duration
	CancelPollInterval time.Duration
	H3Resolution       int
	SearchRingK        int
	MatcherTopN        int
	MatcherScanLimit   int
	AverageSpeedKmh    float64
	CashBalanceFloor   int64
}

// ConsumerConfig is the location consumer's view of the environment.
type ConsumerConfig struct {
	MetricsAddr string
	Redis       RedisConfig
	PGDSN       string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	H3Resolution int
	PresenceTTL  time.Duration
	LogLevel     string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		Redis:                RedisConfig{Addr: "localhost:6379"},
		KafkaLocationTopic:   "shoemaker-locations",
		KafkaTripEventsTopic: "trip-events",
		FCMEndpoint:          "https://fcm.googleapis.com/v1/projects/taker/messages:send",
		Dispatch: DispatchConfig{
			OfferTimeout:       60 * time.Second,
			CancelPollInterval: time.Second,
			H3Resolution:       9,
			SearchRingK:        12,
			MatcherTopN:        10,
			MatcherScanLimit:   200,
			AverageSpeedKmh:    20,
			CashBalanceFloor:   -100000,
		},
		DispatchWorkers:       8,
		FeedbackDelay:         5 * time.Minute,
		SettlementMaxAttempts: 5,
		PresenceTTL:           15 * time.Minute,
		PresenceSweepInterval: time.Minute,
		LogLevel:              "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:  ":2112",
		Redis:        RedisConfig{Addr: "localhost:6379"},
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "shoemaker-locations",
		KafkaGroup:   "taker-location-consumer",
		H3Resolution: 9,
		PresenceTTL:  15 * time.Minute,
		LogLevel:     "info",
	}
}

// loadDotEnv fills unset variables from .env when the file exists.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	loadRedis(&cfg.Redis, &errs)
	cfg.PGDSN = os.Getenv("PG_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaTripEventsTopic, "KAFKA_TRIP_EVENTS_TOPIC")

	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	d := &cfg.Dispatch
	setDurationFromEnv(&d.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&d.CancelPollInterval, "CANCEL_POLL_INTERVAL", &errs)
	setIntFromEnv(&d.H3Resolution, "H3_RESOLUTION", &errs)
	setIntFromEnv(&d.SearchRingK, "SEARCH_RING_K", &errs)
	setIntFromEnv(&d.MatcherTopN, "MATCHER_TOP_N", &errs)
	setIntFromEnv(&d.MatcherScanLimit, "MATCHER_SCAN_LIMIT", &errs)
	setFloatFromEnv(&d.AverageSpeedKmh, "AVERAGE_SPEED_KMH", &errs)
	setInt64FromEnv(&d.CashBalanceFloor, "CASH_BALANCE_FLOOR", &errs)

	setIntFromEnv(&cfg.DispatchWorkers, "DISPATCH_WORKERS", &errs)
	setDurationFromEnv(&cfg.FeedbackDelay, "FEEDBACK_DELAY", &errs)
	setIntFromEnv(&cfg.SettlementMaxAttempts, "SETTLEMENT_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)
	setDurationFromEnv(&cfg.PresenceSweepInterval, "PRESENCE_SWEEP_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if d.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if d.MatcherScanLimit < d.MatcherTopN {
		errs = append(errs, fmt.Errorf("MATCHER_SCAN_LIMIT must be >= MATCHER_TOP_N"))
	}
	if d.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if d.CancelPollInterval <= 0 || d.CancelPollInterval > d.OfferTimeout {
		errs = append(errs, fmt.Errorf("CANCEL_POLL_INTERVAL must be in (0, OFFER_TIMEOUT]"))
	}
	if d.H3Resolution < 0 || d.H3Resolution > 15 {
		errs = append(errs, fmt.Errorf("H3_RESOLUTION must be within 0..15"))
	}
	if d.SearchRingK < 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RING_K must be >= 0"))
	}
	if cfg.DispatchWorkers <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	loadRedis(&cfg.Redis, &errs)
	cfg.PGDSN = os.Getenv("PG_DSN")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setIntFromEnv(&cfg.H3Resolution, "H3_RESOLUTION", &errs)
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

func loadRedis(r *RedisConfig, errs *[]error) {
	setStringFromEnv(&r.Addr, "REDIS_ADDR")
	r.Password = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&r.DB, "REDIS_DB", errs)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Package presence keeps the online flag of shoemakers honest. Every
// connection or location update refreshes a TTL key; a periodic sweep turns
// off providers whose key has expired.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nhattrinh17/taker-backend/internal/cache"
	"github.com/nhattrinh17/taker-backend/internal/observability"
	"github.com/nhattrinh17/taker-backend/internal/storage"
)

func key(providerID string) string { return "online:" + providerID }

type Tracker struct {
	cache     cache.Store
	providers storage.ProviderStore
	ttl       time.Duration
	logger    *slog.Logger
}

func New(c cache.Store, providers storage.ProviderStore, ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Tracker{cache: c, providers: providers, ttl: ttl, logger: logger}
}

// Connected marks the provider online and starts its heartbeat.
func (t *Tracker) Connected(ctx context.Context, providerID string) error {
	if err := t.Heartbeat(ctx, providerID); err != nil {
		return err
	}
	return t.providers.SetOnline(ctx, providerID, true)
}

func (t *Tracker) Heartbeat(ctx context.Context, providerID string) error {
	return t.cache.SetWithTTL(ctx, key(providerID), []byte(time.Now().UTC().Format(time.RFC3339)), t.ttl)
}

// Sweep marks offline every online provider without a live heartbeat and
// returns how many it turned off.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	ids, err := t.providers.ListOnline(ctx)
	if err != nil {
		return 0, err
	}
	off := 0
	for _, id := range ids {
		_, err := t.cache.Get(ctx, key(id))
		if err == nil {
			continue
		}
		if !errors.Is(err, cache.ErrMiss) {
			t.logger.Warn("presence_lookup_failed", slog.String("shoemaker_id", id), slog.Any("error", err))
			continue
		}
		if err := t.providers.SetOnline(ctx, id, false); err != nil {
			t.logger.Error("set_offline_failed", slog.String("shoemaker_id", id), slog.Any("error", err))
			continue
		}
		off++
	}
	observability.ProvidersOnline.Set(float64(len(ids) - off))
	if off > 0 {
		t.logger.Info("presence_swept", slog.Int("offline", off), slog.Int("online", len(ids)-off))
	}
	return off, nil
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil && ctx.Err() == nil {
				t.logger.Error("presence_sweep_failed", slog.Any("error", err))
			}
		}
	}
}

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nhattrinh17/taker-backend/internal/cache"
	"github.com/nhattrinh17/taker-backend/internal/dispatch"
	"github.com/nhattrinh17/taker-backend/internal/models"
)

// OnProviderResponse routes an accept or reject answer to the negotiation
// waiting on it. It reports false when no offer is outstanding; a late
// accept is then answered with the already-taken notice.
func (b *Broker) OnProviderResponse(ctx context.Context, providerID, tripID string, accepted bool) bool {
	if b.waiters.deliver(tripID, providerID, accepted) {
		return true
	}
	b.Logger.Info("offer_response_ignored",
		slog.String("trip_id", tripID),
		slog.String("shoemaker_id", providerID),
		slog.Bool("accepted", accepted),
	)
	if accepted {
		b.emit(providerID, dispatch.EventTripUpdate, tripUpdate{Type: updateTimeout, TripID: tripID, Message: msgTaken})
	}
	return false
}

// HoldsOffer reports whether providerID has an unanswered offer for tripID
// in this process.
func (b *Broker) HoldsOffer(tripID, providerID string) bool {
	return b.waiters.has(tripID, providerID)
}

// OnProviderPresenceChange replays a pending offer to a provider that just
// connected. When no negotiation in this process is waiting on the offer,
// it waits for the answer itself until the offer expires or ctx ends.
func (b *Broker) OnProviderPresenceChange(ctx context.Context, providerID string, connected bool) {
	if !connected {
		return
	}
	key := pendingKey(providerID)
	raw, err := b.Pending.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			b.Logger.Warn("pending_offer_read_failed", slog.String("shoemaker_id", providerID), slog.Any("error", err))
		}
		return
	}
	var p models.PendingOffer
	if err := json.Unmarshal(raw, &p); err != nil {
		b.Logger.Warn("pending_offer_corrupt", slog.String("shoemaker_id", providerID), slog.Any("error", err))
		_ = b.Pending.Delete(ctx, key)
		return
	}
	ttl, err := b.Pending.TTL(ctx, key)
	if err != nil {
		return
	}

	alive, err := b.Queue.Exists(ctx, p.JobID)
	if err != nil {
		b.Logger.Warn("job_lookup_failed", slog.String("job_id", p.JobID), slog.Any("error", err))
		return
	}
	if !alive {
		b.emit(providerID, dispatch.EventTripUpdate, tripUpdate{Type: updateCustomerCancel, TripID: p.TripID, Message: msgCanceled})
		_ = b.Pending.Delete(ctx, key)
		return
	}

	trip, err := b.Trips.GetTrip(ctx, p.TripID)
	if err != nil || trip.Status != models.TripSearching {
		_ = b.Pending.Delete(ctx, key)
		return
	}
	customer := &models.Customer{
		ID:       p.CustomerID,
		FullName: p.CustomerFullName,
		Phone:    p.CustomerPhone,
		Avatar:   p.CustomerAvatar,
		FCMToken: p.CustomerFCMToken,
	}
	b.emit(providerID, dispatch.EventRequestTrip, newOffer(trip, customer, p.Candidate, ttl))
	b.Logger.Info("pending_offer_replayed", slog.String("trip_id", p.TripID), slog.String("shoemaker_id", providerID))

	if b.waiters.has(p.TripID, providerID) {
		return
	}
	b.awaitReplayed(ctx, trip, customer, p, ttl)
}

// awaitReplayed negotiates a replayed offer whose original attempt is not
// running here.
func (b *Broker) awaitReplayed(ctx context.Context, trip *models.Trip, customer *models.Customer, p models.PendingOffer, ttl time.Duration) {
	a := &attempt{jobID: p.JobID, trip: trip, customer: customer, cancel: func() {}}
	c := p.Candidate
	w := b.waiters.register(trip.ID, c.ID)
	defer b.waiters.release(w)
	defer b.dropPending(ctx, trip.ID, c.ID)

	timer := time.NewTimer(ttl)
	defer timer.Stop()
	select {
	case accepted := <-w.ch:
		if !accepted {
			b.decline(ctx, trip.ID, c.ID, "rejected")
			return
		}
		b.claim(ctx, a, c, "replay")
		if a.winner.Load() == nil {
			return
		}
		b.onAssigned(ctx, trip, customer, c)
		// the attempt owning the job is gone, so finish it here
		cctx, cancel := detached(ctx)
		defer cancel()
		if err := b.Queue.Cancel(cctx, p.JobID); err != nil {
			b.Logger.Error("job_finish_failed", slog.String("job_id", p.JobID), slog.Any("error", err))
		}
		b.releaseJob(ctx, trip.ID, p.JobID)
	case <-timer.C:
		b.decline(ctx, trip.ID, c.ID, "timeout")
	case <-ctx.Done():
	}
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhattrinh17/taker-backend/internal/dispatch"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/observability"
)

func pendingKey(providerID string) string { return "pending-trip-" + providerID }

// negotiate offers the trip to one candidate and waits for its answer, the
// offer window to lapse, or the attempt to end.
func (b *Broker) negotiate(ctx context.Context, a *attempt, c models.Candidate) {
	if !b.jobAlive(ctx, a) {
		return
	}
	w := b.waiters.register(a.trip.ID, c.ID)
	defer b.waiters.release(w)

	timer := time.NewTimer(b.cfg.OfferTimeout)
	defer timer.Stop()
	deadline := b.now().Add(b.cfg.OfferTimeout)

	channel := b.deliverOffer(ctx, a, c, deadline)
	defer b.dropPending(ctx, a.trip.ID, c.ID)
	b.push(ctx, c.FCMToken, "New trip request",
		fmt.Sprintf("A customer %d minutes away needs a shoemaker.", minutes(c.Minutes)),
		map[string]string{"tripId": a.trip.ID})

	select {
	case accepted := <-w.ch:
		if !accepted {
			observability.OffersTotal.WithLabelValues(channel, "rejected").Inc()
			b.decline(ctx, a.trip.ID, c.ID, "rejected")
			return
		}
		b.claim(ctx, a, c, channel)
	case <-timer.C:
		observability.OffersTotal.WithLabelValues(channel, "timeout").Inc()
		b.decline(ctx, a.trip.ID, c.ID, "timeout")
		b.emit(c.ID, dispatch.EventTripUpdate, tripUpdate{Type: updateTimeout, TripID: a.trip.ID, Message: msgNoResponse})
	case <-ctx.Done():
		b.notifyEnded(a, c)
	}
}

// deliverOffer emits on the live channel when there is one and otherwise
// records a pending offer the provider receives on reconnect.
func (b *Broker) deliverOffer(ctx context.Context, a *attempt, c models.Candidate, deadline time.Time) string {
	offer := newOffer(a.trip, a.customer, c, b.cfg.OfferTimeout)
	if b.Directory.Connected(c.ID) {
		if err := b.Directory.Emit(c.ID, dispatch.EventRequestTrip, offer); err == nil {
			observability.OffersTotal.WithLabelValues("live", "sent").Inc()
			return "live"
		}
	}

	p := models.PendingOffer{
		TripID:           a.trip.ID,
		JobID:            a.jobID,
		CustomerID:       a.trip.CustomerID,
		OrderID:          a.trip.OrderID,
		CustomerFullName: a.customer.FullName,
		CustomerPhone:    a.customer.Phone,
		CustomerAvatar:   a.customer.Avatar,
		CustomerFCMToken: a.customer.FCMToken,
		Income:           a.trip.Income,
		Candidate:        c,
		ExpiresAt:        deadline,
	}
	raw, err := json.Marshal(p)
	if err == nil {
		err = b.Pending.SetWithTTL(ctx, pendingKey(c.ID), raw, b.cfg.OfferTimeout)
	}
	if err != nil {
		b.Logger.Error("pending_offer_failed", slog.String("trip_id", a.trip.ID), slog.String("shoemaker_id", c.ID), slog.Any("error", err))
	}
	observability.OffersTotal.WithLabelValues("deferred", "sent").Inc()
	return "deferred"
}

// claim re-checks the job and attempts the conditional trip claim.
func (b *Broker) claim(ctx context.Context, a *attempt, c models.Candidate, channel string) {
	if !b.jobAlive(ctx, a) {
		b.emit(c.ID, dispatch.EventTripUpdate, tripUpdate{Type: updateCustomerCancel, TripID: a.trip.ID, Message: msgCanceled})
		return
	}
	cctx, cancel := detached(ctx)
	defer cancel()
	won, err := b.Trips.ClaimTrip(cctx, a.trip.ID, c.ID, a.jobID)
	if err != nil {
		b.Logger.Error("claim_failed", slog.String("trip_id", a.trip.ID), slog.String("shoemaker_id", c.ID), slog.Any("error", err))
	}
	if err != nil || !won {
		observability.OffersTotal.WithLabelValues(channel, "lost").Inc()
		if !b.jobAlive(ctx, a) {
			b.emit(c.ID, dispatch.EventTripUpdate, tripUpdate{Type: updateCustomerCancel, TripID: a.trip.ID, Message: msgCanceled})
			return
		}
		b.emit(c.ID, dispatch.EventTripUpdate, tripUpdate{Type: updateTimeout, TripID: a.trip.ID, Message: msgTaken})
		return
	}
	observability.OffersTotal.WithLabelValues(channel, "accepted").Inc()
	a.winner.Store(&c)
	a.cancel()
}

// notifyEnded tells a contacted candidate why its offer was withdrawn.
func (b *Broker) notifyEnded(a *attempt, c models.Candidate) {
	switch {
	case a.canceled.Load():
		b.emit(c.ID, dispatch.EventTripUpdate, tripUpdate{Type: updateCustomerCancel, TripID: a.trip.ID, Message: msgCanceled})
	case a.winner.Load() != nil:
		b.emit(c.ID, dispatch.EventTripUpdate, tripUpdate{Type: updateTimeout, TripID: a.trip.ID, Message: msgTaken})
	default:
		b.emit(c.ID, dispatch.EventTripUpdate, tripUpdate{Type: updateTimeout, TripID: a.trip.ID, Message: msgWithdrawn})
	}
}

func (b *Broker) decline(ctx context.Context, tripID, providerID, reason string) {
	cctx, cancel := detached(ctx)
	defer cancel()
	if err := b.Declines.RecordDecline(cctx, tripID, providerID); err != nil {
		b.Logger.Error("record_decline_failed", slog.String("trip_id", tripID), slog.String("shoemaker_id", providerID), slog.Any("error", err))
		return
	}
	b.Logger.Info("offer_declined", slog.String("trip_id", tripID), slog.String("shoemaker_id", providerID), slog.String("reason", reason))
}

// dropPending deletes the provider's pending offer if it still belongs to tripID.
func (b *Broker) dropPending(ctx context.Context, tripID, providerID string) {
	cctx, cancel := detached(ctx)
	defer cancel()
	raw, err := b.Pending.Get(cctx, pendingKey(providerID))
	if err != nil {
		return
	}
	var p models.PendingOffer
	if json.Unmarshal(raw, &p) == nil && p.TripID != tripID {
		return
	}
	if err := b.Pending.Delete(cctx, pendingKey(providerID)); err != nil {
		b.Logger.Warn("pending_offer_delete_failed", slog.String("shoemaker_id", providerID), slog.Any("error", err))
	}
}

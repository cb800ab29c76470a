// Package broker runs the dispatch negotiation for a trip: it offers the trip
// to every candidate at once, collects accept or reject answers, and lets the
// trip store's conditional claim pick the single winner.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhattrinh17/taker-backend/internal/cache"
	"github.com/nhattrinh17/taker-backend/internal/dispatch"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/observability"
	"github.com/nhattrinh17/taker-backend/internal/queue"
	"github.com/nhattrinh17/taker-backend/internal/storage"
)

type Outcome string

const (
	OutcomeAssigned Outcome = "assigned"
	OutcomeNotFound Outcome = "not-found"
	OutcomeCanceled Outcome = "canceled"
	// OutcomeAborted means the trip could not be dispatched at all.
	OutcomeAborted Outcome = "aborted"
)

type CandidateFinder interface {
	FindCandidates(ctx context.Context, trip *models.Trip) ([]models.Candidate, error)
}

type Config struct {
	OfferTimeout       time.Duration
	CancelPollInterval time.Duration
}

type Deps struct {
	Trips         storage.TripStore
	Providers     storage.ProviderStore
	Declines      storage.DeclineStore
	Customers     storage.CustomerStore
	Notifications storage.NotificationStore
	Finder        CandidateFinder
	Queue         queue.Queue
	Pending       cache.Store
	Directory     dispatch.Directory
	Pusher        dispatch.Pusher
	Logger        *slog.Logger
}

type Broker struct {
	Deps
	cfg     Config
	waiters *waiters
	now     func() time.Time
}

func New(cfg Config, deps Deps) *Broker {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 60 * time.Second
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = time.Second
	}
	return &Broker{Deps: deps, cfg: cfg, waiters: newWaiters(), now: time.Now}
}

// attempt is the shared state of one dispatch job.
type attempt struct {
	jobID    string
	trip     *models.Trip
	customer *models.Customer
	cancel   context.CancelFunc
	canceled atomic.Bool
	winner   atomic.Pointer[models.Candidate]
}

func (a *attempt) markCanceled() {
	a.canceled.Store(true)
	a.cancel()
}

// RequestDispatch links a new job to a SEARCHING trip and enqueues it.
func (b *Broker) RequestDispatch(ctx context.Context, tripID string, pickup models.Coord, customerID string) (string, error) {
	trip, err := b.Trips.GetTrip(ctx, tripID)
	if err != nil {
		return "", err
	}
	if trip.CustomerID != customerID {
		return "", models.ErrTripNotFound
	}
	if !trip.Payable() {
		return "", models.ErrPaymentNotReady
	}
	jobID := queue.NewJobID()
	if err := b.Trips.SetJob(ctx, tripID, jobID); err != nil {
		return "", err
	}
	req := models.DispatchJob{TripID: tripID, CustomerID: customerID, Pickup: pickup}
	if _, err := b.Queue.Enqueue(ctx, queue.KindFindClosest, req, queue.Options{JobID: jobID}); err != nil {
		_ = b.Trips.ClearJob(ctx, tripID, jobID)
		return "", fmt.Errorf("enqueue dispatch: %w", err)
	}
	b.Logger.Info("dispatch_requested", slog.String("trip_id", tripID), slog.String("job_id", jobID))
	return jobID, nil
}

// OnCustomerCancel removes a dispatch job owned by customerID. Running
// negotiations notice the missing job and end as canceled. Unknown jobs are
// ignored; another customer's job reads as models.ErrTripNotFound.
func (b *Broker) OnCustomerCancel(ctx context.Context, customerID, jobID string) error {
	job, err := b.Queue.Get(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var req models.DispatchJob
	if err := job.Decode(&req); err != nil {
		return err
	}
	if req.CustomerID != customerID {
		return models.ErrTripNotFound
	}
	if err := b.Queue.Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	// unlinking the job makes any in-flight claim fail
	if err := b.Trips.ClearJob(ctx, req.TripID, jobID); err != nil {
		return err
	}
	b.Logger.Info("dispatch_canceled", slog.String("trip_id", req.TripID), slog.String("job_id", jobID))
	return nil
}

// HandleJob is the queue handler for dispatch jobs.
func (b *Broker) HandleJob(ctx context.Context, job *queue.Job) error {
	var req models.DispatchJob
	if err := job.Decode(&req); err != nil {
		return err
	}
	outcome, err := b.Dispatch(ctx, job.ID, req)
	if err != nil && outcome != OutcomeAborted {
		return err
	}
	return nil
}

// Dispatch runs one attempt to completion and reports how it ended.
func (b *Broker) Dispatch(ctx context.Context, jobID string, req models.DispatchJob) (Outcome, error) {
	start := b.now()
	outcome, err := b.dispatch(ctx, jobID, req)
	observability.DispatchOutcomes.WithLabelValues(string(outcome)).Inc()
	observability.DispatchLatency.Observe(time.Since(start).Seconds())

	attrs := []any{
		slog.String("trip_id", req.TripID),
		slog.String("job_id", jobID),
		slog.String("outcome", string(outcome)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	b.Logger.Info("dispatch_finished", attrs...)
	return outcome, err
}

func (b *Broker) dispatch(ctx context.Context, jobID string, req models.DispatchJob) (Outcome, error) {
	defer b.releaseJob(ctx, req.TripID, jobID)

	trip, err := b.Trips.GetTrip(ctx, req.TripID)
	if err != nil && !errors.Is(err, models.ErrTripNotFound) {
		b.emit(req.CustomerID, dispatch.EventFindClosest, findClosestResult{Type: "error", Message: msgTripGone})
		return OutcomeAborted, err
	}
	if err != nil || trip.Status != models.TripSearching {
		b.emit(req.CustomerID, dispatch.EventFindClosest, findClosestResult{Type: "error", Message: msgTripGone})
		return OutcomeAborted, models.ErrTripNotFound
	}
	if !trip.Payable() {
		b.emit(trip.CustomerID, dispatch.EventFindClosest, findClosestResult{Type: "error", Message: msgNotPaid})
		return OutcomeAborted, models.ErrPaymentNotReady
	}
	if req.Pickup != (models.Coord{}) {
		trip.Pickup = req.Pickup
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a := &attempt{
		jobID:    jobID,
		trip:     trip,
		customer: b.customerSnapshot(ctx, trip.CustomerID),
		cancel:   cancel,
	}

	cands, err := b.Finder.FindCandidates(attemptCtx, trip)
	if err != nil {
		b.Logger.Error("candidate_search_failed", slog.String("trip_id", trip.ID), slog.Any("error", err))
		cands = nil
	}
	if len(cands) > 0 {
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			b.watchCancel(attemptCtx, a)
		}()

		g, gctx := errgroup.WithContext(attemptCtx)
		for _, c := range cands {
			g.Go(func() error {
				b.negotiate(gctx, a, c)
				return nil
			})
		}
		_ = g.Wait()
		cancel()
		<-watchDone
	}

	if w := a.winner.Load(); w != nil {
		b.onAssigned(ctx, trip, a.customer, *w)
		return OutcomeAssigned, nil
	}
	if a.canceled.Load() {
		return OutcomeCanceled, nil
	}
	if ctx.Err() != nil {
		// the worker is stopping; the customer still gets a final answer
		b.Logger.Warn("dispatch_interrupted", slog.String("trip_id", trip.ID), slog.String("job_id", jobID))
		dctx, dcancel := detached(ctx)
		defer dcancel()
		return b.resolveUnassigned(dctx, a)
	}
	return b.resolveUnassigned(ctx, a)
}

// resolveUnassigned reads the trip once more so the final answer reflects
// whatever happened while offers were out.
func (b *Broker) resolveUnassigned(ctx context.Context, a *attempt) (Outcome, error) {
	if !b.jobAlive(ctx, a) {
		return OutcomeCanceled, nil
	}
	trip, err := b.Trips.GetTrip(ctx, a.trip.ID)
	if err != nil {
		return OutcomeNotFound, err
	}
	switch trip.Status {
	case models.TripSearching:
		b.emit(trip.CustomerID, dispatch.EventFindClosest, findClosestResult{Type: "not-found", Message: msgNotFound})
		b.push(ctx, a.customer.FCMToken, "No shoemaker found", msgNotFound, map[string]string{"tripId": trip.ID})
		return OutcomeNotFound, nil
	case models.TripCustomerCancel, models.TripShoemakerCancel:
		return OutcomeCanceled, nil
	default:
		if trip.Status.HasProvider() {
			return OutcomeAssigned, nil
		}
		return OutcomeNotFound, nil
	}
}

func (b *Broker) watchCancel(ctx context.Context, a *attempt) {
	t := time.NewTicker(b.cfg.CancelPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !b.jobAlive(ctx, a) {
				return
			}
		}
	}
}

// jobAlive reports whether the attempt's job still exists and marks the
// attempt canceled when it does not. Lookup errors count as alive; the
// conditional claim still guards the trip.
func (b *Broker) jobAlive(ctx context.Context, a *attempt) bool {
	if a.canceled.Load() {
		return false
	}
	cctx, cancel := detached(ctx)
	defer cancel()
	ok, err := b.Queue.Exists(cctx, a.jobID)
	if err != nil {
		b.Logger.Warn("job_lookup_failed", slog.String("job_id", a.jobID), slog.Any("error", err))
		return true
	}
	if !ok {
		a.markCanceled()
	}
	return ok
}

func (b *Broker) releaseJob(ctx context.Context, tripID, jobID string) {
	cctx, cancel := detached(ctx)
	defer cancel()
	if err := b.Trips.ClearJob(cctx, tripID, jobID); err != nil {
		b.Logger.Error("clear_job_failed", slog.String("trip_id", tripID), slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func (b *Broker) customerSnapshot(ctx context.Context, customerID string) *models.Customer {
	c, err := b.Customers.GetCustomer(ctx, customerID)
	if err != nil {
		b.Logger.Warn("customer_lookup_failed", slog.String("customer_id", customerID), slog.Any("error", err))
		return &models.Customer{ID: customerID}
	}
	return c
}

// onAssigned runs the side effects of a successful claim. Each one is
// best-effort; the claim itself is already durable.
func (b *Broker) onAssigned(ctx context.Context, trip *models.Trip, customer *models.Customer, c models.Candidate) {
	cctx, cancel := detached(ctx)
	defer cancel()

	if err := b.Providers.SetOnTrip(cctx, c.ID, true); err != nil {
		b.Logger.Error("set_on_trip_failed", slog.String("shoemaker_id", c.ID), slog.Any("error", err))
	}
	eta := minutes(c.Minutes)
	b.emit(trip.CustomerID, dispatch.EventFindClosest, findClosestResult{
		Type: "success",
		Data: &assignedProvider{
			ID:        c.ID,
			TripID:    trip.ID,
			FullName:  c.FullName,
			Phone:     c.Phone,
			Avatar:    c.Avatar,
			Latitude:  c.Loc.Lat,
			Longitude: c.Loc.Lon,
			Time:      eta,
		},
	})
	b.Directory.Join(trip.CustomerID, c.ID)

	content := fmt.Sprintf("%s accepted your order and will arrive in about %d minutes.", c.FullName, eta)
	b.push(cctx, customer.FCMToken, "Shoemaker found", content, map[string]string{"tripId": trip.ID})
	data, _ := json.Marshal(map[string]string{"tripId": trip.ID, "shoemakerId": c.ID})
	if err := b.Notifications.CreateNotification(cctx, &models.Notification{
		CustomerID: trip.CustomerID,
		Title:      "Order accepted",
		Content:    content,
		Data:       string(data),
	}); err != nil {
		b.Logger.Error("notification_failed", slog.String("trip_id", trip.ID), slog.Any("error", err))
	}
	observability.TripTransitions.WithLabelValues(string(models.TripAccepted)).Inc()
	b.Logger.Info("trip_assigned", slog.String("trip_id", trip.ID), slog.String("shoemaker_id", c.ID))
}

func (b *Broker) emit(userID, event string, payload any) {
	if err := b.Directory.Emit(userID, event, payload); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
		b.Logger.Warn("emit_failed", slog.String("user_id", userID), slog.String("event", event), slog.Any("error", err))
	}
}

func (b *Broker) push(ctx context.Context, token, title, body string, data map[string]string) {
	if token == "" {
		return
	}
	cctx, cancel := detached(ctx)
	defer cancel()
	if err := b.Pusher.Push(cctx, dispatch.PushMessage{Token: token, Title: title, Body: body, Data: data}); err != nil {
		b.Logger.Warn("push_failed", slog.String("title", title), slog.Any("error", err))
	}
}

// detached keeps the values of ctx but not its cancellation.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

// Package trips drives an assigned trip through meeting, work and
// completion, and handles cancellation while it is still searching.
package trips

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nhattrinh17/taker-backend/internal/dispatch"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/observability"
	"github.com/nhattrinh17/taker-backend/internal/queue"
	"github.com/nhattrinh17/taker-backend/internal/storage"
)

type Settler interface {
	Settle(ctx context.Context, trip *models.Trip) (*models.Transaction, error)
	ScheduleRetry(ctx context.Context, tripID string, paymentStatus models.PaymentStatus, attempt int) error
}

type EventPublisher interface {
	PublishTripEvent(ctx context.Context, ev models.TripEvent) error
}

// JobCanceler stops a running dispatch attempt.
type JobCanceler interface {
	OnCustomerCancel(ctx context.Context, customerID, jobID string) error
	HoldsOffer(tripID, providerID string) bool
}

type UpdateStatusRequest struct {
	TripID string            `json:"tripId"`
	Status models.TripStatus `json:"status"`
	Images []string          `json:"images"`
}

type Service struct {
	Trips         storage.TripStore
	Providers     storage.ProviderStore
	Queue         queue.Queue
	Directory     dispatch.Directory
	Settlement    Settler
	Events        EventPublisher
	Dispatch      JobCanceler
	FeedbackDelay time.Duration
	Logger        *slog.Logger
}

// predecessor is the only status a trip may move to each target from.
var predecessor = map[models.TripStatus]models.TripStatus{
	models.TripMeeting:    models.TripAccepted,
	models.TripInProgress: models.TripMeeting,
	models.TripCompleted:  models.TripInProgress,
}

// UpdateStatus advances the provider's trip by one step.
func (s *Service) UpdateStatus(ctx context.Context, providerID string, req UpdateStatusRequest) error {
	from, ok := predecessor[req.Status]
	if !ok {
		return models.ErrInvalidStatus
	}
	trip, err := s.Trips.GetTrip(ctx, req.TripID)
	if err != nil {
		return err
	}
	if trip.ProviderID != providerID {
		return models.ErrTripNotFound
	}
	if trip.Status != from {
		return models.ErrInvalidStatus
	}

	var patch storage.StatusPatch
	switch req.Status {
	case models.TripInProgress:
		patch.ReceiveImages = images(req.Images)
	case models.TripCompleted:
		patch.CompleteImages = images(req.Images)
		patch.PaymentStatus = models.PaymentPaid
	}
	if err := s.Trips.TransitionStatus(ctx, trip.ID, providerID, from, req.Status, patch); err != nil {
		return err
	}
	observability.TripTransitions.WithLabelValues(string(req.Status)).Inc()
	s.Logger.Info("trip_status_changed",
		slog.String("trip_id", trip.ID),
		slog.String("shoemaker_id", providerID),
		slog.String("from", string(from)),
		slog.String("to", string(req.Status)),
	)

	if req.Status == models.TripCompleted {
		s.complete(ctx, trip)
	}
	s.notifyCustomer(trip.CustomerID, req.Status)
	if req.Status == models.TripCompleted {
		s.Directory.Leave(trip.CustomerID, providerID)
	}
	s.publish(ctx, trip, req.Status)
	return nil
}

// complete frees the provider, schedules the feedback prompt and settles.
// trip is the snapshot read before the transition.
func (s *Service) complete(ctx context.Context, trip *models.Trip) {
	if err := s.Providers.SetOnTrip(ctx, trip.ProviderID, false); err != nil {
		s.Logger.Error("release_shoemaker_failed", slog.String("shoemaker_id", trip.ProviderID), slog.Any("error", err))
	}
	feedback := models.FeedbackJob{CustomerID: trip.CustomerID, TripID: trip.ID}
	if _, err := s.Queue.Enqueue(ctx, queue.KindAfterTripFeedback, feedback, queue.Options{Delay: s.FeedbackDelay}); err != nil {
		s.Logger.Warn("feedback_enqueue_failed", slog.String("trip_id", trip.ID), slog.Any("error", err))
	}

	_, err := s.Settlement.Settle(ctx, trip)
	if err == nil || errors.Is(err, models.ErrNotSettleable) {
		return
	}
	s.Logger.Error("settlement_failed", slog.String("trip_id", trip.ID), slog.Any("error", err))
	if err := s.Settlement.ScheduleRetry(ctx, trip.ID, trip.PaymentStatus, 1); err != nil {
		s.Logger.Error("settlement_retry_enqueue_failed", slog.String("trip_id", trip.ID), slog.Any("error", err))
	}
}

// CancelByCustomer cancels a trip that is still searching and stops its
// dispatch job.
func (s *Service) CancelByCustomer(ctx context.Context, customerID, tripID string) error {
	jobID, err := s.Trips.CancelSearching(ctx, tripID, customerID)
	if err != nil {
		return err
	}
	observability.TripTransitions.WithLabelValues(string(models.TripCustomerCancel)).Inc()
	s.Logger.Info("trip_canceled", slog.String("trip_id", tripID), slog.String("customer_id", customerID))
	if jobID != "" {
		if err := s.Dispatch.OnCustomerCancel(ctx, customerID, jobID); err != nil {
			s.Logger.Error("dispatch_cancel_failed", slog.String("trip_id", tripID), slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	s.publish(ctx, &models.Trip{ID: tripID, CustomerID: customerID}, models.TripCustomerCancel)
	return nil
}

// CancelByShoemaker lets a provider holding an open offer abandon a trip
// that is still searching. The dispatch job stops and the customer is told.
func (s *Service) CancelByShoemaker(ctx context.Context, providerID, tripID string) error {
	if !s.Dispatch.HoldsOffer(tripID, providerID) {
		return models.ErrTripNotFound
	}
	trip, err := s.Trips.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.Status != models.TripSearching {
		return models.ErrInvalidStatus
	}
	if err := s.Trips.AbandonSearching(ctx, tripID, trip.JobID); err != nil {
		return err
	}
	observability.TripTransitions.WithLabelValues(string(models.TripShoemakerCancel)).Inc()
	s.Logger.Info("trip_canceled",
		slog.String("trip_id", tripID),
		slog.String("shoemaker_id", providerID),
		slog.String("by", "shoemaker"),
	)
	if err := s.Dispatch.OnCustomerCancel(ctx, trip.CustomerID, trip.JobID); err != nil {
		s.Logger.Error("dispatch_cancel_failed", slog.String("trip_id", tripID), slog.String("job_id", trip.JobID), slog.Any("error", err))
	}
	s.notifyCustomer(trip.CustomerID, models.TripShoemakerCancel)
	s.publish(ctx, &models.Trip{ID: tripID, CustomerID: trip.CustomerID, ProviderID: providerID}, models.TripShoemakerCancel)
	return nil
}

func (s *Service) notifyCustomer(customerID string, status models.TripStatus) {
	payload := map[string]string{"type": "success", "status": string(status)}
	if err := s.Directory.Emit(customerID, dispatch.EventTripStatus, payload); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
		s.Logger.Warn("emit_failed", slog.String("customer_id", customerID), slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, trip *models.Trip, status models.TripStatus) {
	if s.Events == nil {
		return
	}
	ev := models.TripEvent{TripID: trip.ID, CustomerID: trip.CustomerID, ProviderID: trip.ProviderID, Status: status, At: time.Now().UTC()}
	if err := s.Events.PublishTripEvent(ctx, ev); err != nil {
		s.Logger.Warn("trip_event_publish_failed", slog.String("trip_id", trip.ID), slog.Any("error", err))
	}
}

func images(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

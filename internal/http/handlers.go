package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhattrinh17/taker-backend/internal/dispatch"
	"github.com/nhattrinh17/taker-backend/internal/ingest"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/trips"
)

// userHeader carries the caller id set by the gateway in front of this service.
const userHeader = "X-User-ID"

type Dispatcher interface {
	RequestDispatch(ctx context.Context, tripID string, pickup models.Coord, customerID string) (string, error)
	OnCustomerCancel(ctx context.Context, customerID, jobID string) error
	OnProviderResponse(ctx context.Context, providerID, tripID string, accepted bool) bool
	OnProviderPresenceChange(ctx context.Context, providerID string, connected bool)
}

type TripService interface {
	UpdateStatus(ctx context.Context, providerID string, req trips.UpdateStatusRequest) error
	CancelByCustomer(ctx context.Context, customerID, tripID string) error
	CancelByShoemaker(ctx context.Context, providerID, tripID string) error
}

type ActiveTrips interface {
	ActiveTripForCustomer(ctx context.Context, customerID string) (*models.Trip, error)
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type LocationApplier interface {
	Apply(ctx context.Context, u models.LocationUpdate) error
}

type Presence interface {
	Connected(ctx context.Context, providerID string) error
	Heartbeat(ctx context.Context, providerID string) error
}

// Deps wires the server. Locations may be nil, in which case location
// updates are applied directly instead of going through Kafka.
type Deps struct {
	Broker    Dispatcher
	Trips     TripService
	Active    ActiveTrips
	Locations LocationPublisher
	Applier   LocationApplier
	Presence  Presence
	WSReg     *dispatch.WSRegistry
	Ready     func(ctx context.Context) error
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{Deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/dispatch", s.handleRequestDispatch).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancelTrip).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/dispatch/{job_id}", s.handleCancelDispatch).Methods(http.MethodDelete)
	s.mux.HandleFunc("/api/v1/shoemakers/trips/update-status", s.handleUpdateStatus).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/shoemakers/trips/{trip_id}/cancel", s.handleShoemakerCancel).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/providers/locations", s.handleProviderLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/{role}", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type dispatchRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Server) handleRequestDispatch(w http.ResponseWriter, r *http.Request) {
	customerID, ok := caller(w, r)
	if !ok {
		return
	}
	var req dispatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	pickup := models.Coord{Lat: req.Latitude, Lon: req.Longitude}
	jobID, err := s.Broker.RequestDispatch(r.Context(), mux.Vars(r)["trip_id"], pickup, customerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handleCancelDispatch(w http.ResponseWriter, r *http.Request) {
	customerID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.Broker.OnCustomerCancel(r.Context(), customerID, mux.Vars(r)["job_id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	customerID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.Trips.CancelByCustomer(r.Context(), customerID, mux.Vars(r)["trip_id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShoemakerCancel(w http.ResponseWriter, r *http.Request) {
	providerID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.Trips.CancelByShoemaker(r.Context(), providerID, mux.Vars(r)["trip_id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	providerID, ok := caller(w, r)
	if !ok {
		return
	}
	var req trips.UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Trips.UpdateStatus(r.Context(), providerID, req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
}

func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.submitLocation(r.Context(), u); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// submitLocation hands a location to Kafka when configured and otherwise
// applies it in place.
func (s *Server) submitLocation(ctx context.Context, u models.LocationUpdate) error {
	if err := ingest.Validate(u); err != nil {
		return err
	}
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(ctx, u); err != nil {
			return err
		}
		if s.Presence != nil {
			return s.Presence.Heartbeat(ctx, u.ProviderID)
		}
		return nil
	}
	return s.Applier.Apply(ctx, u)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := userIDFromContext(r.Context())
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader)
		return "", false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrTripNotFound),
		errors.Is(err, models.ErrProviderNotFound),
		errors.Is(err, models.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidStatus):
		return http.StatusConflict
	case errors.Is(err, models.ErrPaymentNotReady):
		return http.StatusPaymentRequired
	case errors.Is(err, ingest.ErrInvalidLocation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request_failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

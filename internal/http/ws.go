package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nhattrinh17/taker-backend/internal/dispatch"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/observability"
)

const (
	roleShoemaker = "shoemaker"
	roleCustomer  = "customer"

	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// inbound is a client frame; Data is decoded per event.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type responseTrip struct {
	TripID   string `json:"tripId"`
	Accepted bool   `json:"accepted"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	role := mux.Vars(r)["role"]
	if role != roleShoemaker && role != roleCustomer {
		http.Error(w, "unknown role", http.StatusNotFound)
		return
	}
	id, ok := caller(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "user_id", id, "error", err)
		return
	}

	// the session context outlives the handler's request context only
	// until the read loop ends
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	session := s.WSReg.Add(id, role, conn)
	observability.WSConnections.WithLabelValues(role).Inc()
	s.logger.Info("ws_connected", "user_id", id, "role", role)
	defer func() {
		if s.WSReg.Remove(session) {
			s.WSReg.LeaveAll(id)
		}
		_ = conn.Close()
		observability.WSConnections.WithLabelValues(role).Dec()
		s.logger.Info("ws_disconnected", "user_id", id, "role", role)
		if role == roleShoemaker {
			s.Broker.OnProviderPresenceChange(ctx, id, false)
		}
	}()

	switch role {
	case roleShoemaker:
		if s.Presence != nil {
			if err := s.Presence.Connected(ctx, id); err != nil {
				s.logger.Warn("presence_update_failed", "shoemaker_id", id, "error", err)
			}
		}
		go s.Broker.OnProviderPresenceChange(ctx, id, true)
	case roleCustomer:
		s.rejoinActiveTrip(ctx, id)
	}

	go s.keepAlive(ctx, session)
	s.readLoop(ctx, conn, id, role)
}

// rejoinActiveTrip puts a reconnecting customer back into the room of the
// shoemaker serving their current trip.
func (s *Server) rejoinActiveTrip(ctx context.Context, customerID string) {
	if s.Active == nil {
		return
	}
	trip, err := s.Active.ActiveTripForCustomer(ctx, customerID)
	if err != nil {
		if !errors.Is(err, models.ErrTripNotFound) {
			s.logger.Warn("active_trip_lookup_failed", "customer_id", customerID, "error", err)
		}
		return
	}
	s.WSReg.Join(customerID, trip.ProviderID)
}

func (s *Server) keepAlive(ctx context.Context, session *dispatch.WSSession) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := session.Ping(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, id, role string) {
	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("ws_read_failed", "user_id", id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if role != roleShoemaker {
			continue
		}
		s.handleShoemakerFrame(ctx, id, msg)
	}
}

func (s *Server) handleShoemakerFrame(ctx context.Context, id string, msg inbound) {
	switch msg.Event {
	case dispatch.EventResponseTrip:
		var resp responseTrip
		if err := json.Unmarshal(msg.Data, &resp); err != nil || resp.TripID == "" {
			s.logger.Warn("ws_bad_frame", "user_id", id, "event", msg.Event)
			return
		}
		s.Broker.OnProviderResponse(ctx, id, resp.TripID, resp.Accepted)
	case dispatch.EventUpdateLocation:
		var loc models.Coord
		if err := json.Unmarshal(msg.Data, &loc); err != nil {
			s.logger.Warn("ws_bad_frame", "user_id", id, "event", msg.Event)
			return
		}
		u := models.LocationUpdate{ProviderID: id, Loc: loc, At: time.Now().UTC()}
		if err := s.submitLocation(ctx, u); err != nil {
			s.logger.Warn("location_update_failed", "shoemaker_id", id, "error", err)
			return
		}
		s.WSReg.Broadcast(id, dispatch.EventUpdateLocation, map[string]any{"shoemakerId": id, "latitude": loc.Lat, "longitude": loc.Lon})
	default:
		s.logger.Debug("ws_unknown_event", "user_id", id, "event", msg.Event)
	}
}

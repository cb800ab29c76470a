package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhattrinh17/taker-backend/internal/dispatch"
	"github.com/nhattrinh17/taker-backend/internal/logging"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/trips"
)

type fakeBroker struct {
	mu        sync.Mutex
	err       error
	requested []string
	canceled  []string
	jobOwner  string
	responses []responseTrip
	presence  []bool
}

func (b *fakeBroker) RequestDispatch(_ context.Context, tripID string, _ models.Coord, customerID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requested = append(b.requested, tripID+"/"+customerID)
	return "job-1", b.err
}

func (b *fakeBroker) OnCustomerCancel(_ context.Context, customerID, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.jobOwner != "" && b.jobOwner != customerID {
		return models.ErrTripNotFound
	}
	b.canceled = append(b.canceled, customerID+"/"+jobID)
	return b.err
}

func (b *fakeBroker) OnProviderResponse(_ context.Context, _, tripID string, accepted bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, responseTrip{TripID: tripID, Accepted: accepted})
	return true
}

func (b *fakeBroker) OnProviderPresenceChange(_ context.Context, _ string, connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence = append(b.presence, connected)
}

func (b *fakeBroker) snapshot() ([]responseTrip, []bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]responseTrip(nil), b.responses...), append([]bool(nil), b.presence...)
}

type fakeTrips struct {
	err       error
	updates   []trips.UpdateStatusRequest
	abandoned []string
}

func (f *fakeTrips) UpdateStatus(_ context.Context, _ string, req trips.UpdateStatusRequest) error {
	f.updates = append(f.updates, req)
	return f.err
}

func (f *fakeTrips) CancelByCustomer(context.Context, string, string) error { return f.err }

func (f *fakeTrips) CancelByShoemaker(_ context.Context, providerID, tripID string) error {
	if f.err != nil {
		return f.err
	}
	f.abandoned = append(f.abandoned, providerID+"/"+tripID)
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	updates []models.LocationUpdate
}

func (p *fakePublisher) PublishLocation(_ context.Context, u models.LocationUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

type fakeActive struct{ trip *models.Trip }

func (f fakeActive) ActiveTripForCustomer(context.Context, string) (*models.Trip, error) {
	if f.trip == nil {
		return nil, models.ErrTripNotFound
	}
	return f.trip, nil
}

type fixture struct {
	srv    *Server
	broker *fakeBroker
	trips  *fakeTrips
	pub    *fakePublisher
}

func newFixture() *fixture {
	f := &fixture{broker: &fakeBroker{}, trips: &fakeTrips{}, pub: &fakePublisher{}}
	f.srv = NewServer(Deps{
		Broker:    f.broker,
		Trips:     f.trips,
		Active:    fakeActive{trip: &models.Trip{ID: "t1", ProviderID: "p1"}},
		Locations: f.pub,
		WSReg:     dispatch.NewWSRegistry(logging.Discard()),
	}, logging.Discard())
	return f
}

func do(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequestDispatch(t *testing.T) {
	f := newFixture()
	rec := do(t, f.srv, http.MethodPost, "/api/v1/trips/t1/dispatch", "c1", `{"latitude":10.7,"longitude":106.6}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"jobId":"job-1"}`, rec.Body.String())
	assert.Equal(t, []string{"t1/c1"}, f.broker.requested)
}

func TestRequestDispatchNeedsCaller(t *testing.T) {
	f := newFixture()
	rec := do(t, f.srv, http.MethodPost, "/api/v1/trips/t1/dispatch", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrTripNotFound, http.StatusNotFound},
		{models.ErrInvalidStatus, http.StatusConflict},
		{models.ErrPaymentNotReady, http.StatusPaymentRequired},
		{errors.New("boom"), http.StatusInternalServerError},
		{fmt.Errorf("load: %w", models.ErrTripNotFound), http.StatusNotFound},
	}
	for _, tc := range cases {
		f := newFixture()
		f.broker.err = tc.err
		rec := do(t, f.srv, http.MethodPost, "/api/v1/trips/t1/dispatch", "c1", "")
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestCancelDispatch(t *testing.T) {
	f := newFixture()
	f.broker.jobOwner = "c1"

	rec := do(t, f.srv, http.MethodDelete, "/api/v1/dispatch/job-9", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, f.srv, http.MethodDelete, "/api/v1/dispatch/job-9", "c2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.broker.canceled)

	rec = do(t, f.srv, http.MethodDelete, "/api/v1/dispatch/job-9", "c1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"c1/job-9"}, f.broker.canceled)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture()
	rec := do(t, f.srv, http.MethodPost, "/api/v1/shoemakers/trips/update-status", "p1", `{"tripId":"t1","status":"MEETING"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.trips.updates, 1)
	assert.Equal(t, models.TripMeeting, f.trips.updates[0].Status)

	f.trips.err = models.ErrInvalidStatus
	rec = do(t, f.srv, http.MethodPost, "/api/v1/shoemakers/trips/update-status", "p1", `{"tripId":"t1","status":"COMPLETED"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, f.srv, http.MethodPost, "/api/v1/shoemakers/trips/update-status", "p1", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTrip(t *testing.T) {
	f := newFixture()
	rec := do(t, f.srv, http.MethodPost, "/api/v1/trips/t1/cancel", "c1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestShoemakerCancel(t *testing.T) {
	f := newFixture()
	rec := do(t, f.srv, http.MethodPost, "/api/v1/shoemakers/trips/t1/cancel", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, f.srv, http.MethodPost, "/api/v1/shoemakers/trips/t1/cancel", "p1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"p1/t1"}, f.trips.abandoned)

	f.trips.err = models.ErrInvalidStatus
	rec = do(t, f.srv, http.MethodPost, "/api/v1/shoemakers/trips/t1/cancel", "p1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProviderLocation(t *testing.T) {
	f := newFixture()
	rec := do(t, f.srv, http.MethodPost, "/internal/providers/locations", "", `{"shoemakerId":"p1","loc":{"latitude":1,"longitude":2}}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, f.pub.count())

	rec = do(t, f.srv, http.MethodPost, "/internal/providers/locations", "", `{"loc":{"latitude":1,"longitude":2}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusOK, do(t, f.srv, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, f.srv, http.MethodGet, "/ready", "", "").Code)

	f.srv.Ready = func(context.Context) error { return errors.New("redis down") }
	assert.Equal(t, http.StatusServiceUnavailable, do(t, f.srv, http.MethodGet, "/ready", "", "").Code)
}

func dial(t *testing.T, ts *httptest.Server, path, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{userHeader: {user}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestShoemakerSocketRoutesFrames(t *testing.T) {
	f := newFixture()
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	customer := dial(t, ts, "/ws/customer", "c1")
	require.Eventually(t, func() bool { return f.srv.WSReg.InRoom("c1", "p1") }, time.Second, 5*time.Millisecond)

	conn := dial(t, ts, "/ws/shoemaker", "p1")
	require.Eventually(t, func() bool { return f.srv.WSReg.Connected("p1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": dispatch.EventResponseTrip,
		"data":  map[string]any{"tripId": "t1", "accepted": true},
	}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": dispatch.EventUpdateLocation,
		"data":  map[string]any{"latitude": 10.5, "longitude": 106.5},
	}))

	require.Eventually(t, func() bool {
		resp, presence := f.broker.snapshot()
		return len(resp) == 1 && len(presence) >= 1 && f.pub.count() == 1
	}, time.Second, 5*time.Millisecond)
	resp, presence := f.broker.snapshot()
	assert.Equal(t, responseTrip{TripID: "t1", Accepted: true}, resp[0])
	assert.True(t, presence[0])

	// the customer rejoined p1's room on connect and sees the move
	_ = customer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, customer.ReadJSON(&env))
	assert.Equal(t, dispatch.EventUpdateLocation, env.Event)
	assert.JSONEq(t, `{"shoemakerId":"p1","latitude":10.5,"longitude":106.5}`, string(env.Data))
}

func TestUnknownSocketRole(t *testing.T) {
	f := newFixture()
	rec := do(t, f.srv, http.MethodGet, "/ws/admin", "x", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSocketIdentityFromHeader(t *testing.T) {
	f := newFixture()
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/customer"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a trailing path segment no longer names the caller
	_, resp, err = websocket.DefaultDialer.Dial(url+"/c1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	dial(t, ts, "/ws/customer", "c9")
	require.Eventually(t, func() bool { return f.srv.WSReg.Connected("c9") }, time.Second, 5*time.Millisecond)
}

func TestRequestIDPropagates(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = do(t, f.srv, http.MethodGet, "/healthz", "", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

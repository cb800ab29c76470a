package trips

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhattrinh17/taker-backend/internal/dispatch"
	"github.com/nhattrinh17/taker-backend/internal/logging"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/queue"
	"github.com/nhattrinh17/taker-backend/internal/queue/queuetest"
	"github.com/nhattrinh17/taker-backend/internal/settlement"
	"github.com/nhattrinh17/taker-backend/internal/storage"
)

type emitted struct {
	user, event string
	payload     any
}

type fakeDirectory struct {
	mu   sync.Mutex
	sent []emitted
	left []string
}

func (d *fakeDirectory) Connected(string) bool { return true }
func (d *fakeDirectory) Emit(id, event string, payload any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, emitted{id, event, payload})
	return nil
}
func (d *fakeDirectory) Join(string, string) {}
func (d *fakeDirectory) Leave(id, room string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.left = append(d.left, id+"@"+room)
}
func (d *fakeDirectory) Broadcast(string, string, any) {}

type fakeEvents struct{ events []models.TripEvent }

func (f *fakeEvents) PublishTripEvent(_ context.Context, ev models.TripEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type fakeCanceler struct {
	jobs   []string
	offers map[string]bool
}

func (f *fakeCanceler) OnCustomerCancel(_ context.Context, customerID, jobID string) error {
	f.jobs = append(f.jobs, customerID+"/"+jobID)
	return nil
}

func (f *fakeCanceler) HoldsOffer(tripID, providerID string) bool {
	return f.offers[tripID+"|"+providerID]
}

type failingSettler struct{ retries []models.PaymentStatus }

func (f *failingSettler) Settle(context.Context, *models.Trip) (*models.Transaction, error) {
	return nil, models.ErrSettlementFailed
}

func (f *failingSettler) ScheduleRetry(_ context.Context, _ string, ps models.PaymentStatus, _ int) error {
	f.retries = append(f.retries, ps)
	return nil
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	q        *queuetest.Recorder
	dir      *fakeDirectory
	events   *fakeEvents
	canceler *fakeCanceler
}

func newFixture(t *testing.T, status models.TripStatus) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	store.PutTrip(&models.Trip{
		ID: "t1", CustomerID: "c1", ProviderID: "p1", Status: status, OrderID: "ORD1",
		PaymentMethod: models.PaymentCash, PaymentStatus: models.PaymentPending, Fee: 10000, Income: 90000,
	})
	store.PutProvider(&models.Provider{ID: "p1", Online: true, Accepting: true, OnTrip: true})
	store.PutWallet(&models.Wallet{ID: "w1", ProviderID: "p1", Balance: 50000})

	f := &fixture{store: store, q: queuetest.New(), dir: &fakeDirectory{}, events: &fakeEvents{}, canceler: &fakeCanceler{}}
	f.svc = &Service{
		Trips:         store,
		Providers:     store,
		Queue:         f.q,
		Directory:     f.dir,
		Settlement:    settlement.New(store, store, f.q, logging.Discard(), 3),
		Events:        f.events,
		Dispatch:      f.canceler,
		FeedbackDelay: 5 * time.Minute,
		Logger:        logging.Discard(),
	}
	return f
}

func TestHappyPathToCompletion(t *testing.T) {
	f := newFixture(t, models.TripAccepted)
	ctx := context.Background()

	require.NoError(t, f.svc.UpdateStatus(ctx, "p1", UpdateStatusRequest{TripID: "t1", Status: models.TripMeeting}))
	require.NoError(t, f.svc.UpdateStatus(ctx, "p1", UpdateStatusRequest{TripID: "t1", Status: models.TripInProgress, Images: []string{"r1.jpg"}}))
	require.NoError(t, f.svc.UpdateStatus(ctx, "p1", UpdateStatusRequest{TripID: "t1", Status: models.TripCompleted, Images: []string{"c1.jpg"}}))

	trip, _ := f.store.GetTrip(ctx, "t1")
	assert.Equal(t, models.TripCompleted, trip.Status)
	assert.Equal(t, models.PaymentPaid, trip.PaymentStatus)
	assert.Equal(t, []string{"r1.jpg"}, trip.ReceiveImages)
	assert.Equal(t, []string{"c1.jpg"}, trip.CompleteImages)

	p, _ := f.store.GetProvider(ctx, "p1")
	assert.False(t, p.OnTrip)

	w, _ := f.store.Wallet("p1")
	assert.Equal(t, int64(40000), w.Balance)
	assert.Len(t, f.store.Transactions(), 1)

	feedback := f.q.Kind(queue.KindAfterTripFeedback)
	require.Len(t, feedback, 1)
	assert.Equal(t, 5*time.Minute, feedback[0].Delay)
	assert.Len(t, f.q.Kind(queue.KindUpdateWallet), 1)

	require.Len(t, f.dir.sent, 3)
	for i, st := range []models.TripStatus{models.TripMeeting, models.TripInProgress, models.TripCompleted} {
		assert.Equal(t, dispatch.EventTripStatus, f.dir.sent[i].event)
		assert.Equal(t, map[string]string{"type": "success", "status": string(st)}, f.dir.sent[i].payload)
	}
	assert.Equal(t, []string{"c1@p1"}, f.dir.left)
	assert.Len(t, f.events.events, 3)
}

func TestSkippingAStepIsRejected(t *testing.T) {
	f := newFixture(t, models.TripAccepted)
	err := f.svc.UpdateStatus(context.Background(), "p1", UpdateStatusRequest{TripID: "t1", Status: models.TripCompleted})
	assert.ErrorIs(t, err, models.ErrInvalidStatus)

	err = f.svc.UpdateStatus(context.Background(), "p1", UpdateStatusRequest{TripID: "t1", Status: models.TripAccepted})
	assert.ErrorIs(t, err, models.ErrInvalidStatus)

	trip, _ := f.store.GetTrip(context.Background(), "t1")
	assert.Equal(t, models.TripAccepted, trip.Status)
	assert.Empty(t, f.dir.sent)
}

func TestOtherProviderCannotMoveTrip(t *testing.T) {
	f := newFixture(t, models.TripAccepted)
	err := f.svc.UpdateStatus(context.Background(), "p2", UpdateStatusRequest{TripID: "t1", Status: models.TripMeeting})
	assert.ErrorIs(t, err, models.ErrTripNotFound)
}

func TestCompletionTwiceSettlesOnce(t *testing.T) {
	f := newFixture(t, models.TripInProgress)
	ctx := context.Background()
	require.NoError(t, f.svc.UpdateStatus(ctx, "p1", UpdateStatusRequest{TripID: "t1", Status: models.TripCompleted}))
	err := f.svc.UpdateStatus(ctx, "p1", UpdateStatusRequest{TripID: "t1", Status: models.TripCompleted})
	assert.ErrorIs(t, err, models.ErrInvalidStatus)
	assert.Len(t, f.store.Transactions(), 1)
}

func TestSettlementFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, models.TripInProgress)
	s := &failingSettler{}
	f.svc.Settlement = s

	require.NoError(t, f.svc.UpdateStatus(context.Background(), "p1", UpdateStatusRequest{TripID: "t1", Status: models.TripCompleted}))
	assert.Equal(t, []models.PaymentStatus{models.PaymentPending}, s.retries)
	trip, _ := f.store.GetTrip(context.Background(), "t1")
	assert.Equal(t, models.TripCompleted, trip.Status)
}

func TestUnpaidCardCompletionBooksNothing(t *testing.T) {
	f := newFixture(t, models.TripInProgress)
	f.store.PutTrip(&models.Trip{
		ID: "t1", CustomerID: "c1", ProviderID: "p1", Status: models.TripInProgress,
		PaymentMethod: models.PaymentCreditCard, PaymentStatus: models.PaymentPending, Income: 90000,
	})
	require.NoError(t, f.svc.UpdateStatus(context.Background(), "p1", UpdateStatusRequest{TripID: "t1", Status: models.TripCompleted}))
	assert.Empty(t, f.store.Transactions())
	assert.Empty(t, f.q.Kind(queue.KindSettlementRetry))
}

func TestCancelByCustomer(t *testing.T) {
	f := newFixture(t, models.TripAccepted)
	f.store.PutTrip(&models.Trip{ID: "t2", CustomerID: "c1", Status: models.TripSearching, JobID: "job-1"})

	require.NoError(t, f.svc.CancelByCustomer(context.Background(), "c1", "t2"))
	trip, _ := f.store.GetTrip(context.Background(), "t2")
	assert.Equal(t, models.TripCustomerCancel, trip.Status)
	assert.Equal(t, []string{"c1/job-1"}, f.canceler.jobs)

	err := f.svc.CancelByCustomer(context.Background(), "c1", "t2")
	assert.ErrorIs(t, err, models.ErrInvalidStatus)
	err = f.svc.CancelByCustomer(context.Background(), "c1", "t1")
	assert.True(t, errors.Is(err, models.ErrInvalidStatus))
	err = f.svc.CancelByCustomer(context.Background(), "someone", "t2")
	assert.ErrorIs(t, err, models.ErrTripNotFound)
}

func TestCancelByShoemaker(t *testing.T) {
	f := newFixture(t, models.TripAccepted)
	ctx := context.Background()
	f.store.PutTrip(&models.Trip{ID: "t2", CustomerID: "c1", Status: models.TripSearching, JobID: "job-1"})
	f.canceler.offers = map[string]bool{"t2|p2": true}

	// no open offer for p3
	assert.ErrorIs(t, f.svc.CancelByShoemaker(ctx, "p3", "t2"), models.ErrTripNotFound)
	trip, _ := f.store.GetTrip(ctx, "t2")
	assert.Equal(t, models.TripSearching, trip.Status)
	assert.Empty(t, f.canceler.jobs)

	require.NoError(t, f.svc.CancelByShoemaker(ctx, "p2", "t2"))
	trip, _ = f.store.GetTrip(ctx, "t2")
	assert.Equal(t, models.TripShoemakerCancel, trip.Status)
	assert.Empty(t, trip.JobID)
	assert.Empty(t, trip.ProviderID)
	assert.Equal(t, []string{"c1/job-1"}, f.canceler.jobs)

	require.Len(t, f.dir.sent, 1)
	assert.Equal(t, "c1", f.dir.sent[0].user)
	assert.Equal(t, dispatch.EventTripStatus, f.dir.sent[0].event)
	assert.Equal(t, string(models.TripShoemakerCancel), f.dir.sent[0].payload.(map[string]string)["status"])
	require.Len(t, f.events.events, 1)
	assert.Equal(t, models.TripShoemakerCancel, f.events.events[0].Status)

	assert.ErrorIs(t, f.svc.CancelByShoemaker(ctx, "p2", "t2"), models.ErrInvalidStatus)
}

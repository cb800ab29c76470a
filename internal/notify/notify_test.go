package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhattrinh17/taker-backend/internal/dispatch"
	"github.com/nhattrinh17/taker-backend/internal/logging"
	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/queue"
	"github.com/nhattrinh17/taker-backend/internal/storage"
)

type recordingPusher struct {
	msgs []dispatch.PushMessage
	err  error
}

func (p *recordingPusher) Push(_ context.Context, m dispatch.PushMessage) error {
	p.msgs = append(p.msgs, m)
	return p.err
}

func job(t *testing.T, kind string, payload any) *queue.Job {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "j1", Kind: kind, Payload: raw}
}

func setup() (*Handlers, *storage.MemoryStore, *recordingPusher) {
	store := storage.NewMemoryStore()
	store.PutProvider(&models.Provider{ID: "p1", FCMToken: "ptok"})
	store.PutCustomer(&models.Customer{ID: "c1", FCMToken: "ctok"})
	p := &recordingPusher{}
	return &Handlers{Providers: store, Customers: store, Notifications: store, Pusher: p, Logger: logging.Discard()}, store, p
}

func TestWalletJobPushesAndStores(t *testing.T) {
	h, store, p := setup()
	err := h.HandleWalletJob(context.Background(), job(t, queue.KindUpdateWallet, models.WalletJob{ProviderID: "p1", Message: "-20000"}))
	require.NoError(t, err)

	require.Len(t, p.msgs, 1)
	assert.Equal(t, "ptok", p.msgs[0].Token)
	assert.Equal(t, "-20000", p.msgs[0].Body)
	ns := store.Notifications()
	require.Len(t, ns, 1)
	assert.Equal(t, "p1", ns[0].ProviderID)
}

func TestWalletJobUnknownProvider(t *testing.T) {
	h, _, _ := setup()
	err := h.HandleWalletJob(context.Background(), job(t, queue.KindUpdateWallet, models.WalletJob{ProviderID: "nope"}))
	assert.ErrorIs(t, err, models.ErrProviderNotFound)
}

func TestFeedbackJobSurvivesPushFailure(t *testing.T) {
	h, store, p := setup()
	p.err = errors.New("fcm down")
	err := h.HandleFeedbackJob(context.Background(), job(t, queue.KindAfterTripFeedback, models.FeedbackJob{CustomerID: "c1", TripID: "t1"}))
	require.NoError(t, err)

	require.Len(t, p.msgs, 1)
	assert.Equal(t, "t1", p.msgs[0].Data["tripId"])
	ns := store.Notifications()
	require.Len(t, ns, 1)
	assert.Equal(t, "c1", ns[0].CustomerID)
	assert.JSONEq(t, `{"tripId":"t1"}`, ns[0].Data)
}

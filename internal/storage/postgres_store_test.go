package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/storage"
)

func setupMockDB(t *testing.T) (*storage.PostgresStore, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return storage.NewPostgresStoreFromDB(sqlx.NewDb(mockDB, "sqlmock")), mock
}

var tripCols = []string{"id", "customer_id", "provider_id", "latitude", "longitude", "address", "address_note",
	"total_price", "payment_method", "payment_status", "status", "fee", "income", "job_id", "order_id",
	"receive_images", "complete_images", "created_at", "updated_at"}

func TestGetTrip_Success(t *testing.T) {
	store, mock := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, customer_id, provider_id")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(tripCols).AddRow(
			"t1", "c1", nil, 10.77, 106.69, "1 Le Loi", "gate B",
			int64(120000), "OFFLINE_PAYMENT", "PENDING", "SEARCHING", int64(20000), int64(100000),
			nil, "TK1", "{}", "{}", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name, price, discount_price, discount, quantity FROM trip_services")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "price", "discount_price", "discount", "quantity"}).
			AddRow("polish", int64(60000), int64(50000), int64(10000), 2))

	trip, err := store.GetTrip(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripSearching, trip.Status)
	assert.Equal(t, "", trip.ProviderID)
	assert.Equal(t, int64(20000), trip.Fee)
	require.Len(t, trip.Services, 1)
	assert.Equal(t, 2, trip.Services[0].Quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTrip_NotFound(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, customer_id")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetTrip(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrTripNotFound)
}

func TestClaimTrip(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET status = 'ACCEPTED'")).
		WithArgs("t1", "p1", "job1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET status = 'ACCEPTED'")).
		WithArgs("t1", "p2", "job1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := store.ClaimTrip(context.Background(), "t1", "p1", "job1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.ClaimTrip(context.Background(), "t1", "p2", "job1")
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetJob_NotSearching(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET job_id = $2")).
		WithArgs("t1", "job1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetJob(context.Background(), "t1", "job1")
	assert.ErrorIs(t, err, models.ErrInvalidStatus)
}

func TestTransitionStatus_NoRows(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET status = $4")).
		WithArgs("t1", "p1", "ACCEPTED", "INPROGRESS", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.TransitionStatus(context.Background(), "t1", "p1", models.TripAccepted, models.TripInProgress, storage.StatusPatch{})
	assert.ErrorIs(t, err, models.ErrInvalidStatus)
}

func TestTransitionStatus_DBError(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET status = $4")).
		WillReturnError(assert.AnError)

	err := store.TransitionStatus(context.Background(), "t1", "p1", models.TripMeeting, models.TripInProgress, storage.StatusPatch{})
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, errors.Is(err, models.ErrInvalidStatus))
}

func TestNearbyAvailable_WithBalanceFloor(t *testing.T) {
	store, mock := setupMockDB(t)
	cols := []string{"id", "full_name", "phone", "avatar", "latitude", "longitude", "h3_cell",
		"fcm_token", "is_online", "is_on", "is_trip", "updated_at"}
	floor := int64(-80000)

	mock.ExpectQuery(`JOIN wallets w ON w.provider_id = p.id AND w.balance >= \$4`).
		WithArgs(sqlmock.AnyArg(), "t1", 10, floor).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p1", "An", "0901", nil, 10.77, 106.69, "89283082803ffff", "tok", true, true, false, time.Now()))

	got, err := store.NearbyAvailable(context.Background(), storage.CandidateQuery{
		Cells: []string{"89283082803ffff"}, TripID: "t1", MinBalance: &floor, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tok", got[0].FCMToken)
	assert.True(t, got[0].Available())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNearbyAvailable_NoCells(t *testing.T) {
	store, mock := setupMockDB(t)
	got, err := store.NearbyAvailable(context.Background(), storage.CandidateQuery{TripID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDecline_Idempotent(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (trip_id, provider_id) DO NOTHING")).
		WithArgs("t1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, store.RecordDecline(context.Background(), "t1", "p1"))
}

func TestWithinTx_CommitsOnSuccess(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM wallets WHERE provider_id = $1 FOR UPDATE")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "provider_id", "balance", "updated_at"}).
			AddRow("w1", "p1", int64(5000), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wallets SET balance = $2")).
		WithArgs("w1", int64(3000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx storage.LedgerTx) error {
		w, err := tx.LockWallet(context.Background(), "p1")
		if err != nil {
			return err
		}
		return tx.UpdateWalletBalance(context.Background(), w.ID, w.Balance-2000)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("p1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx storage.LedgerTx) error {
		_, err := tx.LockWallet(context.Background(), "p1")
		return err
	})
	assert.ErrorIs(t, err, models.ErrWalletNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderIDExists(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("TK1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	var exists bool
	err := store.WithinTx(context.Background(), func(tx storage.LedgerTx) error {
		var err error
		exists, err = tx.OrderIDExists(context.Background(), "TK1")
		if err != nil {
			return err
		}
		return errors.New("abort")
	})
	assert.EqualError(t, err, "abort")
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAbandonSearching(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET status = 'SHOEMAKER_CANCEL'")).
		WithArgs("t1", "job1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET status = 'SHOEMAKER_CANCEL'")).
		WithArgs("t1", "job1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.AbandonSearching(context.Background(), "t1", "job1"))
	assert.ErrorIs(t, store.AbandonSearching(context.Background(), "t1", "job1"), models.ErrInvalidStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

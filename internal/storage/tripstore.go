package storage

import (
	"context"

	"github.com/nhattrinh17/taker-backend/internal/models"
)

// StatusPatch carries the optional fields written alongside a status change.
// Nil slices and an empty payment status leave the stored value untouched.
type StatusPatch struct {
	ReceiveImages  []string
	CompleteImages []string
	PaymentStatus  models.PaymentStatus
}

// TripStore defines persistence operations for trips. Every mutating call is
// a single conditional write so concurrent callers cannot both succeed.
type TripStore interface {
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// SetJob links a dispatch job to a SEARCHING trip that has none.
	SetJob(ctx context.Context, tripID, jobID string) error
	// ClearJob unlinks jobID if it is still the trip's job.
	ClearJob(ctx context.Context, tripID, jobID string) error
	// ClaimTrip moves SEARCHING to ACCEPTED for providerID while jobID is
	// still linked. It reports false when another caller got there first.
	ClaimTrip(ctx context.Context, tripID, providerID, jobID string) (bool, error)
	// TransitionStatus moves from one status to the next for the assigned
	// provider. It returns models.ErrInvalidStatus when nothing matched.
	TransitionStatus(ctx context.Context, tripID, providerID string, from, to models.TripStatus, patch StatusPatch) error
	// CancelSearching cancels a SEARCHING trip on behalf of its customer and
	// returns the job id that was linked, if any.
	CancelSearching(ctx context.Context, tripID, customerID string) (string, error)
	// AbandonSearching stamps SHOEMAKER_CANCEL on a SEARCHING trip still
	// owned by jobID and unlinks the job. It returns models.ErrInvalidStatus
	// when nothing matched.
	AbandonSearching(ctx context.Context, tripID, jobID string) error
	ActiveTripForCustomer(ctx context.Context, customerID string) (*models.Trip, error)
}

// CandidateQuery selects providers eligible for one trip.
type CandidateQuery struct {
	Cells  []string
	TripID string
	// MinBalance, when set, requires a wallet balance at or above it.
	MinBalance *int64
	Limit      int
}

type ProviderStore interface {
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	// NearbyAvailable returns online, accepting, idle providers inside
	// q.Cells that have not declined q.TripID, ordered by cell position.
	NearbyAvailable(ctx context.Context, q CandidateQuery) ([]models.Provider, error)
	SetOnTrip(ctx context.Context, id string, onTrip bool) error
	SetOnline(ctx context.Context, id string, online bool) error
	UpdateLocation(ctx context.Context, id string, loc models.Coord, cell string) error
	ListOnline(ctx context.Context) ([]string, error)
}

type DeclineStore interface {
	// RecordDecline is idempotent per (trip, provider).
	RecordDecline(ctx context.Context, tripID, providerID string) error
}

type CustomerStore interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// Ledger runs wallet mutations inside one database transaction.
type Ledger interface {
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx is only valid inside the WithinTx callback that received it.
type LedgerTx interface {
	// LockWallet reads the provider's wallet and holds it until commit.
	LockWallet(ctx context.Context, providerID string) (*models.Wallet, error)
	// TripTransaction returns the trip-sourced transaction for tripID, or nil.
	TripTransaction(ctx context.Context, tripID string) (*models.Transaction, error)
	OrderIDExists(ctx context.Context, orderID string) (bool, error)
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	UpdateWalletBalance(ctx context.Context, walletID string, balance int64) error
	InsertWalletLog(ctx context.Context, l *models.WalletLog) error
}

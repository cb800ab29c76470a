// Package settlement moves trip money into shoemaker wallets. Every
// settlement is one ledger transaction: lock the wallet, write the
// transaction, the new balance and a wallet log, then commit.
package settlement

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/nhattrinh17/taker-backend/internal/models"
	"github.com/nhattrinh17/taker-backend/internal/observability"
	"github.com/nhattrinh17/taker-backend/internal/queue"
	"github.com/nhattrinh17/taker-backend/internal/storage"
)

const (
	maxOrderIDTries = 20
	maxRetryDelay   = 6 * time.Hour
)

type Engine struct {
	ledger      storage.Ledger
	trips       storage.TripStore
	queue       queue.Queue
	logger      *slog.Logger
	maxAttempts int
	retryBase   time.Duration
	newOrderID  func() string
}

func New(ledger storage.Ledger, trips storage.TripStore, q queue.Queue, logger *slog.Logger, maxAttempts int) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Engine{
		ledger:      ledger,
		trips:       trips,
		queue:       q,
		logger:      logger,
		maxAttempts: maxAttempts,
		retryBase:   30 * time.Second,
		newOrderID:  generateOrderID,
	}
}

// entry is the ledger movement a trip produces.
type entry struct {
	amount int64
	kind   models.TransactionType
	sign   string
	desc   string
}

func plan(trip *models.Trip) (entry, error) {
	switch {
	case trip.PaymentMethod == models.PaymentCash:
		return entry{trip.Fee, models.TransactionWithdraw, "-", "Fee deducted for order " + trip.OrderID}, nil
	case trip.PaymentMethod == models.PaymentDigitalWallet,
		trip.PaymentMethod == models.PaymentCreditCard && trip.PaymentStatus == models.PaymentPaid:
		return entry{trip.Income, models.TransactionDeposit, "+", "Income received for order " + trip.OrderID}, nil
	}
	return entry{}, models.ErrNotSettleable
}

// Settle books the trip's wallet movement. trip must carry the payment
// status it had before completion. Settling the same trip twice returns the
// first transaction without writing anything.
func (e *Engine) Settle(ctx context.Context, trip *models.Trip) (*models.Transaction, error) {
	if trip.ProviderID == "" {
		return nil, models.ErrNotSettleable
	}
	ent, err := plan(trip)
	if err != nil {
		observability.SettlementsTotal.WithLabelValues("skipped").Inc()
		return nil, err
	}

	var (
		result    *models.Transaction
		duplicate bool
	)
	err = e.ledger.WithinTx(ctx, func(tx storage.LedgerTx) error {
		wallet, err := tx.LockWallet(ctx, trip.ProviderID)
		if err != nil {
			return err
		}
		existing, err := tx.TripTransaction(ctx, trip.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			result, duplicate = existing, true
			return nil
		}

		orderID, err := e.uniqueOrderID(ctx, tx)
		if err != nil {
			return err
		}
		t := &models.Transaction{
			WalletID:    wallet.ID,
			TripID:      trip.ID,
			OrderID:     orderID,
			Amount:      ent.amount,
			Type:        ent.kind,
			Source:      models.SourceTrip,
			Status:      models.TransactionSuccess,
			Description: ent.desc,
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		balance := wallet.Balance + t.Signed()
		if err := tx.UpdateWalletBalance(ctx, wallet.ID, balance); err != nil {
			return err
		}
		if err := tx.InsertWalletLog(ctx, &models.WalletLog{
			WalletID:        wallet.ID,
			PreviousBalance: wallet.Balance,
			CurrentBalance:  balance,
			Amount:          ent.amount,
			Description:     ent.desc,
		}); err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		observability.SettlementsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: trip %s: %w", models.ErrSettlementFailed, trip.ID, err)
	}
	if duplicate {
		observability.SettlementsTotal.WithLabelValues("duplicate").Inc()
		return result, nil
	}

	observability.SettlementsTotal.WithLabelValues("success").Inc()
	e.logger.Info("trip_settled",
		slog.String("trip_id", trip.ID),
		slog.String("shoemaker_id", trip.ProviderID),
		slog.String("type", string(result.Type)),
		slog.Int64("amount", result.Amount),
	)
	e.afterCommit(ctx, trip, ent)
	return result, nil
}

// afterCommit queues the wallet notification. It runs only once the ledger
// transaction is durable.
func (e *Engine) afterCommit(ctx context.Context, trip *models.Trip, ent entry) {
	job := models.WalletJob{ProviderID: trip.ProviderID, Message: walletMessage(ent.amount, ent.sign, trip.OrderID)}
	if _, err := e.queue.Enqueue(ctx, queue.KindUpdateWallet, job, queue.Options{}); err != nil {
		e.logger.Warn("wallet_notification_enqueue_failed", slog.String("trip_id", trip.ID), slog.Any("error", err))
	}
}

func (e *Engine) uniqueOrderID(ctx context.Context, tx storage.LedgerTx) (string, error) {
	for range maxOrderIDTries {
		id := e.newOrderID()
		taken, err := tx.OrderIDExists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", errors.New("no free order id")
}

// ScheduleRetry queues another settlement run with exponential delay.
// paymentStatus is the trip's status before completion.
func (e *Engine) ScheduleRetry(ctx context.Context, tripID string, paymentStatus models.PaymentStatus, attempt int) error {
	if attempt > e.maxAttempts {
		return fmt.Errorf("%w: trip %s: gave up after %d attempts", models.ErrSettlementFailed, tripID, e.maxAttempts)
	}
	delay := retryDelay(e.retryBase, attempt)
	job := models.SettlementRetryJob{TripID: tripID, PaymentStatus: paymentStatus, Attempt: attempt}
	if _, err := e.queue.Enqueue(ctx, queue.KindSettlementRetry, job, queue.Options{Delay: delay}); err != nil {
		return fmt.Errorf("enqueue settlement retry: %w", err)
	}
	e.logger.Info("settlement_retry_scheduled", slog.String("trip_id", tripID), slog.Int("attempt", attempt), slog.Duration("delay", delay))
	return nil
}

// retryDelay doubles base per attempt up to maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

// HandleRetryJob is the queue handler for settlement-retry jobs.
func (e *Engine) HandleRetryJob(ctx context.Context, job *queue.Job) error {
	var req models.SettlementRetryJob
	if err := job.Decode(&req); err != nil {
		return err
	}
	trip, err := e.trips.GetTrip(ctx, req.TripID)
	if err != nil {
		return err
	}
	if trip.Status != models.TripCompleted {
		e.logger.Warn("settlement_retry_skipped", slog.String("trip_id", trip.ID), slog.String("status", string(trip.Status)))
		return nil
	}
	if req.PaymentStatus != "" {
		trip.PaymentStatus = req.PaymentStatus
	}

	_, err = e.Settle(ctx, trip)
	switch {
	case err == nil, errors.Is(err, models.ErrNotSettleable):
		return nil
	case req.Attempt < e.maxAttempts:
		e.logger.Warn("settlement_retry_failed", slog.String("trip_id", trip.ID), slog.Int("attempt", req.Attempt), slog.Any("error", err))
		return e.ScheduleRetry(ctx, trip.ID, req.PaymentStatus, req.Attempt+1)
	default:
		e.logger.Error("settlement_abandoned", slog.String("trip_id", trip.ID), slog.Int("attempt", req.Attempt), slog.Any("error", err))
		return err
	}
}

func walletMessage(amount int64, sign, orderID string) string {
	return fmt.Sprintf("Your wallet changed by %s%d for order %s.", sign, amount, orderID)
}

// generateOrderID returns "TK", the date as yymmdd and six random digits.
func generateOrderID() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		n = big.NewInt(time.Now().UnixNano() % 1_000_000)
	}
	return fmt.Sprintf("TK%s%06d", time.Now().Format("060102"), n.Int64())
}

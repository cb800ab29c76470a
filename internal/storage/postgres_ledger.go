package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhattrinh17/taker-backend/internal/models"
)

func (p *PostgresStore) WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockWallet(ctx context.Context, providerID string) (*models.Wallet, error) {
	var w models.Wallet
	err := t.tx.GetContext(ctx, &w,
		`SELECT id, provider_id, balance, updated_at FROM wallets WHERE provider_id = $1 FOR UPDATE`, providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return &w, nil
}

func (t *pgTx) TripTransaction(ctx context.Context, tripID string) (*models.Transaction, error) {
	var tr models.Transaction
	err := t.tx.GetContext(ctx, &tr,
		`SELECT id, wallet_id, trip_id, order_id, amount, transaction_type, transaction_source, status, description, created_at
		 FROM transactions WHERE trip_id = $1 AND transaction_source = 'TRIP' LIMIT 1`, tripID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trip transaction: %w", err)
	}
	return &tr, nil
}

func (t *pgTx) OrderIDExists(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	if err := t.tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE order_id = $1)`, orderID); err != nil {
		return false, fmt.Errorf("order id lookup: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *models.Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transactions (id, wallet_id, trip_id, order_id, amount, transaction_type, transaction_source, status, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tr.ID, tr.WalletID, tr.TripID, tr.OrderID, tr.Amount, tr.Type, tr.Source, tr.Status, tr.Description, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateWalletBalance(ctx context.Context, walletID string, balance int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET balance = $2, updated_at = now() WHERE id = $1`, walletID, balance)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrWalletNotFound
	}
	return nil
}

func (t *pgTx) InsertWalletLog(ctx context.Context, l *models.WalletLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallet_logs (id, wallet_id, previous_balance, current_balance, amount, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.WalletID, l.PreviousBalance, l.CurrentBalance, l.Amount, l.Description, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet log: %w", err)
	}
	return nil
}

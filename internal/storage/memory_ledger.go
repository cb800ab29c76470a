package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nhattrinh17/taker-backend/internal/models"
)

// WithinTx serializes ledger work and applies staged writes only when fn
// returns nil.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	tx := &memTx{store: m, balances: make(map[string]int64)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	for _, w := range m.wallets {
		if bal, ok := tx.balances[w.ID]; ok {
			w.Balance = bal
			w.UpdatedAt = now
		}
	}
	m.transactions = append(m.transactions, tx.transactions...)
	m.walletLogs = append(m.walletLogs, tx.logs...)
	return nil
}

type memTx struct {
	store        *MemoryStore
	balances     map[string]int64
	transactions []*models.Transaction
	logs         []*models.WalletLog
}

func (t *memTx) LockWallet(_ context.Context, providerID string) (*models.Wallet, error) {
	w, ok := t.store.wallets[providerID]
	if !ok {
		return nil, models.ErrWalletNotFound
	}
	c := *w
	if bal, ok := t.balances[w.ID]; ok {
		c.Balance = bal
	}
	return &c, nil
}

func (t *memTx) TripTransaction(_ context.Context, tripID string) (*models.Transaction, error) {
	for _, list := range [][]*models.Transaction{t.store.transactions, t.transactions} {
		for _, tr := range list {
			if tr.TripID == tripID && tr.Source == models.SourceTrip {
				c := *tr
				return &c, nil
			}
		}
	}
	return nil, nil
}

func (t *memTx) OrderIDExists(_ context.Context, orderID string) (bool, error) {
	for _, list := range [][]*models.Transaction{t.store.transactions, t.transactions} {
		for _, tr := range list {
			if tr.OrderID == orderID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *models.Transaction) error {
	c := *tr
	if c.ID == "" {
		c.ID = uuid.NewString()
		tr.ID = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	t.transactions = append(t.transactions, &c)
	return nil
}

func (t *memTx) UpdateWalletBalance(_ context.Context, walletID string, balance int64) error {
	for _, w := range t.store.wallets {
		if w.ID == walletID {
			t.balances[walletID] = balance
			return nil
		}
	}
	return models.ErrWalletNotFound
}

func (t *memTx) InsertWalletLog(_ context.Context, l *models.WalletLog) error {
	c := *l
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	t.logs = append(t.logs, &c)
	return nil
}

// Wallet returns the committed wallet of providerID.
func (m *MemoryStore) Wallet(providerID string) (models.Wallet, bool) {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	w, ok := m.wallets[providerID]
	if !ok {
		return models.Wallet{}, false
	}
	return *w, true
}

func (m *MemoryStore) Transactions() []models.Transaction {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	out := make([]models.Transaction, 0, len(m.transactions))
	for _, t := range m.transactions {
		out = append(out, *t)
	}
	return out
}

func (m *MemoryStore) WalletLogs() []models.WalletLog {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	out := make([]models.WalletLog, 0, len(m.walletLogs))
	for _, l := range m.walletLogs {
		out = append(out, *l)
	}
	return out
}

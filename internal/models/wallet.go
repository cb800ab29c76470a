package models

import "time"

type TransactionType string

const (
	TransactionDeposit  TransactionType = "DEPOSIT"
	TransactionWithdraw TransactionType = "WITHDRAW"
)

type TransactionStatus string

const (
	TransactionPending TransactionStatus = "PENDING"
	TransactionSuccess TransactionStatus = "SUCCESS"
	TransactionFailed  TransactionStatus = "FAILED"
)

type TransactionSource string

const (
	SourceWallet TransactionSource = "WALLET"
	SourceTrip   TransactionSource = "TRIP"
)

// Wallet balances are in minor currency units.
type Wallet struct {
	ID         string    `json:"id" db:"id"`
	ProviderID string    `json:"shoemakerId" db:"provider_id"`
	Balance    int64     `json:"balance" db:"balance"`
	UpdatedAt  time.Time `json:"updatedAt" db:"updated_at"`
}

// Transaction is an immutable ledger entry. Amount is always positive;
// Type carries the direction.
type Transaction struct {
	ID          string            `json:"id" db:"id"`
	WalletID    string            `json:"walletId" db:"wallet_id"`
	TripID      string            `json:"tripId" db:"trip_id"`
	OrderID     string            `json:"orderId" db:"order_id"`
	Amount      int64             `json:"amount" db:"amount"`
	Type        TransactionType   `json:"transactionType" db:"transaction_type"`
	Source      TransactionSource `json:"transactionSource" db:"transaction_source"`
	Status      TransactionStatus `json:"status" db:"status"`
	Description string            `json:"description" db:"description"`
	CreatedAt   time.Time         `json:"createdAt" db:"created_at"`
}

// Signed returns the balance delta the transaction applied.
func (t *Transaction) Signed() int64 {
	if t.Type == TransactionWithdraw {
		return -t.Amount
	}
	return t.Amount
}

type WalletLog struct {
	ID              string    `json:"id" db:"id"`
	WalletID        string    `json:"walletId" db:"wallet_id"`
	PreviousBalance int64     `json:"previousBalance" db:"previous_balance"`
	CurrentBalance  int64     `json:"currentBalance" db:"current_balance"`
	Amount          int64     `json:"amount" db:"amount"`
	Description     string    `json:"description" db:"description"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

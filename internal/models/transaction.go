package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTransfer   TransactionType = "TRANSFER"
	TransactionExchange   TransactionType = "EXCHANGE"
	TransactionDeposit    TransactionType = "DEPOSIT"
	TransactionWithdrawal TransactionType = "WITHDRAWAL"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTransfer, TransactionExchange, TransactionDeposit, TransactionWithdrawal:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// Transaction is one business operation. FromAccountID is nil for deposits.
// ExchangeRate, ToAmount and ToCurrency are only set for exchanges.
type Transaction struct {
	ID             string            `json:"id" db:"id"`
	FromAccountID  *string           `json:"from_account_id" db:"from_account_id"`
	ToAccountID    string            `json:"to_account_id" db:"to_account_id"`
	Amount         decimal.Decimal   `json:"amount" db:"amount"`
	Currency       Currency          `json:"currency" db:"currency"`
	Type           TransactionType   `json:"type" db:"type"`
	Status         TransactionStatus `json:"status" db:"status"`
	Description    string            `json:"description" db:"description"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty" db:"idempotency_key"`
	ExchangeRate   *decimal.Decimal  `json:"exchange_rate,omitempty" db:"exchange_rate"`
	ToAmount       *decimal.Decimal  `json:"to_amount,omitempty" db:"to_amount"`
	ToCurrency     *Currency         `json:"to_currency,omitempty" db:"to_currency"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

type TransactionPage struct {
	Data  []Transaction `json:"data"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

// AuditEntry is a row of the append-only audit_log table.
type AuditEntry struct {
	ID           string         `json:"id" db:"id"`
	UserID       string         `json:"user_id" db:"user_id"`
	Action       string         `json:"action" db:"action"`
	ResourceType string         `json:"resource_type" db:"resource_type"`
	ResourceID   string         `json:"resource_id" db:"resource_id"`
	Details      map[string]any `json:"details" db:"details"`
	IPAddress    string         `json:"ip_address" db:"ip_address"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// TransactionDetail is a transaction together with its ledger entries.
type TransactionDetail struct {
	Transaction
	Entries []LedgerEntry `json:"entries"`
}

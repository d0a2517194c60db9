package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
)

// Currencies lists every supported currency in a stable order.
var Currencies = []Currency{USD, EUR}

func (c Currency) Valid() bool {
	return c == USD || c == EUR
}

type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Tolerances used when comparing decimal sums.
var (
	LedgerBalanceTolerance  = decimal.RequireFromString("0.001")
	AccountBalanceTolerance = decimal.RequireFromString("0.01")
)

// LedgerEntry is one signed leg of a transaction. DEBIT amounts are
// negative and CREDIT amounts positive.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Type          EntryType       `json:"type" db:"type"`
	Description   string          `json:"description" db:"description"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Account carries a cached balance that is always recomputable from its
// ledger entries.
type Account struct {
	ID        string          `json:"id" db:"id"`
	OwnerID   string          `json:"owner_id" db:"owner_id"`
	Currency  Currency        `json:"currency" db:"currency"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	IsSystem  bool            `json:"is_system" db:"is_system"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

type BalanceUpdate struct {
	AccountID  string          `json:"accountId"`
	UserID     string          `json:"userId"`
	NewBalance decimal.Decimal `json:"newBalance"`
	Currency   Currency        `json:"currency"`
	Timestamp  time.Time       `json:"timestamp"`
}

type EntryPage struct {
	Data  []LedgerEntry `json:"data"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

type IntegritySummary struct {
	TotalTransactions         int `json:"totalTransactions"`
	BalancedTransactions      int `json:"balancedTransactions"`
	UnbalancedTransactions    int `json:"unbalancedTransactions"`
	CrossCurrencyTransactions int `json:"crossCurrencyTransactions"`
	MalformedTransactions     int `json:"malformedTransactions"`
	TotalAccounts             int `json:"totalAccounts"`
	ConsistentAccounts        int `json:"consistentAccounts"`
	InconsistentAccounts      int `json:"inconsistentAccounts"`
}

type IntegrityReport struct {
	Valid     bool             `json:"isValid"`
	Errors    []string         `json:"errors"`
	Summary   IntegritySummary `json:"summary"`
	CheckedAt time.Time        `json:"checkedAt"`
}

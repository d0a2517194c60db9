package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/shopspring/decimal"
)

// LedgerService writes ledger entries and reads them back. It is the only
// place entries are created.
type LedgerService struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:    db,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WriteBalanced persists same-currency entries whose amounts sum to zero
// within models.LedgerBalanceTolerance.
func (s *LedgerService) WriteBalanced(ctx context.Context, tx *sql.Tx, entries []models.LedgerEntry) ([]models.LedgerEntry, error) {
	if tx == nil {
		return nil, ErrPrecondition
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrUnbalancedEntries)
	}
	if err := validateEntries(entries); err != nil {
		return nil, err
	}

	sum := decimal.Zero
	for _, entry := range entries {
		sum = sum.Add(entry.Amount)
	}
	if sum.Abs().GreaterThan(models.LedgerBalanceTolerance) {
		return nil, fmt.Errorf("%w: entries sum to %s", ErrUnbalancedEntries, sum)
	}

	return s.insertEntries(ctx, tx, entries)
}

// WriteCrossCurrency persists the two legs of an exchange. Each leg is in its
// own account's currency, so no sum is checked.
func (s *LedgerService) WriteCrossCurrency(ctx context.Context, tx *sql.Tx, entries []models.LedgerEntry) ([]models.LedgerEntry, error) {
	if tx == nil {
		return nil, ErrPrecondition
	}
	if len(entries) != 2 {
		return nil, fmt.Errorf("%w: got %d entries", ErrInvalidExchangeEntries, len(entries))
	}

	var debits, credits int
	for _, entry := range entries {
		switch entry.Type {
		case models.EntryDebit:
			debits++
		case models.EntryCredit:
			credits++
		}
	}
	if debits != 1 || credits != 1 {
		return nil, fmt.Errorf("%w: got %d debits and %d credits", ErrInvalidExchangeEntries, debits, credits)
	}
	if err := validateEntries(entries); err != nil {
		return nil, err
	}

	return s.insertEntries(ctx, tx, entries)
}

func validateEntries(entries []models.LedgerEntry) error {
	for i, entry := range entries {
		if entry.TransactionID == "" || entry.AccountID == "" {
			return fmt.Errorf("%w: entry %d is missing its transaction or account", ErrInvalidLedgerEntry, i)
		}
		switch entry.Type {
		case models.EntryDebit:
			if !entry.Amount.IsNegative() {
				return fmt.Errorf("%w: debit entry %d must be negative, got %s", ErrInvalidLedgerEntry, i, entry.Amount)
			}
		case models.EntryCredit:
			if !entry.Amount.IsPositive() {
				return fmt.Errorf("%w: credit entry %d must be positive, got %s", ErrInvalidLedgerEntry, i, entry.Amount)
			}
		default:
			return fmt.Errorf("%w: entry %d has type %q", ErrInvalidLedgerEntry, i, entry.Type)
		}
	}
	return nil
}

func (s *LedgerService) insertEntries(ctx context.Context, tx *sql.Tx, entries []models.LedgerEntry) ([]models.LedgerEntry, error) {
	written := make([]models.LedgerEntry, 0, len(entries))
	createdAt := s.now()
	for _, entry := range entries {
		entry.ID = s.newID()
		entry.CreatedAt = createdAt

		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, transaction_id, account_id, amount, type, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			entry.ID, entry.TransactionID, entry.AccountID, entry.Amount, entry.Type, entry.Description, entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert ledger entry for %s: %w", entry.AccountID, err)
		}
		written = append(written, entry)
	}
	return written, nil
}

const entryColumns = `id, transaction_id, account_id, amount, type, COALESCE(description, ''), created_at`

func scanEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var entry models.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.TransactionID, &entry.AccountID, &entry.Amount,
			&entry.Type, &entry.Description, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// EntriesByTransaction lists a transaction's entries in write order.
func (s *LedgerService) EntriesByTransaction(ctx context.Context, transactionID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY created_at, type DESC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list entries of transaction %s: %w", transactionID, err)
	}
	return scanEntries(rows)
}

// EntriesByAccount pages through an account's entries, newest first.
func (s *LedgerService) EntriesByAccount(ctx context.Context, accountID string, page, limit int) (*models.EntryPage, error) {
	page, limit = normalizePage(page, limit)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count entries of account %s: %w", accountID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, accountID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("list entries of account %s: %w", accountID, err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	return &models.EntryPage{Data: entries, Total: total, Page: page, Limit: limit}, nil
}

// Pagination limits for list endpoints.
const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
)

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

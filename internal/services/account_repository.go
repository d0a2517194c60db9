package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/shopspring/decimal"
)

const accountColumns = `id, owner_id, currency, balance, is_system, created_at, updated_at`

// AccountRepository is the account store. Only the transaction engine,
// holding the row lock, writes the cached balance.
type AccountRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var account models.Account
	err := row.Scan(&account.ID, &account.OwnerID, &account.Currency, &account.Balance,
		&account.IsSystem, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// LockAccountsTx takes a FOR UPDATE lock on every distinct id, in ascending
// id order whatever order the ids are passed in.
// The result is keyed by the stored id, so differently spelled UUIDs for
// one account share a single entry.
func (r *AccountRepository) LockAccountsTx(ctx context.Context, tx *sql.Tx, ids ...string) (map[string]*models.Account, error) {
	order := make([]string, 0, len(ids))
	for _, id := range ids {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		order = append(order, parsed.String())
	}
	slices.Sort(order)
	order = slices.Compact(order)

	locked := make(map[string]*models.Account, len(order))
	for _, id := range order {
		account, err := r.lockAccount(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		locked[account.ID] = account
	}
	return locked, nil
}

func (r *AccountRepository) lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	account, err := scanAccount(tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", accountID, err)
	}
	return account, nil
}

// UpdateBalanceTx stores a recomputed balance. The caller must hold the row lock.
func (r *AccountRepository) UpdateBalanceTx(ctx context.Context, tx *sql.Tx, accountID string, balance decimal.Decimal) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, updated_at = $2
		WHERE id = $3`,
		balance, r.now(), accountID)
	if err != nil {
		return fmt.Errorf("update balance of %s: %w", accountID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return nil
}

// Get reads an account without locking it.
func (r *AccountRepository) Get(ctx context.Context, accountID string) (*models.Account, error) {
	return r.get(ctx, r.db, accountID)
}

// GetTx reads an account inside tx without locking it.
func (r *AccountRepository) GetTx(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	return r.get(ctx, tx, accountID)
}

func (r *AccountRepository) get(ctx context.Context, q Querier, accountID string) (*models.Account, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	account, err := scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return account, nil
}

// ListByOwner returns the owner's customer accounts, oldest first.
func (r *AccountRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE owner_id = $1 AND NOT is_system
		ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// Create opens a zero-balance customer account.
func (r *AccountRepository) Create(ctx context.Context, ownerID string, currency models.Currency) (*models.Account, error) {
	if !currency.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return r.insert(ctx, ownerID, currency, false)
}

func (r *AccountRepository) insert(ctx context.Context, ownerID string, currency models.Currency, system bool) (*models.Account, error) {
	now := r.now()
	account := &models.Account{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Currency:  currency,
		Balance:   decimal.Zero,
		IsSystem:  system,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, currency, balance, is_system, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.OwnerID, account.Currency, account.Balance, account.IsSystem,
		account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return account, nil
}

// EnsureClearingAccounts returns the system clearing account for every
// supported currency, creating the missing ones. Clearing accounts are the
// counter-leg of deposits and withdrawals and may run negative.
func (r *AccountRepository) EnsureClearingAccounts(ctx context.Context, systemOwnerID string) (map[models.Currency]string, error) {
	clearing := make(map[models.Currency]string, len(models.Currencies))
	for _, currency := range models.Currencies {
		var id string
		err := r.db.QueryRowContext(ctx, `
			SELECT id FROM accounts
			WHERE owner_id = $1 AND currency = $2 AND is_system`,
			systemOwnerID, currency).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			account, err := r.insert(ctx, systemOwnerID, currency, true)
			if err != nil {
				return nil, fmt.Errorf("create %s clearing account: %w", currency, err)
			}
			id = account.ID
		case err != nil:
			return nil, fmt.Errorf("find %s clearing account: %w", currency, err)
		}
		clearing[currency] = id
	}
	return clearing, nil
}

package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/shopspring/decimal"
)

const transactionColumns = `t.id, t.from_account_id, t.to_account_id, t.amount, t.currency, t.type, t.status,
	COALESCE(t.description, ''), t.idempotency_key, t.exchange_rate, t.to_amount, t.to_currency,
	t.created_at, t.updated_at`

// TransactionRepository stores transaction rows.
type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		t              models.Transaction
		fromAccountID  sql.NullString
		idempotencyKey sql.NullString
		toCurrency     sql.NullString
		exchangeRate   decimal.NullDecimal
		toAmount       decimal.NullDecimal
	)
	err := row.Scan(&t.ID, &fromAccountID, &t.ToAccountID, &t.Amount, &t.Currency, &t.Type, &t.Status,
		&t.Description, &idempotencyKey, &exchangeRate, &toAmount, &toCurrency,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if fromAccountID.Valid {
		t.FromAccountID = &fromAccountID.String
	}
	if idempotencyKey.Valid {
		t.IdempotencyKey = &idempotencyKey.String
	}
	if exchangeRate.Valid {
		t.ExchangeRate = &exchangeRate.Decimal
	}
	if toAmount.Valid {
		t.ToAmount = &toAmount.Decimal
	}
	if toCurrency.Valid {
		currency := models.Currency(toCurrency.String)
		t.ToCurrency = &currency
	}
	return &t, nil
}

// FindByIdempotencyKey returns nil, nil when no transaction carries key.
func (r *TransactionRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	return r.findByIdempotencyKey(ctx, r.db, key)
}

// FindByIdempotencyKeyTx is FindByIdempotencyKey inside tx.
func (r *TransactionRepository) FindByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (*models.Transaction, error) {
	return r.findByIdempotencyKey(ctx, tx, key)
}

func (r *TransactionRepository) findByIdempotencyKey(ctx context.Context, q Querier, key string) (*models.Transaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions t WHERE t.idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction by idempotency key: %w", err)
	}
	return t, nil
}

// FindByID returns ErrTransactionNotFound when the id is unknown.
func (r *TransactionRepository) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions t WHERE t.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction %s: %w", id, err)
	}
	return t, nil
}

// InsertTx writes a new transaction row.
func (r *TransactionRepository) InsertTx(ctx context.Context, tx *sql.Tx, t *models.Transaction) error {
	var toCurrency *string
	if t.ToCurrency != nil {
		currency := string(*t.ToCurrency)
		toCurrency = &currency
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, from_account_id, to_account_id, amount, currency, type, status,
			description, idempotency_key, exchange_rate, to_amount, to_currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.FromAccountID, t.ToAccountID, t.Amount, t.Currency, t.Type, t.Status,
		t.Description, t.IdempotencyKey, nullDecimal(t.ExchangeRate), nullDecimal(t.ToAmount), toCurrency,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// HistoryQuery selects one page of a user's transactions.
type HistoryQuery struct {
	Page  int
	Limit int
	Type  models.TransactionType
}

// History lists transactions touching any account owned by userID, newest first.
func (r *TransactionRepository) History(ctx context.Context, userID string, query HistoryQuery) (*models.TransactionPage, error) {
	page, limit := normalizePage(query.Page, query.Limit)

	where := []string{"(fa.owner_id = $1 OR ta.owner_id = $1)"}
	args := []any{userID}
	if query.Type != "" {
		args = append(args, query.Type)
		where = append(where, fmt.Sprintf("t.type = $%d", len(args)))
	}

	from := `
		FROM transactions t
		LEFT JOIN accounts fa ON fa.id = t.from_account_id
		JOIN accounts ta ON ta.id = t.to_account_id
		WHERE ` + strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+from+
			fmt.Sprintf(" ORDER BY t.created_at DESC, t.id LIMIT $%d OFFSET $%d", len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	data := []models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		data = append(data, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &models.TransactionPage{Data: data, Total: total, Page: page, Limit: limit}, nil
}

package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// BalanceCalculator derives an account's true balance from the ledger.
type BalanceCalculator struct {
	db *sql.DB
}

func NewBalanceCalculator(db *sql.DB) *BalanceCalculator {
	return &BalanceCalculator{db: db}
}

// BalanceOf sums the committed ledger entries of an account.
func (c *BalanceCalculator) BalanceOf(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return c.balanceOf(ctx, c.db, accountID)
}

// BalanceOfTx sums the account's entries as seen by tx, including entries tx
// has written but not yet committed.
func (c *BalanceCalculator) BalanceOfTx(ctx context.Context, tx *sql.Tx, accountID string) (decimal.Decimal, error) {
	if tx == nil {
		return decimal.Zero, ErrPrecondition
	}
	return c.balanceOf(ctx, tx, accountID)
}

func (c *BalanceCalculator) balanceOf(ctx context.Context, q Querier, accountID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE account_id = $1`, accountID).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger entries of %s: %w", accountID, err)
	}
	return balance, nil
}

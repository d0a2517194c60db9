package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	accountA    = "11111111-1111-4111-8111-111111111111"
	accountB    = "22222222-2222-4222-8222-222222222222"
	accountC    = "33333333-3333-4333-8333-333333333333"
	clearingUSD = "99999999-9999-4999-8999-999999999991"
	clearingEUR = "99999999-9999-4999-8999-999999999992"
	txID        = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	alice       = "user-alice"
	bob         = "user-bob"
	systemOwner = "00000000-0000-0000-0000-000000000000"
)

var (
	accountCols     = []string{"id", "owner_id", "currency", "balance", "is_system", "created_at", "updated_at"}
	transactionCols = []string{"id", "from_account_id", "to_account_id", "amount", "currency", "type", "status",
		"description", "idempotency_key", "exchange_rate", "to_amount", "to_currency", "created_at", "updated_at"}
	entryCols = []string{"id", "transaction_id", "account_id", "amount", "type", "description", "created_at"}

	lockAccountSQL   = `SELECT (.+) FROM accounts WHERE id = \$1 FOR UPDATE`
	getAccountSQL    = `SELECT (.+) FROM accounts WHERE id = \$1`
	idempotencySQL   = `SELECT (.+) FROM transactions t WHERE t.idempotency_key = \$1`
	insertTxSQL      = `INSERT INTO transactions`
	insertEntrySQL   = `INSERT INTO ledger_entries`
	sumEntriesSQL    = `SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries WHERE account_id = \$1`
	updateBalanceSQL = `UPDATE accounts SET balance = \$1, updated_at = \$2 WHERE id = \$3`
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixtureAccount struct {
	id       string
	owner    string
	currency models.Currency
	balance  string
	system   bool
}

func accountRow(a fixtureAccount) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(accountCols).
		AddRow(a.id, a.owner, string(a.currency), a.balance, a.system, now, now)
}

func expectLock(mock sqlmock.Sqlmock, a fixtureAccount) {
	mock.ExpectQuery(lockAccountSQL).WithArgs(a.id).WillReturnRows(accountRow(a))
}

func expectGet(mock sqlmock.Sqlmock, a fixtureAccount) {
	mock.ExpectQuery(getAccountSQL).WithArgs(a.id).WillReturnRows(accountRow(a))
}

func expectNoIdempotentMatch(mock sqlmock.Sqlmock, key string) {
	mock.ExpectQuery(idempotencySQL).WithArgs(key).WillReturnRows(sqlmock.NewRows(transactionCols))
}

func expectRecalc(mock sqlmock.Sqlmock, accountID, balance string) {
	mock.ExpectQuery(sumEntriesSQL).WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(balance))
	mock.ExpectExec(updateBalanceSQL).WithArgs(dec(balance), sqlmock.AnyArg(), accountID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectEntry(mock sqlmock.Sqlmock, accountID, amount string, kind models.EntryType, description string) {
	mock.ExpectExec(insertEntrySQL).
		WithArgs(sqlmock.AnyArg(), txID, accountID, dec(amount), string(kind), description, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func storedTransactionRow(id, from, to, amount string, kind models.TransactionType, key string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(transactionCols).
		AddRow(id, from, to, amount, "USD", string(kind), string(models.StatusCompleted),
			"", key, nil, nil, nil, now, now)
}

type engineFixture struct {
	service    *TransactionService
	mock       sqlmock.Sqlmock
	audit      *MockAuditLogger
	notifier   *MockNotifier
	dispatcher *Dispatcher
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	audit := new(MockAuditLogger)
	notifier := new(MockNotifier)
	dispatcher := NewDispatcher(1, 16, time.Second, logger)
	t.Cleanup(dispatcher.Close)

	service := NewTransactionService(TransactionServiceConfig{
		UnitOfWork:   NewUnitOfWork(db, time.Second, 0, logger),
		Accounts:     NewAccountRepository(db),
		Transactions: NewTransactionRepository(db),
		Ledger:       NewLedgerService(db),
		Balances:     NewBalanceCalculator(db),
		Audit:        audit,
		Notifier:     notifier,
		Dispatcher:   dispatcher,
		Rates:        models.NewRateTable(dec("0.92")),
		Clearing: map[models.Currency]string{
			models.USD: clearingUSD,
			models.EUR: clearingEUR,
		},
		Logger: logger,
	})
	service.newID = func() string { return txID }

	return &engineFixture{
		service:    service,
		mock:       mock,
		audit:      audit,
		notifier:   notifier,
		dispatcher: dispatcher,
	}
}

// settle waits for post-commit work and checks every expectation.
func (f *engineFixture) settle(t *testing.T) {
	t.Helper()
	f.dispatcher.Close()
	require.NoError(t, f.mock.ExpectationsWereMet())
	f.audit.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

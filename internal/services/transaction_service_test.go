package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	aliceUSD    = fixtureAccount{id: accountA, owner: alice, currency: models.USD, balance: "1000.00"}
	bobUSD      = fixtureAccount{id: accountB, owner: bob, currency: models.USD, balance: "0.00"}
	aliceEUR    = fixtureAccount{id: accountC, owner: alice, currency: models.EUR, balance: "0.00"}
	usdClearing = fixtureAccount{id: clearingUSD, owner: systemOwner, currency: models.USD, balance: "0.00", system: true}
)

func withBalance(a fixtureAccount, balance string) fixtureAccount {
	a.balance = balance
	return a
}

func auditAction(action string) any {
	return mock.MatchedBy(func(e models.AuditEntry) bool {
		return e.Action == action && e.ResourceID == txID && e.ResourceType == "transaction"
	})
}

func balanceUpdate(accountID, balance string) any {
	return mock.MatchedBy(func(u models.BalanceUpdate) bool {
		return u.AccountID == accountID && u.NewBalance.Equal(dec(balance))
	})
}

// expectRentTransfer sets up a committed 250.00 USD transfer from alice to
// bob together with its post-commit reads.
func expectRentTransfer(f *engineFixture, key string) {
	m := f.mock
	var keyArg any
	if key != "" {
		keyArg = key
	}

	m.ExpectBegin()
	if key != "" {
		expectNoIdempotentMatch(m, key)
	}
	expectLock(m, aliceUSD)
	expectLock(m, bobUSD)
	m.ExpectExec(insertTxSQL).
		WithArgs(txID, accountA, accountB, dec("250"), "USD", "TRANSFER", "COMPLETED", "Rent",
			keyArg, nil, nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectEntry(m, accountA, "-250", models.EntryDebit, "Rent")
	expectEntry(m, accountB, "250", models.EntryCredit, "Rent")
	expectRecalc(m, accountA, "750.00")
	expectRecalc(m, accountB, "250.00")
	m.ExpectCommit()

	expectGet(m, withBalance(aliceUSD, "750.00"))
	expectGet(m, withBalance(bobUSD, "250.00"))
}

func rentTransfer(key string) TransferRequest {
	return TransferRequest{
		UserID:         alice,
		FromAccountID:  accountA,
		ToAccountID:    accountB,
		Amount:         dec("250.00"),
		Description:    "Rent",
		IdempotencyKey: key,
	}
}

func TestTransactionService_Transfer(t *testing.T) {
	ctx := context.Background()

	t.Run("moves funds and notifies both owners", func(t *testing.T) {
		f := newEngineFixture(t)
		expectRentTransfer(f, "")

		f.audit.On("Log", mock.Anything, auditAction(AuditTransferCreated)).Once()
		f.notifier.On("NotifyBalanceUpdate", mock.Anything, balanceUpdate(accountA, "750")).Return(nil).Once()
		f.notifier.On("NotifyBalanceUpdate", mock.Anything, balanceUpdate(accountB, "250")).Return(nil).Once()
		f.notifier.On("NotifyTransactionCreated", mock.Anything, alice, mock.AnythingOfType("*models.Transaction")).Return(nil).Once()
		f.notifier.On("NotifyTransactionCreated", mock.Anything, bob, mock.AnythingOfType("*models.Transaction")).Return(nil).Once()

		tx, err := f.service.Transfer(ctx, rentTransfer(""))
		require.NoError(t, err)
		f.settle(t)

		assert.Equal(t, txID, tx.ID)
		assert.Equal(t, models.TransactionTransfer, tx.Type)
		assert.Equal(t, models.StatusCompleted, tx.Status)
		assert.True(t, tx.Amount.Equal(dec("250")))
		require.NotNil(t, tx.FromAccountID)
		assert.Equal(t, accountA, *tx.FromAccountID)
		assert.Nil(t, tx.IdempotencyKey)
	})

	t.Run("notification failures do not fail the transfer", func(t *testing.T) {
		f := newEngineFixture(t)
		expectRentTransfer(f, "")

		f.audit.On("Log", mock.Anything, mock.Anything).Once()
		f.notifier.On("NotifyBalanceUpdate", mock.Anything, mock.Anything).Return(errors.New("redis down")).Twice()
		f.notifier.On("NotifyTransactionCreated", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down")).Twice()

		tx, err := f.service.Transfer(ctx, rentTransfer(""))
		require.NoError(t, err)
		f.settle(t)
		assert.Equal(t, txID, tx.ID)
	})

	t.Run("insufficient balance leaves no trace", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectLock(m, withBalance(aliceUSD, "100.00"))
		expectLock(m, bobUSD)
		m.ExpectRollback()

		_, err := f.service.Transfer(ctx, rentTransfer(""))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, KindState, ErrorKind(err))
		f.settle(t)
	})

	t.Run("same account is rejected before any database work", func(t *testing.T) {
		f := newEngineFixture(t)
		req := rentTransfer("")
		req.ToAccountID = accountA

		_, err := f.service.Transfer(ctx, req)
		assert.ErrorIs(t, err, ErrSameAccount)
		f.settle(t)
	})

	t.Run("same account spelled differently is still the same account", func(t *testing.T) {
		for _, other := range []string{"{" + accountA + "}", strings.ToUpper(accountA), "urn:uuid:" + accountA} {
			f := newEngineFixture(t)
			req := rentTransfer("")
			req.ToAccountID = other

			_, err := f.service.Transfer(ctx, req)
			assert.ErrorIs(t, err, ErrSameAccount, other)
			f.settle(t)
		}
	})

	t.Run("non-canonical ids are resolved to the stored account", func(t *testing.T) {
		f := newEngineFixture(t)
		expectRentTransfer(f, "")

		f.audit.On("Log", mock.Anything, auditAction(AuditTransferCreated)).Once()
		f.notifier.On("NotifyBalanceUpdate", mock.Anything, balanceUpdate(accountA, "750")).Return(nil).Once()
		f.notifier.On("NotifyBalanceUpdate", mock.Anything, balanceUpdate(accountB, "250")).Return(nil).Once()
		f.notifier.On("NotifyTransactionCreated", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()

		req := rentTransfer("")
		req.FromAccountID = strings.ToUpper(accountA)
		req.ToAccountID = "{" + accountB + "}"

		done := make(chan struct{})
		var (
			tx  *models.Transaction
			err error
		)
		go func() {
			defer close(done)
			tx, err = f.service.Transfer(ctx, req)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("transfer did not return")
		}

		require.NoError(t, err)
		f.settle(t)
		require.NotNil(t, tx.FromAccountID)
		assert.Equal(t, accountA, *tx.FromAccountID)
		assert.Equal(t, accountB, tx.ToAccountID)
	})

	t.Run("invalid amounts", func(t *testing.T) {
		for _, amount := range []string{"0", "-5", "0.004", "10000000000000000"} {
			f := newEngineFixture(t)
			req := rentTransfer("")
			req.Amount = dec(amount)

			_, err := f.service.Transfer(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidAmount, amount)
			assert.Equal(t, KindValidation, ErrorKind(err))
			f.settle(t)
		}
	})

	t.Run("locks in id order whatever the direction", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectLock(m, aliceUSD)
		expectLock(m, withBalance(bobUSD, "10.00"))
		m.ExpectRollback()

		_, err := f.service.Transfer(ctx, TransferRequest{
			UserID:        bob,
			FromAccountID: accountB,
			ToAccountID:   accountA,
			Amount:        dec("50"),
		})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		f.settle(t)
	})

	t.Run("source must belong to the caller", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectLock(m, aliceUSD)
		expectLock(m, withBalance(bobUSD, "500.00"))
		m.ExpectRollback()

		_, err := f.service.Transfer(ctx, TransferRequest{
			UserID:        alice,
			FromAccountID: accountB,
			ToAccountID:   accountA,
			Amount:        dec("50"),
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
		f.settle(t)
	})

	t.Run("currencies must match", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectLock(m, aliceUSD)
		expectLock(m, aliceEUR)
		m.ExpectRollback()

		req := rentTransfer("")
		req.ToAccountID = accountC
		_, err := f.service.Transfer(ctx, req)
		assert.ErrorIs(t, err, ErrCurrencyMismatch)
		f.settle(t)
	})

	t.Run("unknown destination", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectLock(m, aliceUSD)
		m.ExpectQuery(lockAccountSQL).WithArgs(accountB).WillReturnRows(sqlmock.NewRows(accountCols))
		m.ExpectRollback()

		_, err := f.service.Transfer(ctx, rentTransfer(""))
		assert.ErrorIs(t, err, ErrAccountNotFound)
		f.settle(t)
	})

	t.Run("malformed account id is not found before any database work", func(t *testing.T) {
		f := newEngineFixture(t)

		req := rentTransfer("")
		req.ToAccountID = "not-a-uuid"
		_, err := f.service.Transfer(ctx, req)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		f.settle(t)
	})

	t.Run("deadlock is reported as retryable", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectLock(m, aliceUSD)
		m.ExpectQuery(lockAccountSQL).WithArgs(accountB).
			WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
		m.ExpectRollback()

		_, err := f.service.Transfer(ctx, rentTransfer(""))
		assert.ErrorIs(t, err, ErrRetryableConflict)
		assert.Equal(t, KindConflict, ErrorKind(err))
		f.settle(t)
	})
}

func TestTransactionService_Idempotency(t *testing.T) {
	ctx := context.Background()
	const key = "rent-2024-06"

	t.Run("replay returns the stored transaction without side effects", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock
		expectRentTransfer(f, key)

		f.audit.On("Log", mock.Anything, auditAction(AuditTransferCreated)).Once()
		f.notifier.On("NotifyBalanceUpdate", mock.Anything, mock.Anything).Return(nil).Twice()
		f.notifier.On("NotifyTransactionCreated", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()

		first, err := f.service.Transfer(ctx, rentTransfer(key))
		require.NoError(t, err)
		require.NotNil(t, first.IdempotencyKey)
		assert.Equal(t, key, *first.IdempotencyKey)
		f.dispatcher.Close()

		m.ExpectBegin()
		m.ExpectQuery(idempotencySQL).WithArgs(key).
			WillReturnRows(storedTransactionRow(txID, accountA, accountB, "250.00", models.TransactionTransfer, key))
		m.ExpectCommit()

		second, err := f.service.Transfer(ctx, rentTransfer(key))
		require.NoError(t, err)
		f.settle(t)

		assert.Equal(t, first.ID, second.ID)
		assert.True(t, second.Amount.Equal(first.Amount))
	})

	t.Run("losing a concurrent insert returns the winner", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectNoIdempotentMatch(m, key)
		expectLock(m, aliceUSD)
		expectLock(m, bobUSD)
		m.ExpectExec(insertTxSQL).WillReturnError(&pq.Error{
			Code:       "23505",
			Constraint: "transactions_idempotency_key_key",
		})
		m.ExpectRollback()
		m.ExpectQuery(idempotencySQL).WithArgs(key).
			WillReturnRows(storedTransactionRow("bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", accountA, accountB, "250.00", models.TransactionTransfer, key))

		tx, err := f.service.Transfer(ctx, rentTransfer(key))
		require.NoError(t, err)
		f.settle(t)
		assert.Equal(t, "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", tx.ID)
	})

	t.Run("conflict without a stored winner", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectNoIdempotentMatch(m, key)
		expectLock(m, aliceUSD)
		expectLock(m, bobUSD)
		m.ExpectExec(insertTxSQL).WillReturnError(&pq.Error{Code: "23505"})
		m.ExpectRollback()
		expectNoIdempotentMatch(m, key)

		_, err := f.service.Transfer(ctx, rentTransfer(key))
		assert.ErrorIs(t, err, ErrIdempotencyConflict)
		f.settle(t)
	})

	t.Run("other unique violations are not idempotency conflicts", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectNoIdempotentMatch(m, key)
		expectLock(m, aliceUSD)
		expectLock(m, bobUSD)
		m.ExpectExec(insertTxSQL).WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_pkey"})
		m.ExpectRollback()

		_, err := f.service.Transfer(ctx, rentTransfer(key))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrIdempotencyConflict)
		assert.Equal(t, KindInternal, ErrorKind(err))
		f.settle(t)
	})
}

func TestTransactionService_Exchange(t *testing.T) {
	ctx := context.Background()

	t.Run("converts at the requested rate", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock
		description := "Exchange: 100.00 USD → 92.00 EUR"

		m.ExpectBegin()
		expectLock(m, withBalance(aliceUSD, "500.00"))
		expectLock(m, aliceEUR)
		m.ExpectExec(insertTxSQL).
			WithArgs(txID, accountA, accountC, dec("100"), "USD", "EXCHANGE", "COMPLETED", description,
				nil, dec("0.92"), dec("92"), "EUR", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectEntry(m, accountA, "-100", models.EntryDebit, description)
		expectEntry(m, accountC, "92", models.EntryCredit, description)
		expectRecalc(m, accountA, "400.00")
		expectRecalc(m, accountC, "92.00")
		m.ExpectCommit()
		expectGet(m, withBalance(aliceUSD, "400.00"))
		expectGet(m, withBalance(aliceEUR, "92.00"))

		f.audit.On("Log", mock.Anything, auditAction(AuditExchangeCreated)).Once()
		f.notifier.On("NotifyBalanceUpdate", mock.Anything, balanceUpdate(accountA, "400")).Return(nil).Once()
		f.notifier.On("NotifyBalanceUpdate", mock.Anything, balanceUpdate(accountC, "92")).Return(nil).Once()
		f.notifier.On("NotifyTransactionCreated", mock.Anything, alice, mock.Anything).Return(nil).Once()

		tx, err := f.service.Exchange(ctx, ExchangeRequest{
			UserID:        alice,
			FromAccountID: accountA,
			ToAccountID:   accountC,
			FromAmount:    dec("100"),
			Rate:          dec("0.92"),
		})
		require.NoError(t, err)
		f.settle(t)

		require.NotNil(t, tx.ToAmount)
		require.NotNil(t, tx.ToCurrency)
		assert.Equal(t, "92.00", tx.ToAmount.StringFixed(2))
		assert.Equal(t, models.EUR, *tx.ToCurrency)
		assert.Equal(t, description, tx.Description)
	})

	t.Run("zero rate falls back to the fixed table", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock
		description := "Exchange: 50.00 EUR → 54.35 USD"

		m.ExpectBegin()
		expectLock(m, withBalance(aliceUSD, "0.00"))
		expectLock(m, withBalance(aliceEUR, "100.00"))
		m.ExpectExec(insertTxSQL).
			WithArgs(txID, accountC, accountA, dec("50"), "EUR", "EXCHANGE", "COMPLETED", description,
				nil, dec("1.087"), dec("54.35"), "USD", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectEntry(m, accountC, "-50", models.EntryDebit, description)
		expectEntry(m, accountA, "54.35", models.EntryCredit, description)
		expectRecalc(m, accountA, "54.35")
		expectRecalc(m, accountC, "50.00")
		m.ExpectCommit()
		expectGet(m, withBalance(aliceUSD, "54.35"))
		expectGet(m, withBalance(aliceEUR, "50.00"))

		f.audit.On("Log", mock.Anything, auditAction(AuditExchangeCreated)).Once()
		f.notifier.On("NotifyBalanceUpdate", mock.Anything, mock.Anything).Return(nil).Twice()
		f.notifier.On("NotifyTransactionCreated", mock.Anything, alice, mock.Anything).Return(nil).Once()

		tx, err := f.service.Exchange(ctx, ExchangeRequest{
			UserID:        alice,
			FromAccountID: accountC,
			ToAccountID:   accountA,
			FromAmount:    dec("50"),
		})
		require.NoError(t, err)
		f.settle(t)

		require.NotNil(t, tx.ExchangeRate)
		assert.True(t, tx.ExchangeRate.Equal(dec("1.087")))
	})

	t.Run("same currency is a transfer", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectLock(m, aliceUSD)
		expectLock(m, fixtureAccount{id: accountB, owner: alice, currency: models.USD, balance: "0.00"})
		m.ExpectRollback()

		_, err := f.service.Exchange(ctx, ExchangeRequest{
			UserID:        alice,
			FromAccountID: accountA,
			ToAccountID:   accountB,
			FromAmount:    dec("10"),
			Rate:          dec("1"),
		})
		assert.ErrorIs(t, err, ErrSameCurrency)
		f.settle(t)
	})

	t.Run("destination must belong to the caller", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectLock(m, aliceUSD)
		expectLock(m, fixtureAccount{id: accountC, owner: bob, currency: models.EUR, balance: "0.00"})
		m.ExpectRollback()

		_, err := f.service.Exchange(ctx, ExchangeRequest{
			UserID:        alice,
			FromAccountID: accountA,
			ToAccountID:   accountC,
			FromAmount:    dec("10"),
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
		f.settle(t)
	})

	t.Run("converted amount must fit the amount column", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectLock(m, withBalance(aliceUSD, "9000000000000000.00"))
		expectLock(m, aliceEUR)
		m.ExpectRollback()

		_, err := f.service.Exchange(ctx, ExchangeRequest{
			UserID:        alice,
			FromAccountID: accountA,
			ToAccountID:   accountC,
			FromAmount:    dec("9000000000000000"),
			Rate:          dec("2"),
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.Equal(t, KindValidation, ErrorKind(err))
		f.settle(t)
	})

	t.Run("negative rate", func(t *testing.T) {
		f := newEngineFixture(t)

		_, err := f.service.Exchange(ctx, ExchangeRequest{
			UserID:        alice,
			FromAccountID: accountA,
			ToAccountID:   accountC,
			FromAmount:    dec("10"),
			Rate:          dec("-0.5"),
		})
		assert.ErrorIs(t, err, ErrInvalidRate)
		f.settle(t)
	})
}

func TestConvertAmount(t *testing.T) {
	tests := []struct {
		amount, rate, want string
	}{
		{"100", "0.92", "92.00"},
		{"33.335", "1", "33.34"},
		{"10", "0.333", "3.33"},
		{"0.005", "1", "0.01"},
		{"50", "1.087", "54.35"},
	}

	for _, tt := range tests {
		t.Run(tt.amount+"x"+tt.rate, func(t *testing.T) {
			got := ConvertAmount(dec(tt.amount), dec(tt.rate))
			assert.Equal(t, tt.want, got.StringFixed(2))
		})
	}
}

func TestTransactionService_DepositWithdraw(t *testing.T) {
	ctx := context.Background()

	t.Run("deposit draws on the clearing account", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock
		account := withBalance(aliceUSD, "100.00")

		m.ExpectBegin()
		expectGet(m, account)
		expectLock(m, account)
		expectLock(m, usdClearing)
		m.ExpectExec(insertTxSQL).
			WithArgs(txID, nil, accountA, dec("50"), "USD", "DEPOSIT", "COMPLETED", "Deposit",
				nil, nil, nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectEntry(m, clearingUSD, "-50", models.EntryDebit, "Deposit")
		expectEntry(m, accountA, "50", models.EntryCredit, "Deposit")
		expectRecalc(m, accountA, "150.00")
		expectRecalc(m, clearingUSD, "-50.00")
		m.ExpectCommit()
		expectGet(m, withBalance(aliceUSD, "150.00"))
		expectGet(m, withBalance(usdClearing, "-50.00"))

		f.audit.On("Log", mock.Anything, auditAction(AuditDepositCreated)).Once()
		f.notifier.On("NotifyBalanceUpdate", mock.Anything, balanceUpdate(accountA, "150")).Return(nil).Once()
		f.notifier.On("NotifyTransactionCreated", mock.Anything, alice, mock.Anything).Return(nil).Once()

		tx, err := f.service.Deposit(ctx, MovementRequest{UserID: alice, AccountID: accountA, Amount: dec("50")})
		require.NoError(t, err)
		f.settle(t)

		assert.Nil(t, tx.FromAccountID)
		assert.Equal(t, accountA, tx.ToAccountID)
		assert.Equal(t, models.TransactionDeposit, tx.Type)
	})

	t.Run("withdrawal cannot overdraw", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock
		account := withBalance(aliceUSD, "10.00")

		m.ExpectBegin()
		expectGet(m, account)
		expectLock(m, account)
		expectLock(m, usdClearing)
		m.ExpectRollback()

		_, err := f.service.Withdraw(ctx, MovementRequest{UserID: alice, AccountID: accountA, Amount: dec("50")})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		f.settle(t)
	})

	t.Run("withdrawal credits the clearing account", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectGet(m, aliceUSD)
		expectLock(m, aliceUSD)
		expectLock(m, usdClearing)
		m.ExpectExec(insertTxSQL).
			WithArgs(txID, accountA, clearingUSD, dec("200"), "USD", "WITHDRAWAL", "COMPLETED", "ATM",
				nil, nil, nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectEntry(m, accountA, "-200", models.EntryDebit, "ATM")
		expectEntry(m, clearingUSD, "200", models.EntryCredit, "ATM")
		expectRecalc(m, accountA, "800.00")
		expectRecalc(m, clearingUSD, "200.00")
		m.ExpectCommit()
		expectGet(m, withBalance(aliceUSD, "800.00"))
		expectGet(m, withBalance(usdClearing, "200.00"))

		f.audit.On("Log", mock.Anything, auditAction(AuditWithdrawalCreated)).Once()
		f.notifier.On("NotifyBalanceUpdate", mock.Anything, balanceUpdate(accountA, "800")).Return(nil).Once()
		f.notifier.On("NotifyTransactionCreated", mock.Anything, alice, mock.Anything).Return(nil).Once()

		_, err := f.service.Withdraw(ctx, MovementRequest{
			UserID:      alice,
			AccountID:   accountA,
			Amount:      dec("200"),
			Description: "ATM",
		})
		require.NoError(t, err)
		f.settle(t)
	})

	t.Run("clearing accounts cannot be used directly", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectBegin()
		expectGet(m, usdClearing)
		expectLock(m, usdClearing)
		m.ExpectRollback()

		_, err := f.service.Deposit(ctx, MovementRequest{UserID: systemOwner, AccountID: clearingUSD, Amount: dec("1")})
		assert.ErrorIs(t, err, ErrAccountNotFound)
		f.settle(t)
	})
}

func TestTransactionService_History(t *testing.T) {
	ctx := context.Background()
	countSQL := `SELECT COUNT\(\*\) FROM transactions t`
	listSQL := `SELECT (.+) FROM transactions t LEFT JOIN accounts fa (.+) ORDER BY t.created_at DESC, t.id LIMIT \$(\d) OFFSET \$(\d)`

	t.Run("rejects unknown types", func(t *testing.T) {
		f := newEngineFixture(t)
		_, err := f.service.History(ctx, alice, HistoryQuery{Type: "REFUND"})
		assert.ErrorIs(t, err, ErrInvalidType)
		f.settle(t)
	})

	t.Run("clamps the page size", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectQuery(countSQL).WithArgs(alice).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(150))
		m.ExpectQuery(listSQL).WithArgs(alice, 100, 100).
			WillReturnRows(storedTransactionRow(txID, accountA, accountB, "250.00", models.TransactionTransfer, "k"))

		page, err := f.service.History(ctx, alice, HistoryQuery{Page: 2, Limit: 500})
		require.NoError(t, err)
		f.settle(t)

		assert.Equal(t, 2, page.Page)
		assert.Equal(t, MaxLimit, page.Limit)
		assert.Equal(t, 150, page.Total)
		require.Len(t, page.Data, 1)
		assert.Equal(t, txID, page.Data[0].ID)
	})

	t.Run("filters by type", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectQuery(countSQL).WithArgs(alice, "DEPOSIT").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		m.ExpectQuery(listSQL).WithArgs(alice, "DEPOSIT", DefaultLimit, 0).
			WillReturnRows(sqlmock.NewRows(transactionCols))

		page, err := f.service.History(ctx, alice, HistoryQuery{Type: models.TransactionDeposit})
		require.NoError(t, err)
		f.settle(t)

		assert.Empty(t, page.Data)
		assert.Equal(t, DefaultPage, page.Page)
	})
}

func TestTransactionService_GetTransaction(t *testing.T) {
	ctx := context.Background()
	findSQL := `SELECT (.+) FROM transactions t WHERE t.id = \$1`

	t.Run("visible to the counterparty", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectQuery(findSQL).WithArgs(txID).
			WillReturnRows(storedTransactionRow(txID, accountA, accountB, "250.00", models.TransactionTransfer, "k"))
		expectGet(m, bobUSD)
		m.ExpectQuery(`SELECT (.+) FROM ledger_entries WHERE transaction_id = \$1`).WithArgs(txID).
			WillReturnRows(sqlmock.NewRows(entryCols).
				AddRow("e1", txID, accountA, "-250.00", "DEBIT", "Rent", time.Now()).
				AddRow("e2", txID, accountB, "250.00", "CREDIT", "Rent", time.Now()))

		detail, err := f.service.GetTransaction(ctx, bob, txID)
		require.NoError(t, err)
		f.settle(t)

		assert.Equal(t, txID, detail.ID)
		require.Len(t, detail.Entries, 2)
		sum := decimal.Zero
		for _, entry := range detail.Entries {
			sum = sum.Add(entry.Amount)
		}
		assert.True(t, sum.IsZero())
	})

	t.Run("hidden from strangers", func(t *testing.T) {
		f := newEngineFixture(t)
		m := f.mock

		m.ExpectQuery(findSQL).WithArgs(txID).
			WillReturnRows(storedTransactionRow(txID, accountA, accountB, "250.00", models.TransactionTransfer, "k"))
		expectGet(m, bobUSD)
		expectGet(m, aliceUSD)

		_, err := f.service.GetTransaction(ctx, "user-carol", txID)
		assert.ErrorIs(t, err, ErrTransactionNotFound)
		f.settle(t)
	})

	t.Run("malformed id", func(t *testing.T) {
		f := newEngineFixture(t)
		_, err := f.service.GetTransaction(ctx, alice, "42")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
		f.settle(t)
	})
}

func TestTransactionService_ExchangeRates(t *testing.T) {
	f := newEngineFixture(t)
	rates := f.service.ExchangeRates()

	usdToEur, ok := rates.Rate(models.USD, models.EUR)
	require.True(t, ok)
	assert.True(t, usdToEur.Equal(dec("0.92")))

	eurToUsd, ok := rates.Rate(models.EUR, models.USD)
	require.True(t, ok)
	assert.True(t, eurToUsd.Equal(dec("1.087")))
}

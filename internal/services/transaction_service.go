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
	"go.uber.org/zap"
)

// MaxAmount is the exclusive upper bound of a NUMERIC(18,2) amount.
var MaxAmount = decimal.New(1, 16)

// TransferRequest moves Amount from FromAccountID, which UserID must own,
// to ToAccountID in the same currency.
type TransferRequest struct {
	UserID         string
	FromAccountID  string
	ToAccountID    string
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
	IPAddress      string
}

// ExchangeRequest converts FromAmount between two accounts of the same user.
// A zero Rate selects the configured fixed rate for the currency pair.
type ExchangeRequest struct {
	UserID         string
	FromAccountID  string
	ToAccountID    string
	FromAmount     decimal.Decimal
	Rate           decimal.Decimal
	Description    string
	IdempotencyKey string
	IPAddress      string
}

// MovementRequest moves money between a customer account and the outside
// world through the currency's clearing account.
type MovementRequest struct {
	UserID         string
	AccountID      string
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
	IPAddress      string
}

// TransactionServiceConfig wires the engine's collaborators.
type TransactionServiceConfig struct {
	UnitOfWork   *UnitOfWork
	Accounts     *AccountRepository
	Transactions *TransactionRepository
	Ledger       *LedgerService
	Balances     *BalanceCalculator
	Audit        AuditLogger
	Notifier     Notifier
	Dispatcher   *Dispatcher
	Rates        models.RateTable
	// Clearing maps each currency to its system clearing account.
	Clearing map[models.Currency]string
	Logger   *zap.Logger
}

// TransactionService is the transaction engine. Every operation runs in one
// unit of work: lock the participating accounts in id order, validate, write
// the transaction row and its ledger entries, then recompute the cached
// balances from the ledger. Audit and notifications follow the commit.
type TransactionService struct {
	uow          *UnitOfWork
	accounts     *AccountRepository
	transactions *TransactionRepository
	ledger       *LedgerService
	balances     *BalanceCalculator
	audit        AuditLogger
	notifier     Notifier
	dispatcher   *Dispatcher
	rates        models.RateTable
	clearing     map[models.Currency]string
	logger       *zap.Logger
	now          func() time.Time
	newID        func() string
}

func NewTransactionService(cfg TransactionServiceConfig) *TransactionService {
	return &TransactionService{
		uow:          cfg.UnitOfWork,
		accounts:     cfg.Accounts,
		transactions: cfg.Transactions,
		ledger:       cfg.Ledger,
		balances:     cfg.Balances,
		audit:        cfg.Audit,
		notifier:     cfg.Notifier,
		dispatcher:   cfg.Dispatcher,
		rates:        cfg.Rates,
		clearing:     cfg.Clearing,
		logger:       cfg.Logger,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// operation is one engine run. lockSet names the accounts to lock and may
// read inside tx to find them; prepare validates the locked accounts and
// builds the transaction with its entries.
type operation struct {
	kind           models.TransactionType
	userID         string
	idempotencyKey string
	ipAddress      string
	crossCurrency  bool
	lockSet        func(ctx context.Context, tx *sql.Tx) ([]string, error)
	prepare        func(locked map[string]*models.Account) (*models.Transaction, []models.LedgerEntry, error)
}

func accountsToLock(ids ...string) func(context.Context, *sql.Tx) ([]string, error) {
	return func(context.Context, *sql.Tx) ([]string, error) {
		return ids, nil
	}
}

// Transfer moves amount between two accounts in the same currency. The
// caller must own the source account.
func (s *TransactionService) Transfer(ctx context.Context, req TransferRequest) (*models.Transaction, error) {
	amount, err := normalizeAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if req.FromAccountID, req.ToAccountID, err = canonicalPair(req.FromAccountID, req.ToAccountID); err != nil {
		return nil, err
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, ErrSameAccount
	}

	return s.execute(ctx, operation{
		kind:           models.TransactionTransfer,
		userID:         req.UserID,
		idempotencyKey: req.IdempotencyKey,
		ipAddress:      req.IPAddress,
		lockSet:        accountsToLock(req.FromAccountID, req.ToAccountID),
		prepare: func(locked map[string]*models.Account) (*models.Transaction, []models.LedgerEntry, error) {
			from, to := locked[req.FromAccountID], locked[req.ToAccountID]
			if err := customerAccounts(from, to); err != nil {
				return nil, nil, err
			}
			if from.OwnerID != req.UserID {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnauthorized, from.ID)
			}
			if from.Currency != to.Currency {
				return nil, nil, fmt.Errorf("%w: %s to %s", ErrCurrencyMismatch, from.Currency, to.Currency)
			}
			if err := checkFunds(from, amount); err != nil {
				return nil, nil, err
			}

			description := describe(req.Description, "Transfer to account %s", to.ID)
			t := s.newTransaction(models.TransactionTransfer, &from.ID, to.ID, amount, from.Currency,
				description, req.IdempotencyKey)
			entries := []models.LedgerEntry{
				s.entry(t.ID, from.ID, amount.Neg(), models.EntryDebit, description),
				s.entry(t.ID, to.ID, amount, models.EntryCredit, describe(req.Description, "Transfer from account %s", from.ID)),
			}
			return t, entries, nil
		},
	})
}

// Exchange converts between two accounts of the caller in different
// currencies. The credited amount is FromAmount * rate rounded half-up to
// cents.
func (s *TransactionService) Exchange(ctx context.Context, req ExchangeRequest) (*models.Transaction, error) {
	fromAmount, err := normalizeAmount(req.FromAmount)
	if err != nil {
		return nil, err
	}
	if req.FromAccountID, req.ToAccountID, err = canonicalPair(req.FromAccountID, req.ToAccountID); err != nil {
		return nil, err
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, ErrSameAccount
	}
	if req.Rate.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRate, req.Rate)
	}

	return s.execute(ctx, operation{
		kind:           models.TransactionExchange,
		userID:         req.UserID,
		idempotencyKey: req.IdempotencyKey,
		ipAddress:      req.IPAddress,
		crossCurrency:  true,
		lockSet:        accountsToLock(req.FromAccountID, req.ToAccountID),
		prepare: func(locked map[string]*models.Account) (*models.Transaction, []models.LedgerEntry, error) {
			from, to := locked[req.FromAccountID], locked[req.ToAccountID]
			if err := customerAccounts(from, to); err != nil {
				return nil, nil, err
			}
			if from.OwnerID != req.UserID {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnauthorized, from.ID)
			}
			if to.OwnerID != req.UserID {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnauthorized, to.ID)
			}
			if from.Currency == to.Currency {
				return nil, nil, fmt.Errorf("%w: both accounts are %s", ErrSameCurrency, from.Currency)
			}

			rate := req.Rate
			if rate.IsZero() {
				var ok bool
				if rate, ok = s.rates.Rate(from.Currency, to.Currency); !ok {
					return nil, nil, fmt.Errorf("%w: no rate for %s to %s", ErrUnsupportedCurrency, from.Currency, to.Currency)
				}
			}
			toAmount := ConvertAmount(req.FromAmount, rate)
			if !toAmount.IsPositive() {
				return nil, nil, fmt.Errorf("%w: converted amount rounds to %s", ErrInvalidAmount, toAmount)
			}
			if toAmount.GreaterThanOrEqual(MaxAmount) {
				return nil, nil, fmt.Errorf("%w: converted amount %s is out of range", ErrInvalidAmount, toAmount)
			}
			if err := checkFunds(from, fromAmount); err != nil {
				return nil, nil, err
			}

			description := describe(req.Description, "Exchange: %s %s → %s %s",
				fromAmount.StringFixed(2), from.Currency, toAmount.StringFixed(2), to.Currency)
			t := s.newTransaction(models.TransactionExchange, &from.ID, to.ID, fromAmount, from.Currency,
				description, req.IdempotencyKey)
			toCurrency := to.Currency
			t.ExchangeRate = &rate
			t.ToAmount = &toAmount
			t.ToCurrency = &toCurrency

			entries := []models.LedgerEntry{
				s.entry(t.ID, from.ID, fromAmount.Neg(), models.EntryDebit, description),
				s.entry(t.ID, to.ID, toAmount, models.EntryCredit, description),
			}
			return t, entries, nil
		},
	})
}

// ConvertAmount applies rate and rounds half-up to two places.
func ConvertAmount(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(2)
}

// Deposit credits a customer account from the currency's clearing account.
func (s *TransactionService) Deposit(ctx context.Context, req MovementRequest) (*models.Transaction, error) {
	amount, err := normalizeAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if req.AccountID, err = canonicalAccountID(req.AccountID); err != nil {
		return nil, err
	}

	var clearingID string
	return s.execute(ctx, operation{
		kind:           models.TransactionDeposit,
		userID:         req.UserID,
		idempotencyKey: req.IdempotencyKey,
		ipAddress:      req.IPAddress,
		lockSet: func(ctx context.Context, tx *sql.Tx) ([]string, error) {
			var err error
			clearingID, err = s.clearingAccountFor(ctx, tx, req.AccountID)
			return []string{req.AccountID, clearingID}, err
		},
		prepare: func(locked map[string]*models.Account) (*models.Transaction, []models.LedgerEntry, error) {
			account, clearing := locked[req.AccountID], locked[clearingID]
			if err := customerAccounts(account); err != nil {
				return nil, nil, err
			}
			if account.OwnerID != req.UserID {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnauthorized, account.ID)
			}

			description := describe(req.Description, "Deposit")
			t := s.newTransaction(models.TransactionDeposit, nil, account.ID, amount, account.Currency,
				description, req.IdempotencyKey)
			entries := []models.LedgerEntry{
				s.entry(t.ID, clearing.ID, amount.Neg(), models.EntryDebit, description),
				s.entry(t.ID, account.ID, amount, models.EntryCredit, description),
			}
			return t, entries, nil
		},
	})
}

// Withdraw debits a customer account into the currency's clearing account.
func (s *TransactionService) Withdraw(ctx context.Context, req MovementRequest) (*models.Transaction, error) {
	amount, err := normalizeAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if req.AccountID, err = canonicalAccountID(req.AccountID); err != nil {
		return nil, err
	}

	var clearingID string
	return s.execute(ctx, operation{
		kind:           models.TransactionWithdrawal,
		userID:         req.UserID,
		idempotencyKey: req.IdempotencyKey,
		ipAddress:      req.IPAddress,
		lockSet: func(ctx context.Context, tx *sql.Tx) ([]string, error) {
			var err error
			clearingID, err = s.clearingAccountFor(ctx, tx, req.AccountID)
			return []string{req.AccountID, clearingID}, err
		},
		prepare: func(locked map[string]*models.Account) (*models.Transaction, []models.LedgerEntry, error) {
			account, clearing := locked[req.AccountID], locked[clearingID]
			if err := customerAccounts(account); err != nil {
				return nil, nil, err
			}
			if account.OwnerID != req.UserID {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnauthorized, account.ID)
			}
			if err := checkFunds(account, amount); err != nil {
				return nil, nil, err
			}

			description := describe(req.Description, "Withdrawal")
			t := s.newTransaction(models.TransactionWithdrawal, &account.ID, clearing.ID, amount, account.Currency,
				description, req.IdempotencyKey)
			entries := []models.LedgerEntry{
				s.entry(t.ID, account.ID, amount.Neg(), models.EntryDebit, description),
				s.entry(t.ID, clearing.ID, amount, models.EntryCredit, description),
			}
			return t, entries, nil
		},
	})
}

// clearingAccountFor reads the customer account unlocked to learn its
// currency. Currency never changes, so the read needs no lock.
func (s *TransactionService) clearingAccountFor(ctx context.Context, tx *sql.Tx, accountID string) (string, error) {
	account, err := s.accounts.GetTx(ctx, tx, accountID)
	if err != nil {
		return "", err
	}
	clearingID, ok := s.clearing[account.Currency]
	if !ok {
		return "", fmt.Errorf("no clearing account configured for %s", account.Currency)
	}
	return clearingID, nil
}

func (s *TransactionService) execute(ctx context.Context, op operation) (*models.Transaction, error) {
	var (
		result   *models.Transaction
		replayed bool
		touched  []string
	)

	err := s.uow.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if op.idempotencyKey != "" {
			existing, err := s.transactions.FindByIdempotencyKeyTx(ctx, tx, op.idempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result, replayed = existing, true
				return nil
			}
		}

		ids, err := op.lockSet(ctx, tx)
		if err != nil {
			return err
		}
		locked, err := s.accounts.LockAccountsTx(ctx, tx, ids...)
		if err != nil {
			return err
		}

		t, entries, err := op.prepare(locked)
		if err != nil {
			return err
		}

		if err := s.transactions.InsertTx(ctx, tx, t); err != nil {
			return err
		}
		if op.crossCurrency {
			_, err = s.ledger.WriteCrossCurrency(ctx, tx, entries)
		} else {
			_, err = s.ledger.WriteBalanced(ctx, tx, entries)
		}
		if err != nil {
			return err
		}

		touched, err = s.refreshBalances(ctx, tx, locked, entries)
		if err != nil {
			return err
		}

		result = t
		return nil
	})
	if err != nil {
		if op.idempotencyKey != "" && isIdempotencyViolation(err) {
			return s.recoverIdempotent(ctx, op)
		}
		s.logFailure(op, err)
		return nil, err
	}

	if replayed {
		s.logger.Info("idempotent replay",
			zap.String("type", string(op.kind)),
			zap.String("transaction_id", result.ID),
			zap.String("idempotency_key", op.idempotencyKey))
		return result, nil
	}

	s.logger.Info("transaction committed",
		zap.String("type", string(result.Type)),
		zap.String("transaction_id", result.ID),
		zap.String("user_id", op.userID),
		zap.Stringer("amount", result.Amount),
		zap.String("currency", string(result.Currency)))
	s.afterCommit(op, result, touched)
	return result, nil
}

// refreshBalances recomputes each touched account from the ledger and
// stores it as the cached balance. A customer account may never end below
// zero.
func (s *TransactionService) refreshBalances(ctx context.Context, tx *sql.Tx, locked map[string]*models.Account, entries []models.LedgerEntry) ([]string, error) {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.AccountID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	for _, id := range ids {
		balance, err := s.balances.BalanceOfTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		account, ok := locked[id]
		if !ok {
			return nil, fmt.Errorf("ledger entry for account %s that was not locked", id)
		}
		if !account.IsSystem && balance.IsNegative() {
			return nil, fmt.Errorf("%w: account %s would end at %s", ErrInsufficientBalance, id, balance)
		}
		if err := s.accounts.UpdateBalanceTx(ctx, tx, id, balance); err != nil {
			return nil, err
		}
		account.Balance = balance
	}
	return ids, nil
}

// recoverIdempotent handles a concurrent request that inserted the same
// idempotency key first.
func (s *TransactionService) recoverIdempotent(ctx context.Context, op operation) (*models.Transaction, error) {
	existing, err := s.transactions.FindByIdempotencyKey(ctx, op.idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdempotencyConflict, err)
	}
	if existing == nil {
		s.logger.Warn("idempotency key conflict without a stored transaction",
			zap.String("idempotency_key", op.idempotencyKey))
		return nil, ErrIdempotencyConflict
	}

	s.logger.Info("idempotency race resolved to existing transaction",
		zap.String("transaction_id", existing.ID),
		zap.String("idempotency_key", op.idempotencyKey))
	return existing, nil
}

func (s *TransactionService) logFailure(op operation, err error) {
	fields := []zap.Field{
		zap.String("type", string(op.kind)),
		zap.String("user_id", op.userID),
		zap.Error(err),
	}
	switch ErrorKind(err) {
	case KindValidation, KindState:
		s.logger.Info("transaction rejected", fields...)
	case KindConflict:
		s.logger.Warn("transaction conflict", fields...)
	default:
		s.logger.Error("transaction failed", fields...)
	}
}

var auditActions = map[models.TransactionType]string{
	models.TransactionTransfer:   AuditTransferCreated,
	models.TransactionExchange:   AuditExchangeCreated,
	models.TransactionDeposit:    AuditDepositCreated,
	models.TransactionWithdrawal: AuditWithdrawalCreated,
}

// afterCommit hands audit and notifications to the dispatcher. Failures are
// logged and never reach the caller.
func (s *TransactionService) afterCommit(op operation, t *models.Transaction, accountIDs []string) {
	s.dispatcher.Submit("post-commit "+t.ID, func(ctx context.Context) {
		s.audit.Log(ctx, models.AuditEntry{
			UserID:       op.userID,
			Action:       auditActions[t.Type],
			ResourceType: "transaction",
			ResourceID:   t.ID,
			Details:      auditDetails(t),
			IPAddress:    op.ipAddress,
		})

		owners := []string{op.userID}
		for _, id := range accountIDs {
			account, err := s.accounts.Get(ctx, id)
			if err != nil {
				s.logger.Warn("fetch balance for notification failed",
					zap.String("account_id", id), zap.Error(err))
				continue
			}
			if account.IsSystem {
				continue
			}

			err = s.notifier.NotifyBalanceUpdate(ctx, models.BalanceUpdate{
				AccountID:  account.ID,
				UserID:     account.OwnerID,
				NewBalance: account.Balance,
				Currency:   account.Currency,
				Timestamp:  s.now(),
			})
			if err != nil {
				s.logger.Warn("balance notification failed",
					zap.String("account_id", account.ID), zap.Error(err))
			}
			if !slices.Contains(owners, account.OwnerID) {
				owners = append(owners, account.OwnerID)
			}
		}

		for _, owner := range owners {
			if err := s.notifier.NotifyTransactionCreated(ctx, owner, t); err != nil {
				s.logger.Warn("transaction notification failed",
					zap.String("user_id", owner), zap.String("transaction_id", t.ID), zap.Error(err))
			}
		}
	})
}

func auditDetails(t *models.Transaction) map[string]any {
	details := map[string]any{
		"to_account_id": t.ToAccountID,
		"amount":        t.Amount.StringFixed(2),
		"currency":      t.Currency,
	}
	if t.FromAccountID != nil {
		details["from_account_id"] = *t.FromAccountID
	}
	if t.ExchangeRate != nil {
		details["exchange_rate"] = t.ExchangeRate.String()
	}
	if t.ToAmount != nil {
		details["to_amount"] = t.ToAmount.StringFixed(2)
	}
	if t.IdempotencyKey != nil {
		details["idempotency_key"] = *t.IdempotencyKey
	}
	return details
}

// History returns one page of the user's transactions, newest first.
func (s *TransactionService) History(ctx context.Context, userID string, query HistoryQuery) (*models.TransactionPage, error) {
	if query.Type != "" && !query.Type.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, query.Type)
	}
	return s.transactions.History(ctx, userID, query)
}

// GetTransaction returns a transaction and its entries when the user owns
// either side of it.
func (s *TransactionService) GetTransaction(ctx context.Context, userID, transactionID string) (*models.TransactionDetail, error) {
	if _, err := uuid.Parse(transactionID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}

	t, err := s.transactions.FindByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	visible, err := s.ownsEither(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}

	entries, err := s.ledger.EntriesByTransaction(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return &models.TransactionDetail{Transaction: *t, Entries: entries}, nil
}

func (s *TransactionService) ownsEither(ctx context.Context, userID string, t *models.Transaction) (bool, error) {
	ids := []string{t.ToAccountID}
	if t.FromAccountID != nil {
		ids = append(ids, *t.FromAccountID)
	}
	for _, id := range ids {
		account, err := s.accounts.Get(ctx, id)
		if errors.Is(err, ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if account.OwnerID == userID {
			return true, nil
		}
	}
	return false, nil
}

// ExchangeRates returns the fixed rate table.
func (s *TransactionService) ExchangeRates() models.RateTable {
	return s.rates
}

func (s *TransactionService) newTransaction(kind models.TransactionType, fromID *string, toID string, amount decimal.Decimal, currency models.Currency, description, idempotencyKey string) *models.Transaction {
	now := s.now()
	t := &models.Transaction{
		ID:            s.newID(),
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		Currency:      currency,
		Type:          kind,
		Status:        models.StatusCompleted,
		Description:   description,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if idempotencyKey != "" {
		t.IdempotencyKey = &idempotencyKey
	}
	return t
}

func (s *TransactionService) entry(transactionID, accountID string, amount decimal.Decimal, kind models.EntryType, description string) models.LedgerEntry {
	return models.LedgerEntry{
		TransactionID: transactionID,
		AccountID:     accountID,
		Amount:        amount,
		Type:          kind,
		Description:   description,
	}
}

// normalizeAmount rounds to cents and rejects amounts that are not positive
// after rounding or do not fit the amount column.
// canonicalAccountID rewrites any accepted UUID spelling (braces, urn
// prefix, upper case) to the lower-case hyphenated form stored in Postgres.
func canonicalAccountID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return parsed.String(), nil
}

func canonicalPair(fromID, toID string) (string, string, error) {
	from, err := canonicalAccountID(fromID)
	if err != nil {
		return "", "", err
	}
	to, err := canonicalAccountID(toID)
	if err != nil {
		return "", "", err
	}
	return from, to, nil
}

func normalizeAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := amount.Round(2)
	if !amount.IsPositive() || !rounded.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}
	if rounded.GreaterThanOrEqual(MaxAmount) {
		return decimal.Zero, fmt.Errorf("%w: %s exceeds the maximum", ErrInvalidAmount, amount)
	}
	return rounded, nil
}

func checkFunds(account *models.Account, amount decimal.Decimal) error {
	if account.Balance.LessThan(amount) {
		return fmt.Errorf("%w: account %s holds %s, needs %s",
			ErrInsufficientBalance, account.ID, account.Balance.StringFixed(2), amount.StringFixed(2))
	}
	return nil
}

// customerAccounts rejects clearing accounts as direct participants.
func customerAccounts(accounts ...*models.Account) error {
	for _, account := range accounts {
		if account.IsSystem {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, account.ID)
		}
	}
	return nil
}

func describe(description, format string, args ...any) string {
	if description != "" {
		return description
	}
	return fmt.Sprintf(format, args...)
}

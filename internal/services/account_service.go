package services

import (
	"context"
	"fmt"

	"github.com/ruralpay/ledger/internal/models"
	"go.uber.org/zap"
)

// AccountService exposes a user's own accounts and their ledger history.
type AccountService struct {
	accounts *AccountRepository
	ledger   *LedgerService
	logger   *zap.Logger
}

func NewAccountService(accounts *AccountRepository, ledger *LedgerService, logger *zap.Logger) *AccountService {
	return &AccountService{accounts: accounts, ledger: ledger, logger: logger}
}

func (s *AccountService) List(ctx context.Context, userID string) ([]models.Account, error) {
	return s.accounts.ListByOwner(ctx, userID)
}

// Open creates a zero-balance account. Funds arrive through deposits.
func (s *AccountService) Open(ctx context.Context, userID string, currency models.Currency) (*models.Account, error) {
	account, err := s.accounts.Create(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	s.logger.Info("account opened",
		zap.String("account_id", account.ID),
		zap.String("user_id", userID),
		zap.String("currency", string(currency)))
	return account, nil
}

// Entries pages through the ledger entries of an account the user owns.
func (s *AccountService) Entries(ctx context.Context, userID, accountID string, page, limit int) (*models.EntryPage, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != userID {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, accountID)
	}
	return s.ledger.EntriesByAccount(ctx, accountID, page, limit)
}

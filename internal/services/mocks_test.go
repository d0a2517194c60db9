package services

import (
	"context"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockAuditLogger struct {
	mock.Mock
}

func (m *MockAuditLogger) Log(ctx context.Context, entry models.AuditEntry) {
	m.Called(ctx, entry)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyBalanceUpdate(ctx context.Context, update models.BalanceUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}

func (m *MockNotifier) NotifyTransactionCreated(ctx context.Context, userID string, t *models.Transaction) error {
	args := m.Called(ctx, userID, t)
	return args.Error(0)
}

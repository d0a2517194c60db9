package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/ledger/internal/models"
	"go.uber.org/zap"
)

// Audit actions recorded after a committed operation.
const (
	AuditTransferCreated   = "TRANSFER_CREATED"
	AuditExchangeCreated   = "EXCHANGE_CREATED"
	AuditDepositCreated    = "DEPOSIT_CREATED"
	AuditWithdrawalCreated = "WITHDRAWAL_CREATED"
)

// AuditLogger records an audit event. Implementations never fail the caller.
type AuditLogger interface {
	Log(ctx context.Context, entry models.AuditEntry)
}

// AuditService appends to the audit_log table.
type AuditService struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewAuditService(db *sql.DB, logger *zap.Logger) *AuditService {
	return &AuditService{db: db, logger: logger, now: time.Now}
}

func (a *AuditService) Log(ctx context.Context, entry models.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.now()
	}

	details, err := json.Marshal(entry.Details)
	if err != nil {
		a.logger.Warn("audit details not serializable",
			zap.String("action", entry.Action), zap.Error(err))
		details = []byte("{}")
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, user_id, action, resource_type, resource_id, details, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID,
		string(details), entry.IPAddress, entry.CreatedAt)
	if err != nil {
		a.logger.Warn("failed to write audit log",
			zap.String("action", entry.Action),
			zap.String("resource_id", entry.ResourceID),
			zap.Error(err))
		return
	}

	a.logger.Debug("audit",
		zap.String("action", entry.Action),
		zap.String("user_id", entry.UserID),
		zap.String("resource_id", entry.ResourceID))
}

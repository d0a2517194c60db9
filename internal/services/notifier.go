package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/ledger/internal/models"
	"go.uber.org/zap"
)

// Event names carried in published notifications.
const (
	EventBalanceUpdated     = "balance:updated"
	EventTransactionCreated = "transaction:new"
)

// Notifier pushes post-commit events to the real-time delivery layer.
type Notifier interface {
	NotifyBalanceUpdate(ctx context.Context, update models.BalanceUpdate) error
	NotifyTransactionCreated(ctx context.Context, userID string, t *models.Transaction) error
}

// Notification is the payload published on a channel.
type Notification struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func UserChannel(userID string) string {
	return "ledger:user:" + userID
}

func AccountChannel(accountID string) string {
	return "ledger:account:" + accountID
}

// RedisNotifier publishes JSON notifications over Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
	now    func() time.Time
}

// NewNotifier returns a RedisNotifier, or a log-only notifier when client is nil.
func NewNotifier(client *redis.Client, logger *zap.Logger) Notifier {
	if client == nil {
		return &LogNotifier{logger: logger}
	}
	return &RedisNotifier{client: client, now: time.Now}
}

func (n *RedisNotifier) NotifyBalanceUpdate(ctx context.Context, update models.BalanceUpdate) error {
	msg, err := n.encode(EventBalanceUpdated, update)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, UserChannel(update.UserID), msg).Err(); err != nil {
		return fmt.Errorf("publish balance update: %w", err)
	}
	if err := n.client.Publish(ctx, AccountChannel(update.AccountID), msg).Err(); err != nil {
		return fmt.Errorf("publish balance update: %w", err)
	}
	return nil
}

func (n *RedisNotifier) NotifyTransactionCreated(ctx context.Context, userID string, t *models.Transaction) error {
	msg, err := n.encode(EventTransactionCreated, t)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, UserChannel(userID), msg).Err(); err != nil {
		return fmt.Errorf("publish transaction: %w", err)
	}
	return nil
}

func (n *RedisNotifier) encode(event string, data any) (string, error) {
	payload, err := json.Marshal(Notification{Event: event, Data: data, Timestamp: n.now()})
	if err != nil {
		return "", fmt.Errorf("encode %s notification: %w", event, err)
	}
	return string(payload), nil
}

// LogNotifier only logs notifications. It is used when Redis is unavailable.
type LogNotifier struct {
	logger *zap.Logger
}

func (n *LogNotifier) NotifyBalanceUpdate(_ context.Context, update models.BalanceUpdate) error {
	n.logger.Info("balance updated",
		zap.String("account_id", update.AccountID),
		zap.String("user_id", update.UserID),
		zap.Stringer("balance", update.NewBalance))
	return nil
}

func (n *LogNotifier) NotifyTransactionCreated(_ context.Context, userID string, t *models.Transaction) error {
	n.logger.Info("transaction created",
		zap.String("user_id", userID),
		zap.String("transaction_id", t.ID),
		zap.String("type", string(t.Type)))
	return nil
}

package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IntegrityService checks the ledger invariants. It only reads.
type IntegrityService struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewIntegrityService(db *sql.DB, logger *zap.Logger) *IntegrityService {
	return &IntegrityService{db: db, logger: logger, now: time.Now}
}

// Verify runs the per-transaction and per-account checks and collects every
// violation instead of stopping at the first.
func (s *IntegrityService) Verify(ctx context.Context) (*models.IntegrityReport, error) {
	var (
		txErrors, accountErrors []string
		txSummary, accSummary   models.IntegritySummary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		txErrors, txSummary, err = s.checkTransactions(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		accountErrors, accSummary, err = s.checkAccounts(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := txSummary
	summary.TotalAccounts = accSummary.TotalAccounts
	summary.ConsistentAccounts = accSummary.ConsistentAccounts
	summary.InconsistentAccounts = accSummary.InconsistentAccounts

	errs := append(txErrors, accountErrors...)
	return &models.IntegrityReport{
		Valid:     len(errs) == 0,
		Errors:    errs,
		Summary:   summary,
		CheckedAt: s.now(),
	}, nil
}

func (s *IntegrityService) checkTransactions(ctx context.Context) ([]string, models.IntegritySummary, error) {
	var summary models.IntegritySummary
	errs := []string{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id,
			COUNT(le.id),
			COUNT(DISTINCT a.currency),
			COALESCE(SUM(le.amount), 0),
			COUNT(le.id) FILTER (WHERE le.type = 'DEBIT'),
			COUNT(le.id) FILTER (WHERE le.type = 'CREDIT')
		FROM transactions t
		LEFT JOIN ledger_entries le ON le.transaction_id = t.id
		LEFT JOIN accounts a ON a.id = le.account_id
		GROUP BY t.id
		ORDER BY t.id`)
	if err != nil {
		return nil, summary, fmt.Errorf("check transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id                                   string
			entries, currencies, debits, credits int
			sum                                  decimal.Decimal
		)
		if err := rows.Scan(&id, &entries, &currencies, &sum, &debits, &credits); err != nil {
			return nil, summary, err
		}
		summary.TotalTransactions++

		if entries != 2 {
			summary.MalformedTransactions++
			errs = append(errs, fmt.Sprintf("transaction %s has %d ledger entries, expected 2", id, entries))
			continue
		}

		if currencies > 1 {
			summary.CrossCurrencyTransactions++
			if debits != 1 || credits != 1 {
				summary.MalformedTransactions++
				errs = append(errs, fmt.Sprintf("exchange %s has %d debits and %d credits, expected one of each", id, debits, credits))
			}
			continue
		}

		if sum.Abs().GreaterThan(models.LedgerBalanceTolerance) {
			summary.UnbalancedTransactions++
			errs = append(errs, fmt.Sprintf("transaction %s is unbalanced: entries sum to %s", id, sum))
			continue
		}
		summary.BalancedTransactions++
	}
	return errs, summary, rows.Err()
}

func (s *IntegrityService) checkAccounts(ctx context.Context) ([]string, models.IntegritySummary, error) {
	var summary models.IntegritySummary
	errs := []string{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.balance, a.is_system, COALESCE(SUM(le.amount), 0)
		FROM accounts a
		LEFT JOIN ledger_entries le ON le.account_id = a.id
		GROUP BY a.id, a.balance, a.is_system
		ORDER BY a.id`)
	if err != nil {
		return nil, summary, fmt.Errorf("check accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id              string
			cached, derived decimal.Decimal
			system          bool
		)
		if err := rows.Scan(&id, &cached, &system, &derived); err != nil {
			return nil, summary, err
		}
		summary.TotalAccounts++

		consistent := true
		if diff := cached.Sub(derived).Abs(); diff.GreaterThan(models.AccountBalanceTolerance) {
			consistent = false
			errs = append(errs, fmt.Sprintf("account %s cached balance %s differs from ledger balance %s",
				id, cached.StringFixed(2), derived.StringFixed(2)))
		}
		if !system && cached.IsNegative() {
			consistent = false
			errs = append(errs, fmt.Sprintf("account %s has negative balance %s", id, cached.StringFixed(2)))
		}

		if consistent {
			summary.ConsistentAccounts++
		} else {
			summary.InconsistentAccounts++
		}
	}
	return errs, summary, rows.Err()
}

// Run verifies on every tick until ctx is done.
func (s *IntegrityService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.verifyAndLog(ctx)
		}
	}
}

func (s *IntegrityService) verifyAndLog(ctx context.Context) {
	report, err := s.Verify(ctx)
	if err != nil {
		s.logger.Error("integrity check could not run", zap.Error(err))
		return
	}

	if report.Valid {
		s.logger.Info("ledger integrity verified",
			zap.Int("transactions", report.Summary.TotalTransactions),
			zap.Int("accounts", report.Summary.TotalAccounts))
		return
	}
	s.logger.Error("ledger integrity violated",
		zap.Int("violations", len(report.Errors)),
		zap.Strings("errors", report.Errors))
}

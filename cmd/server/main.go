package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/handlers"
	"github.com/ruralpay/ledger/internal/logger"
	mW "github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
	"go.uber.org/zap"
)

// @title Ledger API
// @version 1.0
// @description Double-entry ledger with transfers, exchanges, deposits and withdrawals
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog := logger.Must(cfg.Log.Level, cfg.Log.Development)
	defer zlog.Sync()
	if !cfg.FromFile {
		zlog.Info("no .env file found, using environment and defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := database.InitDatabase(ctx, zlog)
	defer db.Close()

	redisClient := database.InitRedis(ctx, zlog)
	if redisClient != nil {
		defer redisClient.Close()
	}

	accounts := services.NewAccountRepository(db)
	clearing, err := accounts.EnsureClearingAccounts(ctx, cfg.Ledger.SystemOwnerID)
	if err != nil {
		zlog.Fatal("Failed to provision clearing accounts", zap.Error(err))
	}

	usdToEur, err := cfg.UsdToEur()
	if err != nil {
		zlog.Fatal("Invalid exchange rate", zap.Error(err))
	}

	dispatcher := services.NewDispatcher(cfg.Notifications.Workers, cfg.Notifications.QueueSize,
		cfg.Notifications.TaskTimeout, zlog)
	ledger := services.NewLedgerService(db)

	transactionService := services.NewTransactionService(services.TransactionServiceConfig{
		UnitOfWork:   services.NewUnitOfWork(db, cfg.Ledger.AcquireTimeout, cfg.Ledger.LockTimeout, zlog),
		Accounts:     accounts,
		Transactions: services.NewTransactionRepository(db),
		Ledger:       ledger,
		Balances:     services.NewBalanceCalculator(db),
		Audit:        services.NewAuditService(db, zlog),
		Notifier:     services.NewNotifier(redisClient, zlog),
		Dispatcher:   dispatcher,
		Rates:        models.NewRateTable(usdToEur),
		Clearing:     clearing,
		Logger:       zlog,
	})
	accountService := services.NewAccountService(accounts, ledger, zlog)
	integrityService := services.NewIntegrityService(db, zlog)

	if cfg.Integrity.Interval > 0 {
		go integrityService.Run(ctx, cfg.Integrity.Interval)
	}

	transactionHandler := handlers.NewTransactionHandler(transactionService, zlog)
	accountHandler := handlers.NewAccountHandler(accountService, zlog)
	adminHandler := handlers.NewAdminHandler(integrityService, zlog)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if err := db.PingContext(r.Context()); err != nil {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.AuthMiddleware([]byte(cfg.JWT.SecretKey)))

		r.Get("/accounts", accountHandler.ListAccounts)
		r.Post("/accounts", accountHandler.OpenAccount)
		r.Get("/accounts/{accountId}/entries", accountHandler.ListEntries)

		r.Post("/transactions/transfer", transactionHandler.Transfer)
		r.Post("/transactions/exchange", transactionHandler.Exchange)
		r.Post("/transactions/deposit", transactionHandler.Deposit)
		r.Post("/transactions/withdraw", transactionHandler.Withdraw)
		r.Get("/transactions", transactionHandler.ListTransactions)
		r.Get("/transactions/{txId}", transactionHandler.GetTransaction)
		r.Get("/exchange-rates", transactionHandler.ExchangeRates)

		r.With(mW.RequireRole(mW.RoleAdmin)).Get("/admin/integrity", adminHandler.VerifyIntegrity)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zlog.Info("Server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	zlog.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Server forced to shutdown", zap.Error(err))
	}
	dispatcher.Close()

	zlog.Info("Server stopped")
}

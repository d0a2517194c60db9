package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransactionEngine is the part of services.TransactionService the handlers use.
type TransactionEngine interface {
	Transfer(ctx context.Context, req services.TransferRequest) (*models.Transaction, error)
	Exchange(ctx context.Context, req services.ExchangeRequest) (*models.Transaction, error)
	Deposit(ctx context.Context, req services.MovementRequest) (*models.Transaction, error)
	Withdraw(ctx context.Context, req services.MovementRequest) (*models.Transaction, error)
	History(ctx context.Context, userID string, query services.HistoryQuery) (*models.TransactionPage, error)
	GetTransaction(ctx context.Context, userID, transactionID string) (*models.TransactionDetail, error)
	ExchangeRates() models.RateTable
}

// TransactionHandler serves the money-moving and transaction query routes.
type TransactionHandler struct {
	engine    TransactionEngine
	validator *services.ValidationHelper
	logger    *zap.Logger
}

// NewTransactionHandler creates a new transaction handler
func NewTransactionHandler(engine TransactionEngine, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{
		engine:    engine,
		validator: services.NewValidationHelper(),
		logger:    logger,
	}
}

type transferBody struct {
	FromAccountID  string          `json:"fromAccountId" validate:"required"`
	ToAccountID    string          `json:"toAccountId" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description" validate:"max=255"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"max=255"`
}

type exchangeBody struct {
	FromAccountID  string          `json:"fromAccountId" validate:"required"`
	ToAccountID    string          `json:"toAccountId" validate:"required"`
	FromAmount     decimal.Decimal `json:"fromAmount"`
	ExchangeRate   decimal.Decimal `json:"exchangeRate"`
	Description    string          `json:"description" validate:"max=255"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"max=255"`
}

type movementBody struct {
	AccountID      string          `json:"accountId" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description" validate:"max=255"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"max=255"`
}

// Transfer moves money between two accounts in the same currency
// @Summary Transfer
// @Tags Transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param Idempotency-Key header string false "Idempotency key"
// @Param request body transferBody true "Transfer request"
// @Success 201 {object} object{success=bool,data=models.Transaction}
// @Failure 400 {object} services.ErrorResponse
// @Failure 402 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /transactions/transfer [post]
func (h *TransactionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body transferBody
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}

	tx, err := h.engine.Transfer(r.Context(), services.TransferRequest{
		UserID:         userID,
		FromAccountID:  body.FromAccountID,
		ToAccountID:    body.ToAccountID,
		Amount:         body.Amount,
		Description:    body.Description,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
		IPAddress:      r.RemoteAddr,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// Exchange converts between two of the caller's accounts
// @Summary Currency exchange
// @Description A zero or missing exchangeRate uses the fixed rate table
// @Tags Transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body exchangeBody true "Exchange request"
// @Success 201 {object} object{success=bool,data=models.Transaction}
// @Failure 400 {object} services.ErrorResponse
// @Router /transactions/exchange [post]
func (h *TransactionHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body exchangeBody
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}

	tx, err := h.engine.Exchange(r.Context(), services.ExchangeRequest{
		UserID:         userID,
		FromAccountID:  body.FromAccountID,
		ToAccountID:    body.ToAccountID,
		FromAmount:     body.FromAmount,
		Rate:           body.ExchangeRate,
		Description:    body.Description,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
		IPAddress:      r.RemoteAddr,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// Deposit credits an account from outside the ledger
// @Summary Deposit
// @Tags Transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body movementBody true "Deposit request"
// @Success 201 {object} object{success=bool,data=models.Transaction}
// @Router /transactions/deposit [post]
func (h *TransactionHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.engine.Deposit)
}

// Withdraw debits an account to outside the ledger
// @Summary Withdraw
// @Tags Transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body movementBody true "Withdrawal request"
// @Success 201 {object} object{success=bool,data=models.Transaction}
// @Failure 402 {object} services.ErrorResponse
// @Router /transactions/withdraw [post]
func (h *TransactionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.engine.Withdraw)
}

func (h *TransactionHandler) movement(w http.ResponseWriter, r *http.Request,
	run func(context.Context, services.MovementRequest) (*models.Transaction, error)) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body movementBody
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}

	tx, err := run(r.Context(), services.MovementRequest{
		UserID:         userID,
		AccountID:      body.AccountID,
		Amount:         body.Amount,
		Description:    body.Description,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
		IPAddress:      r.RemoteAddr,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// ListTransactions returns the caller's transaction history
// @Summary Transaction history
// @Tags Transactions
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page, from 1"
// @Param limit query int false "Page size, at most 100"
// @Param type query string false "TRANSFER, EXCHANGE, DEPOSIT or WITHDRAWAL"
// @Success 200 {object} object{success=bool,data=models.TransactionPage}
// @Router /transactions [get]
func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	page, err := h.engine.History(r.Context(), userID, services.HistoryQuery{
		Page:  queryInt(r, "page"),
		Limit: queryInt(r, "limit"),
		Type:  models.TransactionType(r.URL.Query().Get("type")),
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetTransaction returns one transaction with its ledger entries
// @Summary Transaction detail
// @Tags Transactions
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} object{success=bool,data=models.TransactionDetail}
// @Failure 404 {object} services.ErrorResponse
// @Router /transactions/{txId} [get]
func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	detail, err := h.engine.GetTransaction(r.Context(), userID, chi.URLParam(r, "txId"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// ExchangeRates lists the fixed conversion rates
// @Summary Exchange rates
// @Tags Transactions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{success=bool,data=models.RateTable}
// @Router /exchange-rates [get]
func (h *TransactionHandler) ExchangeRates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ExchangeRates())
}

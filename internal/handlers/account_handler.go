package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
	"go.uber.org/zap"
)

// AccountManager is the part of services.AccountService the handlers use.
type AccountManager interface {
	List(ctx context.Context, userID string) ([]models.Account, error)
	Open(ctx context.Context, userID string, currency models.Currency) (*models.Account, error)
	Entries(ctx context.Context, userID, accountID string, page, limit int) (*models.EntryPage, error)
}

// AccountHandler serves the account routes.
type AccountHandler struct {
	accounts  AccountManager
	validator *services.ValidationHelper
	logger    *zap.Logger
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(accounts AccountManager, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:  accounts,
		validator: services.NewValidationHelper(),
		logger:    logger,
	}
}

// ListAccounts returns the caller's accounts
// @Summary List accounts
// @Tags Accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{success=bool,data=[]models.Account}
// @Router /accounts [get]
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	accounts, err := h.accounts.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// OpenAccount creates an empty account in the given currency
// @Summary Open account
// @Tags Accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{currency=string} true "USD or EUR"
// @Success 201 {object} object{success=bool,data=models.Account}
// @Failure 400 {object} services.ErrorResponse
// @Router /accounts [post]
func (h *AccountHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body struct {
		Currency string `json:"currency" validate:"required,currency"`
	}
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}

	account, err := h.accounts.Open(r.Context(), userID, models.Currency(body.Currency))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// ListEntries pages through an account's ledger entries
// @Summary Account ledger
// @Tags Accounts
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Param page query int false "Page, from 1"
// @Param limit query int false "Page size, at most 100"
// @Success 200 {object} object{success=bool,data=models.EntryPage}
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{accountId}/entries [get]
func (h *AccountHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	page, err := h.accounts.Entries(r.Context(), userID, chi.URLParam(r, "accountId"),
		queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

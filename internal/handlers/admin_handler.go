package handlers

import (
	"context"
	"net/http"

	"github.com/ruralpay/ledger/internal/models"
	"go.uber.org/zap"
)

// IntegrityVerifier runs the ledger integrity check.
type IntegrityVerifier interface {
	Verify(ctx context.Context) (*models.IntegrityReport, error)
}

// AdminHandler serves operator-only routes.
type AdminHandler struct {
	integrity IntegrityVerifier
	logger    *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(integrity IntegrityVerifier, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{integrity: integrity, logger: logger}
}

// VerifyIntegrity runs the ledger integrity check on demand
// @Summary Verify ledger integrity
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{success=bool,data=models.IntegrityReport}
// @Failure 403 {object} services.ErrorResponse
// @Router /admin/integrity [get]
func (h *AdminHandler) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.integrity.Verify(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if !report.Valid {
		h.logger.Warn("integrity violations reported on demand", zap.Int("violations", len(report.Errors)))
	}
	writeJSON(w, http.StatusOK, report)
}

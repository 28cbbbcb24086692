package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
)

// StatusFor maps an error to the HTTP status it is reported with.
func StatusFor(err error) int {
	var execErr *ledger.ExecutionError
	if errors.As(err, &execErr) && ederrors.GetCategory(err) == "" {
		return http.StatusUnprocessableEntity
	}

	switch ederrors.GetCode(err) {
	case ederrors.CodeMigrationContractNotFound, ederrors.CodeVersionDoesNotExist, ederrors.CodeMajorVersionDoesNotExist:
		return http.StatusNotFound
	}
	switch ederrors.GetCategory(err) {
	case ederrors.ErrCategoryLookup:
		return http.StatusNotFound
	case ederrors.ErrCategoryUniqueness, ederrors.ErrCategoryLedger:
		return http.StatusConflict
	case ederrors.ErrCategoryAuthorization:
		return http.StatusForbidden
	case ederrors.ErrCategoryVersion, ederrors.ErrCategoryMigration, ederrors.ErrCategoryExecution:
		return http.StatusUnprocessableEntity
	case ederrors.ErrCategoryValidation:
		return http.StatusBadRequest
	case ederrors.ErrCategoryStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Structured errors keep their
// category, code and details.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		RequestID: GetRequestID(r.Context()),
	}
	var eds *ederrors.EDSError
	if errors.As(err, &eds) {
		resp.Category = string(eds.Category)
		resp.Code = eds.Code
		resp.Details = eds.Details
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err, "request_id", resp.RequestID)
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

func badRequest(format string, args ...interface{}) error {
	return ederrors.NewValidationError(fmt.Sprintf(format, args...))
}

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ReilBleem13/ShopChat/internal/domain"
)

type ErrorResponse struct {
	Error ErrorInfo `json:"error"`
}

type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  []ValidationError `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, err *domain.AppError) {
	writeErrorInfo(w, err.Status, ErrorInfo{
		Code:    err.Code,
		Message: err.Message,
	})
}

func writeValidationError(w http.ResponseWriter, fields []ValidationError) {
	writeErrorInfo(w, domain.ErrInvalidRequest.Status, ErrorInfo{
		Code:    domain.ErrInvalidRequest.Code,
		Message: domain.ErrInvalidRequest.Message,
		Fields:  fields,
	})
}

func writeErrorInfo(w http.ResponseWriter, status int, info ErrorInfo) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: info}); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

func handleError(w http.ResponseWriter, err error) {
	var appErr *domain.AppError

	if errors.As(err, &appErr) {
		if appErr.Status == 0 {
			appErr = domain.ErrInternalServerError.WithMessage(appErr.Message)
		}
		writeError(w, appErr)
		return
	}

	slog.Error("Unhandled error", "error", err)
	writeError(w, domain.ErrInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/iudanet/synckit/pkg/api"
)

// sendJSON отправляет JSON ответ
func sendJSON(logger *slog.Logger, w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", slog.Any("error", err))
	}
}

// sendError отправляет JSON тело ошибки в формате api.ErrorBody
func sendError(logger *slog.Logger, w http.ResponseWriter, message string, statusCode int) {
	sendErrno(logger, w, message, statusCode, 0)
}

// sendErrno отправляет ошибку с протокольным errno
func sendErrno(logger *slog.Logger, w http.ResponseWriter, message string, statusCode, errno int) {
	resp := api.ErrorBody{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
		Errno:   errno,
	}
	sendJSON(logger, w, resp, statusCode)
}

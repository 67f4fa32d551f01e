package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Error codes returned in the envelope.
const (
	codeUnauthorized        = "UNAUTHORIZED"
	codeInvalidRequest      = "INVALID_REQUEST"
	codeInvalidSubscription = "INVALID_SUBSCRIPTION"
	codeSubscriptionError   = "SUBSCRIPTION_ERROR"
	codeUnsubscribeError    = "UNSUBSCRIBE_ERROR"
	codeNotificationError   = "NOTIFICATION_ERROR"
	codeNotFound            = "NOT_FOUND"
	codeScrapingError       = "SCRAPING_ERROR"
	codeInternal            = "INTERNAL_ERROR"
	codeTimeout             = "TIMEOUT"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeData(w http.ResponseWriter, status int, data any, logger *zap.Logger) {
	writeJSON(w, status, envelope{Success: status >= 200 && status < 300, Data: data}, logger)
}

func writeError(w http.ResponseWriter, status int, code, msg string, logger *zap.Logger) {
	writeJSON(w, status, envelope{Success: false, Error: code, Message: msg}, logger)
}

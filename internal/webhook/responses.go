package webhook

import (
	"encoding/json"
	"net/http"

	"twsignals/internal/alert"
)

type ackResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Errors    []alert.FieldError `json:"errors,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version"`
}

type telegramHealthResponse struct {
	Status            string `json:"status"`
	TelegramConnected bool   `json:"telegram_connected"`
	Timestamp         string `json:"timestamp"`
	Bot               string `json:"bot,omitempty"`
	Error             string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg, requestID string) {
	writeJSON(w, status, errorResponse{Status: "error", Message: msg, RequestID: requestID})
}

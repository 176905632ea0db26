package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/cafeauto/backbone/pkg/logger"
)

// respond writes a JSON response with the given status code.
func respond(w http.ResponseWriter, log *logger.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("encoding response")
	}
}

// errorResponse is the standard JSON error envelope.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondError(w http.ResponseWriter, log *logger.Logger, status int, code, message string) {
	respond(w, log, status, errorResponse{Error: code, Message: message})
}

// Package api provides HTTP response utilities for ChannelPipe.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// errorResponse is the body written for failed requests.
type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(errorResponse{Status: "error", Message: "Internal server error"})
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	writeJSONResponse(w, statusCode, errorResponse{Status: "error", Message: msg})
}

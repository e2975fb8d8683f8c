package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/opswatch/opswatch/internal/database"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// RespondJSON writes data as a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("Failed to encode JSON response: %v", err)
		}
	}
}

// RespondError writes a standard error response.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// RespondValidationError writes field-level validation errors as a 422 response.
func RespondValidationError(w http.ResponseWriter, fieldErrors map[string]string) {
	RespondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
		Error:   "Validation failed",
		Code:    "validation_error",
		Details: fieldErrors,
	})
}

// RespondStoreError maps incident store errors onto client-visible statuses:
// not-found becomes 404, conflicting state becomes 409, invalid input becomes
// 422, anything else is a 500.
func RespondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		RespondJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found", Code: "not_found"})
	case errors.Is(err, database.ErrConflict):
		RespondJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict"})
	case errors.Is(err, database.ErrInvalidInput):
		RespondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "invalid_input"})
	default:
		log.Printf("Internal error: %v", err)
		RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

// RespondNoContent writes a 204 No Content response with no body.
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

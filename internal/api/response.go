package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aitask/aitask/internal/db"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// JSONResponseStatus writes a JSON response with a specific status code.
func JSONResponseStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError writes an error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message})
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// HandleError maps store errors onto HTTP statuses.
func HandleError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		JSONError(w, "not found", http.StatusNotFound)
		return
	}
	JSONError(w, err.Error(), http.StatusInternalServerError)
}

// Package api provides HTTP handlers for the policy builder API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/surgeonlogic/policybuilder/internal/builder"
	"github.com/surgeonlogic/policybuilder/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo    store.Repository
	builder *builder.Service
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, b *builder.Service) *Handler {
	return &Handler{
		repo:    repo,
		builder: b,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Package response provides JSON response helpers for API handlers.
package response

import (
	"encoding/json"
	"net/http"

	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
)

// Response represents a standard API response envelope.
type Response struct {
	Data  any   `json:"data,omitempty"`
	Error any   `json:"error,omitempty"`
	Meta  *Meta `json:"meta,omitempty"`
}

// Meta contains pagination metadata.
type Meta struct {
	Page       int   `json:"page,omitempty"`
	PerPage    int   `json:"per_page,omitempty"`
	Total      int64 `json:"total,omitempty"`
	TotalPages int   `json:"total_pages,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Data: data}); err != nil {
		http.Error(w, `{"error":{"code":"internal_error","message":"Failed to encode response"}}`, http.StatusInternalServerError)
	}
}

// JSONWithMeta writes a JSON response with pagination metadata.
func JSONWithMeta(w http.ResponseWriter, status int, data any, meta *Meta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Data: data, Meta: meta}); err != nil {
		http.Error(w, `{"error":{"code":"internal_error","message":"Failed to encode response"}}`, http.StatusInternalServerError)
	}
}

// Error writes a gateway error response with its mapped HTTP status.
func Error(w http.ResponseWriter, err error) {
	ge, ok := gerrors.AsGatewayError(err)
	if !ok {
		ge = gerrors.New(gerrors.KindDomain, "internal_error", "an internal error occurred")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ge.HTTPStatus())
	_ = json.NewEncoder(w).Encode(Response{Error: ge})
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// Accepted writes a 202 Accepted response.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, data)
}

// BadRequest writes a 400 Bad Request error response.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, gerrors.New(gerrors.KindAdmission, "bad_request", "%s", message))
}

// ValidationErrors writes a 400 response with per-field errors.
func ValidationErrors(w http.ResponseWriter, fields map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(Response{Error: map[string]any{
		"kind":    gerrors.KindAdmission,
		"code":    "validation_error",
		"message": "one or more fields failed validation",
		"details": fields,
	}})
}

// Package api exposes the treasury engine over HTTP. Error responses use
// RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/treasury/pkg/treasury"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://treasury.mindburn.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteEngineError maps the engine's sentinel errors onto HTTP statuses.
func WriteEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, treasury.ErrNotAuthorized):
		WriteForbidden(w, err.Error())
	case errors.Is(err, treasury.ErrProposalNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, treasury.ErrAlreadyConfirmed),
		errors.Is(err, treasury.ErrInvalidStateTransition),
		errors.Is(err, treasury.ErrTreasuryPaused),
		errors.Is(err, treasury.ErrTreasuryNotPaused):
		WriteError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, treasury.ErrProposalExpired):
		WriteError(w, http.StatusGone, "Gone", err.Error())
	case errors.Is(err, treasury.ErrInsufficientUnreservedBalance),
		errors.Is(err, treasury.ErrPolicyDenied),
		errors.Is(err, treasury.ErrInvalidAmount),
		errors.Is(err, treasury.ErrInvalidTTL):
		WriteError(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	case errors.Is(err, treasury.ErrTransferFailed):
		// Committed but unsent: the client must not retry. Surfaced for
		// operator reconciliation.
		WriteError(w, http.StatusBadGateway, "Transfer Failed", err.Error())
	default:
		WriteInternal(w, err)
	}
}

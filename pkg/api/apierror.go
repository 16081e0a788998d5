// Package api is the HTTP surface of the gateway. Errors are RFC 7807
// Problem Details; domain errors are mapped to a status by their kind and
// carry their stable code as the title.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Kind is the domain error kind, present for classified errors.
	Kind string `json:"kind,omitempty"`
	// Index is the failing transaction of a batch, when known.
	Index *int `json:"index,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("https://oya.to/errors/%d", p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
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
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// StatusOf maps a domain error to its HTTP status.
func StatusOf(err error) int {
	if contracts.CodeOf(err) == "RateLimited" {
		return http.StatusTooManyRequests
	}
	switch contracts.KindOf(err) {
	case contracts.KindAuthorization:
		return http.StatusForbidden
	case contracts.KindStateConflict:
		return http.StatusConflict
	case contracts.KindValidation:
		return http.StatusBadRequest
	case contracts.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteDomainError writes err as a problem document. Unclassified errors are
// internal and their text is not exposed.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, err)
		return
	}
	p := &ProblemDetail{
		Title:    contracts.CodeOf(err),
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		Kind:     string(contracts.KindOf(err)),
	}
	var failed *contracts.TransactionExecutionFailedError
	if errors.As(err, &failed) {
		p.Index = &failed.Index
	}
	var target *contracts.InvalidTargetError
	if errors.As(err, &target) && target.Index >= 0 {
		p.Index = &target.Index
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeProblem(w, p)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

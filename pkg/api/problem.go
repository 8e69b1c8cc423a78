// Package api is the HTTP surface of the petition engine. Error
// responses follow RFC 7807; fault kinds map to statuses in exactly one
// place so handlers never pick status codes by hand.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Moirai-Labs/fates/core/pkg/kernel/fault"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// Extensions carries fault details such as remaining_seconds.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://fates.moirai-labs.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteFault maps a fault's kind to an HTTP status and writes the
// problem response. Internal kinds are logged but never exposed.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)

	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://fates.moirai-labs.dev/errors/%d", status),
		Title:    titleFor(kind),
		Status:   status,
		Instance: r.URL.Path,
	}

	if status >= http.StatusInternalServerError {
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		problem.Detail = "An unexpected error occurred. Please try again later."
	} else {
		problem.Detail = err.Error()
		var f *fault.Fault
		if errors.As(err, &f) && len(f.Details) > 0 {
			problem.Extensions = f.Details
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	writeProblem(w, problem)
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

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteJSON writes a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func titleFor(kind fault.Kind) string {
	switch kind {
	case fault.KindSystemHalted:
		return "System Halted"
	case fault.KindNotFound:
		return "Not Found"
	case fault.KindInvalidStateTransition, fault.KindAlreadyFated,
		fault.KindConcurrentModification, fault.KindConflict:
		return "Conflict"
	case fault.KindValidation:
		return "Bad Request"
	case fault.KindUnauthorized:
		return "Unauthorized"
	case fault.KindForbidden:
		return "Forbidden"
	}
	return "Internal Server Error"
}

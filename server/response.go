package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"idealsize/db"
	"idealsize/node"
	"idealsize/sizing"

	"go.uber.org/multierr"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	// ErrUnknownModel also wraps db.ErrNotFound; it must be checked first.
	switch {
	case errors.Is(err, node.ErrUnknownModel),
		errors.Is(err, sizing.ErrDivisionByZero),
		errors.Is(err, sizing.ErrDomain):
		return http.StatusUnprocessableEntity
	case errors.Is(err, node.ErrUnknownNode), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, node.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; an encode failure can only be dropped.
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: message})
}

// writeDomainError reports err with its mapped status. Internal errors are
// not echoed to the client.
func writeDomainError(w http.ResponseWriter, err error) int {
	status := statusForError(err)
	resp := ErrorResponse{Error: http.StatusText(status)}

	if status == http.StatusInternalServerError {
		resp.Message = "internal error"
	} else if errs := multierr.Errors(err); len(errs) > 1 {
		resp.Message = "multiple errors"
		for _, e := range errs {
			resp.Details = append(resp.Details, e.Error())
		}
	} else {
		resp.Message = err.Error()
	}

	writeJSON(w, status, resp)
	return status
}

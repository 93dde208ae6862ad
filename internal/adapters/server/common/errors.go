package common

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/moogar0880/problems"

	"github.com/hylla/trellis/internal/app"
)

// ErrUnauthenticated reports a presented but unusable credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// problemContentType is the RFC 7807 media type.
const problemContentType = "application/problem+json"

// Classify maps a service error onto an HTTP status and a stable problem type.
func Classify(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, "internal_error"
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, app.ErrInvariant):
		return http.StatusConflict, "invariant_violation"
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteError renders err as a problem document.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := Classify(err)
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(kind)
	if status == http.StatusInternalServerError {
		problem = problem.WithError(err)
	} else {
		problem = problem.WithDetail(err.Error())
	}
	WriteProblem(w, status, problem)
}

// WriteProblem encodes one problem document with its status.
func WriteProblem(w http.ResponseWriter, status int, problem *problems.Problem) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"lmbridge/internal/engine"
	"lmbridge/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeErrorBody(w, types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps err onto a status and writes the error payload. Engine
// errors carry their boundary code, kind and reason. It returns the status.
func writeError(w http.ResponseWriter, err error) int {
	body := types.ErrorResponse{Error: err.Error(), Code: http.StatusInternalServerError}
	var ee *engine.Error
	var he HTTPError
	switch {
	case errors.As(err, &ee):
		body.Code = ee.StatusCode()
		body.ErrorCode = ee.Code()
		body.Kind = string(ee.Kind)
		body.Reason = string(ee.Reason)
		if ee.Kind == engine.KindTooBusy {
			IncrementBackpressure("queue")
		}
	case errors.As(err, &he):
		body.Code = he.StatusCode()
	}
	writeErrorBody(w, body)
	return body.Code
}

func writeErrorBody(w http.ResponseWriter, body types.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Code)
	_ = json.NewEncoder(w).Encode(body)
}

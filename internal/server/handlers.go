package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/sandbox"
	"github.com/michaelbrown/taskforge/internal/storage"
	"github.com/michaelbrown/taskforge/internal/variant"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(r, v)
}

func queryInt(r *http.Request, key string) int {
	if s := r.URL.Query().Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return 0
}

// executionError is the body for a failed sandbox run or materialization.
type executionError struct {
	Error   string         `json:"error"`
	Index   *int           `json:"index,omitempty"`
	Stage   variant.Stage  `json:"stage,omitempty"`
	Reason  sandbox.Reason `json:"reason,omitempty"`
	Message string         `json:"message"`
}

func newExecutionError(err error) executionError {
	body := executionError{Error: "script execution failed", Message: err.Error()}
	var me *variant.MaterializeError
	if errors.As(err, &me) {
		idx := me.Index
		body.Error = "variant materialization failed"
		body.Index = &idx
		body.Stage = me.Stage
		body.Message = me.Err.Error()
	}
	var f *sandbox.Failure
	if errors.As(err, &f) {
		body.Reason = f.Reason
	}
	return body
}

// writeStoreError maps domain and storage errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, what string, err error) {
	var (
		me *variant.MaterializeError
		f  *sandbox.Failure
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, storage.ErrInUse):
		writeError(w, http.StatusConflict, fmt.Sprintf("%s is still referenced by an assignment", what))
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, fmt.Sprintf("%s was submitted concurrently, retry", what))
	case errors.Is(err, ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, variant.ErrInvalidCount),
		errors.Is(err, coursework.ErrPastDue),
		errors.Is(err, coursework.ErrAttemptsExhausted):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &me), errors.As(err, &f):
		writeJSON(w, http.StatusUnprocessableEntity, newExecutionError(err))
	default:
		log.Printf("%s: %v", what, err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

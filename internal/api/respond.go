package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/lease"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/repository"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	type errorBody struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// fail maps err onto a status code and writes it. Unexpected errors are
// logged and reported without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrFileNotFound):
		writeError(w, http.StatusNotFound, "file_not_found", err.Error())
	case errors.Is(err, repository.ErrIndicatorNotFound):
		writeError(w, http.StatusNotFound, "indicator_not_found", err.Error())
	case errors.Is(err, repository.ErrIndicatorExists):
		writeError(w, http.StatusConflict, "indicator_exists", err.Error())
	case errors.Is(err, failure.ErrAlreadyProcessing), errors.Is(err, lease.ErrHeld):
		writeError(w, http.StatusConflict, "busy", err.Error())
	default:
		h.logger.WithContext(r.Context()).ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path, logging.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

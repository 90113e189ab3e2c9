package api

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/middleware"
	"github.com/telhawk-systems/casehawk/internal/repository"
)

// IndicatorRequest adds an IOC to a case. Active defaults to true.
type IndicatorRequest struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Active *bool  `json:"active,omitempty"`
}

func (req IndicatorRequest) validate() error {
	if !slices.Contains(repository.IndicatorTypes, req.Type) {
		return fmt.Errorf("type must be one of %s", strings.Join(repository.IndicatorTypes, ", "))
	}
	if strings.TrimSpace(req.Value) == "" {
		return fmt.Errorf("value is required")
	}
	return nil
}

func (h *Handler) listIndicators(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	inds, err := h.Repo.ListIndicators(r.Context(), caseID, activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if inds == nil {
		inds = []*repository.Indicator{}
	}
	writeJSON(w, http.StatusOK, inds)
}

func (h *Handler) createIndicator(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req IndicatorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ind := &repository.Indicator{CaseID: caseID, Type: req.Type, Value: req.Value, Active: true}
	if req.Active != nil {
		ind.Active = *req.Active
	}
	if err := h.Repo.CreateIndicator(r.Context(), ind); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.WithContext(r.Context()).InfoContext(r.Context(), "indicator added",
		logging.CaseID(caseID), logging.Indicator(ind.ID), "type", ind.Type,
		logging.Operator(middleware.GetOperator(r.Context())))
	writeJSON(w, http.StatusCreated, ind)
}

// setIndicatorActive handles PATCH /api/v1/indicators/{id}. Deactivated
// indicators are skipped by later hunts; existing matches stay until cleared.
func (h *Handler) setIndicatorActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req struct {
		Active *bool `json:"active"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "active is required")
		return
	}
	if err := h.Repo.SetIndicatorActive(r.Context(), id, *req.Active); err != nil {
		h.fail(w, r, err)
		return
	}
	ind, err := h.Repo.GetIndicator(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ind)
}

func (h *Handler) deleteIndicator(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := h.Repo.DeleteIndicator(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.WithContext(r.Context()).InfoContext(r.Context(), "indicator deleted",
		logging.Indicator(id), logging.Operator(middleware.GetOperator(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

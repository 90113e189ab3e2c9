package api

import (
	"fmt"
	"net/http"

	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/middleware"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/reset"
	"github.com/telhawk-systems/casehawk/internal/tasks"
)

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	files, err := h.Repo.ListFiles(r.Context(), caseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if files == nil {
		files = []*repository.FileRecord{}
	}
	writeJSON(w, http.StatusOK, files)
}

// requestCaseOperation handles POST /api/v1/cases/{id}/operations. Only
// rule scans and IOC hunts run case-wide.
func (h *Handler) requestCaseOperation(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req OperationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Operation != repository.OpRuleScan && req.Operation != repository.OpIOCHunt {
		writeError(w, http.StatusBadRequest, "invalid_operation",
			fmt.Sprintf("case-wide operation must be %s or %s", repository.OpRuleScan, repository.OpIOCHunt))
		return
	}

	operator := middleware.GetOperator(r.Context())
	task := tasks.NewCaseTask(caseID, req.Operation, operator)
	if err := h.Tasks.Submit(r.Context(), task); err != nil {
		h.logger.WithContext(r.Context()).ErrorContext(r.Context(), "failed to enqueue case operation",
			logging.CaseID(caseID), logging.Operation(string(req.Operation)), logging.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
		return
	}
	h.logger.WithContext(r.Context()).InfoContext(r.Context(), "case operation requested",
		logging.CaseID(caseID), logging.Operation(string(req.Operation)), logging.Operator(operator))
	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: task.ID, CaseID: caseID, Operation: task.Operation})
}

// cancelCase handles POST /api/v1/cases/{id}/cancel.
func (h *Handler) cancelCase(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	n, err := h.Files.RequestCancelCase(r.Context(), caseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.WithContext(r.Context()).InfoContext(r.Context(), "case cancel requested",
		logging.CaseID(caseID), "flagged", n, logging.Operator(middleware.GetOperator(r.Context())))
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "files_flagged": n})
}

// ClearRequest selects what to clear. FileID narrows the clear to one file
// of the case.
type ClearRequest struct {
	What   reset.What `json:"what"`
	FileID int64      `json:"file_id,omitempty"`
}

// clearCase handles POST /api/v1/cases/{id}/clear. It runs synchronously and
// refuses with 409 while the file or case is being worked on.
func (h *Handler) clearCase(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req ClearRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.What == "" {
		req.What = reset.WhatAll
	}
	if !req.What.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("what must be %s, %s or %s", reset.WhatViolations, reset.WhatMatches, reset.WhatAll))
		return
	}

	scope := reset.Scope{Kind: reset.ScopeCase, CaseID: caseID}
	if req.FileID != 0 {
		scope = reset.Scope{Kind: reset.ScopeFile, CaseID: caseID, FileID: req.FileID}
	}
	report, err := h.Clearer.Clear(r.Context(), scope, req.What)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.WithContext(r.Context()).InfoContext(r.Context(), "results cleared",
		logging.CaseID(caseID),
		logging.FileID(req.FileID),
		"what", req.What,
		"violations_deleted", report.ViolationsDeleted,
		"matches_deleted", report.MatchesDeleted,
		logging.Operator(middleware.GetOperator(r.Context())))
	writeJSON(w, http.StatusOK, report)
}

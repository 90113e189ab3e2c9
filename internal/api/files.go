package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/middleware"
	"github.com/telhawk-systems/casehawk/internal/reader"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/tasks"
)

// IntakeRequest registers an evidence file.
type IntakeRequest struct {
	CaseID       int64  `json:"case_id"`
	StoragePath  string `json:"storage_path"`
	SourceFormat string `json:"source_format"`
}

func (req IntakeRequest) validate() error {
	if req.CaseID <= 0 {
		return fmt.Errorf("case_id must be positive")
	}
	if strings.TrimSpace(req.StoragePath) == "" {
		return fmt.Errorf("storage_path is required")
	}
	if !reader.Supported(req.SourceFormat) {
		return fmt.Errorf("unsupported source_format %q", req.SourceFormat)
	}
	return nil
}

// TaskResponse acknowledges an enqueued task.
type TaskResponse struct {
	TaskID    string               `json:"task_id"`
	FileID    int64                `json:"file_id,omitempty"`
	CaseID    int64                `json:"case_id,omitempty"`
	Operation repository.Operation `json:"operation"`
}

// intake handles POST /api/v1/files: the record is created queued and a
// full pass is enqueued for it.
func (h *Handler) intake(w http.ResponseWriter, r *http.Request) {
	var req IntakeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rec := &repository.FileRecord{CaseID: req.CaseID, StoragePath: req.StoragePath, SourceFormat: req.SourceFormat}
	if err := h.Repo.CreateFile(r.Context(), rec); err != nil {
		h.fail(w, r, err)
		return
	}

	operator := middleware.GetOperator(r.Context())
	task := tasks.NewFileTask(rec.ID, repository.OpFull, operator)
	if err := h.Tasks.Submit(r.Context(), task); err != nil {
		h.logger.WithContext(r.Context()).ErrorContext(r.Context(), "failed to enqueue intake",
			logging.FileID(rec.ID), logging.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable",
			fmt.Sprintf("file %d registered but not queued; request a full operation to retry", rec.ID))
		return
	}

	h.logger.WithContext(r.Context()).InfoContext(r.Context(), "file registered",
		logging.FileID(rec.ID), logging.CaseID(rec.CaseID), logging.Operator(operator), "format", rec.SourceFormat)
	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: task.ID, FileID: rec.ID, CaseID: rec.CaseID, Operation: task.Operation})
}

func (h *Handler) getFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rec, err := h.Repo.GetFile(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// OperationRequest names the operation to run.
type OperationRequest struct {
	Operation repository.Operation `json:"operation"`
}

// requestOperation handles POST /api/v1/files/{id}/operations.
func (h *Handler) requestOperation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req OperationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !req.Operation.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_operation",
			fmt.Sprintf("operation must be one of %v", repository.Operations))
		return
	}

	rec, err := h.Files.Queue(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	operator := middleware.GetOperator(r.Context())
	task := tasks.NewFileTask(id, req.Operation, operator)
	if err := h.Tasks.Submit(r.Context(), task); err != nil {
		h.logger.WithContext(r.Context()).ErrorContext(r.Context(), "failed to enqueue operation",
			logging.FileID(id), logging.Operation(string(req.Operation)), logging.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
		return
	}

	h.logger.WithContext(r.Context()).InfoContext(r.Context(), "operation requested",
		logging.FileID(id), logging.Operation(string(req.Operation)), logging.Operator(operator))
	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: task.ID, FileID: id, CaseID: rec.CaseID, Operation: task.Operation})
}

// cancelFile handles POST /api/v1/files/{id}/cancel.
func (h *Handler) cancelFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	flagged, err := h.Files.RequestCancel(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.WithContext(r.Context()).InfoContext(r.Context(), "cancel requested",
		logging.FileID(id), "flagged", flagged, logging.Operator(middleware.GetOperator(r.Context())))
	writeJSON(w, http.StatusOK, map[string]any{"file_id": id, "cancel_requested": flagged})
}

func (h *Handler) listViolations(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.fileFromPath(w, r)
	if !ok {
		return
	}
	rows, err := h.Repo.ListViolations(r.Context(), repository.Scope{CaseID: rec.CaseID, FileID: rec.ID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []repository.Violation{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) listMatches(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.fileFromPath(w, r)
	if !ok {
		return
	}
	rows, err := h.Repo.ListMatches(r.Context(), repository.Scope{CaseID: rec.CaseID, FileID: rec.ID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []repository.IOCMatch{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) fileFromPath(w http.ResponseWriter, r *http.Request) (*repository.FileRecord, bool) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, false
	}
	rec, err := h.Repo.GetFile(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return rec, true
}

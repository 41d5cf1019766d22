package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/markwise/internal/api/response"
	"github.com/kiranshivaraju/markwise/internal/dispatch"
	"github.com/kiranshivaraju/markwise/internal/store"
	"github.com/kiranshivaraju/markwise/pkg/models"
)

// Corrections defines the dispatcher operations the handlers depend on.
type Corrections interface {
	Submit(ctx context.Context, contentID int64, opts ...dispatch.SubmitOption) (uuid.UUID, error)
	SubmitBatch(ctx context.Context, contentIDs []int64, opts ...dispatch.SubmitOption) (dispatch.BatchReport, error)
	GetStatus(ctx context.Context, jobID uuid.UUID) (models.JobView, error)
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/corrections.
func NewSubmitHandler(svc Corrections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ContentID *int64 `json:"content_id"`
			Priority  string `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.ContentID == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_CONTENT_ID", "content_id is required", nil)
			return
		}

		priority, err := dispatch.ParsePriority(req.Priority)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PRIORITY", "priority must be normal or urgent", nil)
			return
		}

		jobID, err := svc.Submit(r.Context(), *req.ContentID, dispatch.WithPriority(priority))
		if err != nil {
			writeSubmitError(w, err)
			return
		}
		response.Accepted(w, map[string]string{"job_id": jobID.String()})
	}
}

// NewSubmitBatchHandler returns an http.HandlerFunc for POST /api/v1/corrections/batch.
// Entries that are not integers are reported per item instead of failing the
// whole request. Every entry counts against maxItems; zero leaves the limit to svc.
func NewSubmitBatchHandler(svc Corrections, maxItems int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ContentIDs json.RawMessage `json:"content_ids"`
			Priority   string          `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		var entries []json.RawMessage
		if len(req.ContentIDs) == 0 || json.Unmarshal(req.ContentIDs, &entries) != nil || entries == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "content_ids must be a list", nil)
			return
		}

		if maxItems > 0 && len(entries) > maxItems {
			writeSubmitError(w, &dispatch.ValidationError{
				Code:    dispatch.CodeTooManyItems,
				Message: fmt.Sprintf("content_ids has %d items, limit is %d", len(entries), maxItems),
			})
			return
		}

		priority, err := dispatch.ParsePriority(req.Priority)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PRIORITY", "priority must be normal or urgent", nil)
			return
		}

		ids := make([]int64, 0, len(entries))
		var rejected []dispatch.BatchItemError
		for _, raw := range entries {
			id, ok := parseContentID(raw)
			if !ok {
				rejected = append(rejected, dispatch.BatchItemError{
					ContentID: rawValue(raw),
					Code:      dispatch.CodeInvalidContentID,
					Message:   "content id must be an integer",
				})
				continue
			}
			ids = append(ids, id)
		}

		report := dispatch.BatchReport{Submitted: []dispatch.BatchSubmission{}}
		if len(ids) > 0 || len(rejected) == 0 {
			report, err = svc.SubmitBatch(r.Context(), ids, dispatch.WithPriority(priority))
			if err != nil {
				writeSubmitError(w, err)
				return
			}
		}
		report.Errors = append(rejected, report.Errors...)
		if report.Errors == nil {
			report.Errors = []dispatch.BatchItemError{}
		}
		response.JSON(w, report)
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/corrections/{jobID}.
func NewStatusHandler(svc Corrections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "job id must be a UUID", nil)
			return
		}

		view, err := svc.GetStatus(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, view)
	}
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var verr *dispatch.ValidationError
	if !errors.As(err, &verr) {
		response.Error(w, http.StatusInternalServerError, "SUBMIT_FAILED",
			"The correction could not be scheduled", nil)
		return
	}
	status := http.StatusBadRequest
	if verr.Code == dispatch.CodeContentNotFound {
		status = http.StatusNotFound
	}
	response.Error(w, status, strings.ToUpper(verr.Code), verr.Message, nil)
}

func parseContentID(raw json.RawMessage) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	id, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return id, true
}

func rawValue(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

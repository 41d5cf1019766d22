package dispatch

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// BatchSubmission is one accepted item of a batch.
type BatchSubmission struct {
	ContentID int64     `json:"content_id"`
	JobID     uuid.UUID `json:"job_id"`
}

// BatchItemError is one rejected item of a batch. ContentID is nil when the
// item was not an integer.
type BatchItemError struct {
	ContentID any    `json:"content_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// BatchReport collects the per-item outcomes of SubmitBatch.
type BatchReport struct {
	Submitted []BatchSubmission `json:"submitted"`
	Errors    []BatchItemError  `json:"errors"`
}

// SubmitBatch submits every id independently. Only a malformed request as a
// whole (empty or over the item limit) returns an error; per-item failures
// land in the report.
func (d *Dispatcher) SubmitBatch(ctx context.Context, contentIDs []int64, opts ...SubmitOption) (BatchReport, error) {
	if len(contentIDs) == 0 {
		return BatchReport{}, invalid(CodeInvalidInput, "content_ids must be a non-empty list")
	}
	if len(contentIDs) > d.cfg.MaxBatchItems {
		return BatchReport{}, invalid(CodeTooManyItems, "content_ids has %d items, limit is %d", len(contentIDs), d.cfg.MaxBatchItems)
	}

	report := BatchReport{
		Submitted: make([]BatchSubmission, 0, len(contentIDs)),
		Errors:    []BatchItemError{},
	}
	for _, id := range contentIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		jobID, err := d.Submit(ctx, id, opts...)
		if err != nil {
			report.Errors = append(report.Errors, itemError(id, err))
			continue
		}
		report.Submitted = append(report.Submitted, BatchSubmission{ContentID: id, JobID: jobID})
	}

	d.logger.Info("batch submitted",
		"items", len(contentIDs),
		"submitted", len(report.Submitted),
		"errors", len(report.Errors),
	)
	return report, nil
}

func itemError(contentID int64, err error) BatchItemError {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return BatchItemError{ContentID: contentID, Code: verr.Code, Message: verr.Message}
	}
	return BatchItemError{ContentID: contentID, Code: CodeSubmitFailed, Message: err.Error()}
}

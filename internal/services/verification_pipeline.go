package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/offlinekyc/internal/models"
	apperrors "github.com/charlesng35/offlinekyc/pkg/errors"
	"github.com/charlesng35/offlinekyc/pkg/metrics"
)

// stepReport is what a pipeline step records about itself.
type stepReport struct {
	Outcome  models.LogOutcome
	Message  string
	Metadata map[string]any
}

// errTrailWrite marks failures to persist the trail itself; these abort the run without
// another log write.
type errTrailWrite struct{ err error }

func (e errTrailWrite) Error() string { return e.err.Error() }
func (e errTrailWrite) Unwrap() error { return e.err }

// pipelineRun carries the state of a single verification.
type pipelineRun struct {
	svc    *VerificationService
	ctx    context.Context
	store  context.Context
	record *models.VerificationRecord
	fields FinalizeFields
	result *Result
	log    *zap.Logger
}

func (s *VerificationService) newRun(ctx context.Context, record *models.VerificationRecord) *pipelineRun {
	return &pipelineRun{
		svc:    s,
		ctx:    ctx,
		store:  context.WithoutCancel(ctx),
		record: record,
		result: &Result{VerificationID: record.VerificationID},
		log: s.log.With(
			zap.String("verification_id", record.VerificationID),
			zap.String("kind", string(record.Kind)),
		),
	}
}

// step runs fn, records its duration and appends a log entry for action. A returned error
// aborts the pipeline; panics are converted into errors.
func (r *pipelineRun) step(action models.VerificationAction, fn func() (stepReport, error)) error {
	if err := expired(r.ctx); err != nil {
		return apperrors.ErrVerificationTimeout.WithInternal(err)
	}

	start := time.Now()
	report, err := r.invoke(action, fn)
	elapsed := time.Since(start)
	metrics.VerificationStepDuration.WithLabelValues(string(action)).Observe(elapsed.Seconds())

	if err != nil {
		appErr := publicError(err)
		message := report.Message
		metadata := report.Metadata
		if reason := failureReason(appErr); reason != "" {
			metadata = withReason(metadata, reason)
			if message == "" {
				message = appErr.Message + ": " + reason
			}
		}
		if message == "" {
			message = appErr.Message
		}
		r.log.Warn("verification step failed",
			zap.String("action", string(action)),
			zap.String("code", appErr.Code),
			zap.Error(err),
		)
		if logErr := r.append(action, stepReport{
			Outcome:  models.OutcomeFailed,
			Message:  message,
			Metadata: metadata,
		}, elapsed); logErr != nil {
			return logErr
		}
		return appErr
	}

	if report.Outcome == "" {
		report.Outcome = models.OutcomeSuccess
	}
	r.log.Debug("verification step completed",
		zap.String("action", string(action)),
		zap.String("outcome", string(report.Outcome)),
		zap.Duration("elapsed", elapsed),
	)
	return r.append(action, report, elapsed)
}

func (r *pipelineRun) invoke(action models.VerificationAction, fn func() (stepReport, error)) (report stepReport, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("verification step panicked",
				zap.String("action", string(action)),
				zap.Any("panic", p),
			)
			report = stepReport{}
			err = fmt.Errorf("step %s panicked: %v", action, p)
		}
	}()
	return fn()
}

func (r *pipelineRun) append(action models.VerificationAction, report stepReport, elapsed time.Duration) error {
	err := r.svc.trail.AppendLog(r.store, r.record, LogEntry{
		Action:   action,
		Outcome:  report.Outcome,
		Message:  report.Message,
		Metadata: report.Metadata,
		Elapsed:  elapsed,
	})
	if err != nil {
		return errTrailWrite{err: err}
	}
	return nil
}

// finish finalizes the record from the run outcome and completes the result.
func (r *pipelineRun) finish(runErr error) (*Result, error) {
	var trailErr errTrailWrite
	if errors.As(runErr, &trailErr) {
		r.log.Error("verification trail write failed", zap.Error(runErr))
	}

	status := models.StatusSuccess
	fields := r.fields
	if runErr != nil {
		status = models.StatusFailed
		appErr := publicError(runErr)
		fields.ErrorMessage = appErr.Message
		fields.Demographics = nil
		r.result.Data = nil
		r.result.Error = appErr
	}

	if err := r.svc.trail.Finalize(r.store, r.record, status, fields); err != nil {
		r.log.Error("finalize verification record", zap.Error(err))
		return nil, fmt.Errorf("verification service: finalize %s: %w", r.record.VerificationID, err)
	}
	metrics.Verifications.WithLabelValues(string(r.record.Kind), string(status)).Inc()

	r.result.Success = status == models.StatusSuccess
	r.result.MaskedIdentifier = r.record.MaskedIdentifier
	r.result.SignatureValid = r.fields.SignatureValid
	r.result.CertificateValid = r.fields.CertificateValid
	r.result.TimestampValid = r.fields.TimestampValid
	r.result.ChecksumValid = r.fields.ChecksumValid

	r.log.Info("verification finalized",
		zap.String("status", string(status)),
		zap.Duration("elapsed", time.Since(r.record.CreatedAt)),
	)
	return r.result, nil
}

// publicError maps err onto the AppError reported to callers. Anything that is not an
// AppError surfaces as a generic internal failure.
func publicError(err error) *apperrors.AppError {
	var trailErr errTrailWrite
	if errors.As(err, &trailErr) {
		return apperrors.ErrInternalServer.WithInternal(err)
	}
	return apperrors.FromError(err)
}

// failureReason is the internal cause of a rejected input. It is kept in the trail only;
// callers see the AppError message. Internal failures go to the process log instead.
func failureReason(appErr *apperrors.AppError) string {
	if appErr == nil || appErr.Internal == nil || appErr.Code == apperrors.ErrInternalServer.Code {
		return ""
	}
	return appErr.Internal.Error()
}

func withReason(metadata map[string]any, reason string) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["reason"] = reason
	return out
}

// expired reports a cancelled context, or one whose deadline has passed even if its timer
// has not fired yet.
func expired(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}

func boolPtr(v bool) *bool {
	return &v
}

func outcomeFor(ok, required bool) models.LogOutcome {
	switch {
	case ok:
		return models.OutcomeSuccess
	case required:
		return models.OutcomeFailed
	default:
		return models.OutcomeWarning
	}
}

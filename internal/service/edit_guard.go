package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/service-portal-api/internal/models"
	"github.com/noah-isme/service-portal-api/internal/repository"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
)

type payloadStore interface {
	GetByID(ctx context.Context, id string) (*models.Submission, error)
	ReplacePayload(ctx context.Context, id string, payload json.RawMessage, record *models.EditRecord) error
}

type submissionReader interface {
	GetByID(ctx context.Context, id string, actor models.Actor) (*models.Submission, error)
}

// CanEdit reports whether the owner may still replace the payload.
func CanEdit(submission *models.Submission) bool {
	if submission == nil || submission.Status != models.StatusPending {
		return false
	}
	edits := len(submission.EditHistory)
	if submission.EditCount > edits {
		edits = submission.EditCount
	}
	return edits < models.MaxEdits
}

// EditGuard applies customer payload edits while the submission is still editable.
type EditGuard struct {
	store       payloadStore
	forms       formValidator
	submissions submissionReader
	metrics     *MetricsService
	logger      *zap.Logger
}

// NewEditGuard constructs an EditGuard.
func NewEditGuard(store payloadStore, forms formValidator, submissions submissionReader, metrics *MetricsService, logger *zap.Logger) *EditGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EditGuard{store: store, forms: forms, submissions: submissions, metrics: metrics, logger: logger}
}

// RecordEdit re-validates newPayload against the submission's form type, snapshots the
// current payload into the edit history and replaces it. Status is never touched.
func (g *EditGuard) RecordEdit(ctx context.Context, submissionID string, newPayload json.RawMessage, actor models.Actor) (*models.Submission, error) {
	if actor.ID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	current, err := loadSubmission(ctx, g.store, submissionID)
	if err != nil {
		return nil, err
	}
	if current.OwnerID != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the owner may edit a submission")
	}
	if !CanEdit(current) {
		return nil, editNotAllowed(current)
	}
	payload, err := g.forms.Validate(current.FormType, newPayload)
	if err != nil {
		return nil, err
	}

	record := &models.EditRecord{ActorID: actor.ID}
	if err := g.store.ReplacePayload(ctx, submissionID, payload, record); err != nil {
		switch {
		case errors.Is(err, repository.ErrEditLocked):
			return nil, appErrors.Clone(appErrors.ErrEditNotAllowed, "submission can no longer be edited")
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.ErrNotFound
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record edit")
		}
	}

	g.metrics.PayloadEdited()
	g.logger.Info("submission payload edited",
		zap.String("submission_id", submissionID),
		zap.String("actor_id", actor.ID),
		zap.String("edit_id", record.ID),
	)
	return g.submissions.GetByID(ctx, submissionID, actor)
}

func editNotAllowed(submission *models.Submission) error {
	if submission.Status != models.StatusPending {
		return appErrors.Clone(appErrors.ErrEditNotAllowed, "submission is no longer pending")
	}
	return appErrors.Clone(appErrors.ErrEditNotAllowed, "edit limit reached")
}

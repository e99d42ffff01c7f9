package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/service-portal-api/internal/dto"
	"github.com/noah-isme/service-portal-api/internal/forms"
	"github.com/noah-isme/service-portal-api/internal/models"
	"github.com/noah-isme/service-portal-api/internal/repository"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
)

// maxTransitionAttempts bounds re-validation after losing a status race. Forward-only
// transitions can change the row at most twice, so three reads always settle.
const maxTransitionAttempts = 3

type submissionStore interface {
	Create(ctx context.Context, submission *models.Submission) error
	GetByID(ctx context.Context, id string) (*models.Submission, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Submission, error)
	TransitionStatus(ctx context.Context, id string, from, to models.SubmissionStatus, note *models.StatusNote) error
	ListEdits(ctx context.Context, submissionID string) ([]models.EditRecord, error)
	ListStatusNotes(ctx context.Context, submissionID string) ([]models.StatusNote, error)
}

type formValidator interface {
	Validate(formType models.FormType, raw json.RawMessage) (json.RawMessage, error)
	Decode(formType models.FormType, raw json.RawMessage) (forms.Payload, error)
	ServiceFor(formType models.FormType) (string, error)
}

type profileProvider interface {
	Profile(ctx context.Context, userID string) (*models.User, error)
}

type documentLister interface {
	ListBySubmission(ctx context.Context, submissionID string) ([]models.Document, error)
	ListBySubmissions(ctx context.Context, submissionIDs []string) (map[string][]models.Document, error)
}

type reportLister interface {
	ListBySubmission(ctx context.Context, submissionID string) ([]models.Report, error)
	ListBySubmissions(ctx context.Context, submissionIDs []string) (map[string][]models.Report, error)
}

// SubmissionService owns the submission lifecycle: creation, reads and status transitions.
type SubmissionService struct {
	repo      submissionStore
	forms     formValidator
	profiles  profileProvider
	documents documentLister
	reports   reportLister
	events    eventEmitter
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewSubmissionService constructs a SubmissionService.
func NewSubmissionService(repo submissionStore, forms formValidator, profiles profileProvider, documents documentLister, reports reportLister, events eventEmitter, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *SubmissionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionService{
		repo:      repo,
		forms:     forms,
		profiles:  profiles,
		documents: documents,
		reports:   reports,
		events:    events,
		validator: validate,
		metrics:   metrics,
		logger:    logger,
	}
}

// Create validates the payload for its form type and stores a Pending submission whose
// envelope is stamped from the owner's profile.
func (s *SubmissionService) Create(ctx context.Context, req dto.CreateSubmissionRequest, actor models.Actor) (*models.Submission, error) {
	if actor.ID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	payload, err := s.forms.Validate(req.FormType, req.Payload)
	if err != nil {
		return nil, err
	}
	serviceLabel, err := s.forms.ServiceFor(req.FormType)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid submission request")
	}
	profile, err := s.profiles.Profile(ctx, actor.ID)
	if err != nil {
		return nil, err
	}

	submission := &models.Submission{
		FormType:   req.FormType,
		OwnerID:    actor.ID,
		FullName:   profile.FullName,
		Email:      profile.Email,
		Phone:      profile.Phone,
		Service:    serviceLabel,
		SubService: normalizeOptional(req.SubService),
		Status:     models.StatusPending,
		Payload:    payload,
	}
	if err := s.repo.Create(ctx, submission); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create submission")
	}
	submission.Documents = []models.Document{}
	submission.Reports = []models.Report{}
	submission.EditHistory = []models.EditRecord{}
	submission.StatusHistory = []models.StatusNote{}

	s.metrics.SubmissionCreated(string(submission.FormType))
	s.logger.Info("submission created",
		zap.String("submission_id", submission.ID),
		zap.String("form_type", string(submission.FormType)),
		zap.String("owner_id", submission.OwnerID),
	)
	s.emit(models.Event{
		Type:         models.EventSubmissionCreated,
		SubmissionID: submission.ID,
		OwnerID:      submission.OwnerID,
		Data: map[string]interface{}{
			"formType": submission.FormType,
			"service":  submission.Service,
			"subject":  s.subjectOf(submission),
		},
	})
	return submission, nil
}

func (s *SubmissionService) subjectOf(submission *models.Submission) string {
	typed, err := s.forms.Decode(submission.FormType, submission.Payload)
	if err != nil {
		s.logger.Debug("payload subject unavailable", zap.String("submission_id", submission.ID), zap.Error(err))
		return ""
	}
	return payloadSubject(typed)
}

// GetByID returns the full submission with documents, reports and both histories.
func (s *SubmissionService) GetByID(ctx context.Context, id string, actor models.Actor) (*models.Submission, error) {
	submission, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ensureReadable(submission, actor); err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, submission); err != nil {
		return nil, err
	}
	return submission, nil
}

// GetByOwner lists a customer's submissions newest first, each with documents and reports.
func (s *SubmissionService) GetByOwner(ctx context.Context, ownerID string, actor models.Actor) ([]models.Submission, error) {
	if actor.ID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.ID != ownerID && !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	submissions, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list submissions")
	}
	if len(submissions) == 0 {
		return []models.Submission{}, nil
	}

	ids := make([]string, len(submissions))
	for i := range submissions {
		ids[i] = submissions[i].ID
	}
	docs, err := s.documents.ListBySubmissions(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load documents")
	}
	reports, err := s.reports.ListBySubmissions(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reports")
	}
	for i := range submissions {
		submissions[i].Documents = nonNilDocuments(docs[submissions[i].ID])
		submissions[i].Reports = nonNilReports(reports[submissions[i].ID])
	}
	return submissions, nil
}

// UpdateStatus advances the submission exactly one step. Losing a concurrent race re-reads
// the row and re-validates the request against the fresh status.
func (s *SubmissionService) UpdateStatus(ctx context.Context, id string, status models.SubmissionStatus, comment string, actor models.Actor) (*models.Submission, error) {
	if actor.ID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if !status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %q", status))
	}
	if err := s.validator.Struct(dto.UpdateStatusRequest{Status: status, Comment: comment}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status update")
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		current, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !models.CanTransition(current.Status, status) {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot move submission from %s to %s", current.Status, status))
		}

		note := &models.StatusNote{Comment: strings.TrimSpace(comment), ActorID: actor.ID}
		err = s.repo.TransitionStatus(ctx, id, current.Status, status, note)
		if errors.Is(err, repository.ErrStatusChanged) {
			s.logger.Debug("status changed concurrently, re-validating",
				zap.String("submission_id", id),
				zap.String("expected", string(current.Status)),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update status")
		}

		s.metrics.StatusTransitioned(string(current.Status), string(status))
		s.logger.Info("submission status changed",
			zap.String("submission_id", id),
			zap.String("from", string(current.Status)),
			zap.String("to", string(status)),
			zap.String("actor_id", actor.ID),
		)
		s.emit(models.Event{
			Type:         models.EventSubmissionStatusChanged,
			SubmissionID: id,
			OwnerID:      current.OwnerID,
			Data: map[string]interface{}{
				"from":    current.Status,
				"to":      status,
				"comment": note.Comment,
			},
		})
		return s.GetByID(ctx, id, actor)
	}
	return nil, appErrors.Clone(appErrors.ErrConflict, "submission status is changing concurrently, retry later")
}

func (s *SubmissionService) load(ctx context.Context, id string) (*models.Submission, error) {
	return loadSubmission(ctx, s.repo, id)
}

type submissionGetter interface {
	GetByID(ctx context.Context, id string) (*models.Submission, error)
}

// loadSubmission maps malformed ids and missing rows to NotFound.
func loadSubmission(ctx context.Context, repo submissionGetter, id string) (*models.Submission, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, appErrors.ErrNotFound
	}
	submission, err := repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submission")
	}
	return submission, nil
}

func (s *SubmissionService) hydrate(ctx context.Context, submission *models.Submission) error {
	docs, err := s.documents.ListBySubmission(ctx, submission.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load documents")
	}
	reports, err := s.reports.ListBySubmission(ctx, submission.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reports")
	}
	edits, err := s.repo.ListEdits(ctx, submission.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load edit history")
	}
	notes, err := s.repo.ListStatusNotes(ctx, submission.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load status history")
	}
	submission.Documents = nonNilDocuments(docs)
	submission.Reports = nonNilReports(reports)
	submission.EditHistory = edits
	if submission.EditHistory == nil {
		submission.EditHistory = []models.EditRecord{}
	}
	submission.StatusHistory = notes
	if submission.StatusHistory == nil {
		submission.StatusHistory = []models.StatusNote{}
	}
	return nil
}

func (s *SubmissionService) emit(event models.Event) {
	if s.events == nil {
		return
	}
	s.events.Emit(event)
}

// ensureReadable allows staff and the owning customer.
func ensureReadable(submission *models.Submission, actor models.Actor) error {
	if actor.ID == "" {
		return appErrors.ErrUnauthorized
	}
	if actor.IsStaff() || submission.OwnerID == actor.ID {
		return nil
	}
	return appErrors.ErrForbidden
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func nonNilDocuments(docs []models.Document) []models.Document {
	if docs == nil {
		return []models.Document{}
	}
	return docs
}

func nonNilReports(reports []models.Report) []models.Report {
	if reports == nil {
		return []models.Report{}
	}
	return reports
}

package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/service-portal-api/internal/dto"
	"github.com/noah-isme/service-portal-api/internal/models"
	"github.com/noah-isme/service-portal-api/internal/repository"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
)

type reportStore interface {
	Append(ctx context.Context, report *models.Report) error
	ListBySubmission(ctx context.Context, submissionID string) ([]models.Report, error)
}

type documentAttacher interface {
	Attach(ctx context.Context, submissionID string, upload DocumentUpload, actor models.Actor) (*models.Document, error)
	ListFor(ctx context.Context, submissionID string, actor models.Actor) ([]models.Document, error)
	Discard(ctx context.Context, doc *models.Document) error
}

const foreignRefMessage = "document references must belong to the submission"

// ReportService appends staff communications to a submission.
type ReportService struct {
	repo        reportStore
	submissions submissionGetter
	documents   documentAttacher
	events      eventEmitter
	validator   *validator.Validate
	metrics     *MetricsService
	logger      *zap.Logger
}

// NewReportService constructs a ReportService.
func NewReportService(repo reportStore, submissions submissionGetter, documents documentAttacher, events eventEmitter, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *ReportService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportService{
		repo:        repo,
		submissions: submissions,
		documents:   documents,
		events:      events,
		validator:   validate,
		metrics:     metrics,
		logger:      logger,
	}
}

// Append stores one report. Every document ref must belong to the submission.
func (s *ReportService) Append(ctx context.Context, submissionID string, req dto.CreateReportRequest, actor models.Actor) (*models.Report, error) {
	submission, err := s.authorize(ctx, submissionID, req, actor)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, submission, req, actor)
}

// AppendWithAttachments stores each attachment as a completion document, then appends the
// report referencing the ones that succeeded. Failed attachments are reported through a
// PartialFailure carrying the saved report, so only those need to be retried. Caller refs are
// checked before anything is uploaded, and attachments are discarded if the report is not saved.
func (s *ReportService) AppendWithAttachments(ctx context.Context, submissionID string, req dto.CreateReportRequest, attachments []DocumentUpload, actor models.Actor) (*models.ReportResult, error) {
	submission, err := s.authorize(ctx, submissionID, req, actor)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOwnedRefs(ctx, submission, req.DocumentRefs, actor); err != nil {
		return nil, err
	}

	result := &models.ReportResult{Documents: []models.Document{}}
	refs := append([]string{}, req.DocumentRefs...)
	for _, attachment := range attachments {
		doc, err := s.documents.Attach(ctx, submission.ID, attachment, actor)
		if err != nil {
			reason := appErrors.FromError(err).Message
			result.FailedAttachments = append(result.FailedAttachments, models.FailedAttachment{Name: attachment.Filename, Reason: reason})
			s.logger.Warn("report attachment failed",
				zap.String("submission_id", submission.ID),
				zap.String("filename", attachment.Filename),
				zap.Error(err),
			)
			continue
		}
		result.Documents = append(result.Documents, *doc)
		refs = append(refs, doc.ID)
	}

	req.DocumentRefs = refs
	report, err := s.store(ctx, submission, req, actor)
	if err != nil {
		s.discardAttachments(ctx, result.Documents)
		return nil, err
	}
	result.Report = report
	if len(result.FailedAttachments) > 0 {
		return result, appErrors.WithDetails(appErrors.ErrPartialFailure, "report saved but some attachments failed", result)
	}
	return result, nil
}

// ListFor returns the submission's reports ordered by creation time, then insertion order.
func (s *ReportService) ListFor(ctx context.Context, submissionID string, actor models.Actor) ([]models.Report, error) {
	submission, err := loadSubmission(ctx, s.submissions, submissionID)
	if err != nil {
		return nil, err
	}
	if err := ensureReadable(submission, actor); err != nil {
		return nil, err
	}
	reports, err := s.repo.ListBySubmission(ctx, submission.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list reports")
	}
	return nonNilReports(reports), nil
}

func (s *ReportService) authorize(ctx context.Context, submissionID string, req dto.CreateReportRequest, actor models.Actor) (*models.Submission, error) {
	if actor.ID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.IsStaff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only staff may post reports")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid report")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "message is required")
	}
	return loadSubmission(ctx, s.submissions, submissionID)
}

func (s *ReportService) ensureOwnedRefs(ctx context.Context, submission *models.Submission, refs []string, actor models.Actor) error {
	if len(refs) == 0 {
		return nil
	}
	docs, err := s.documents.ListFor(ctx, submission.ID, actor)
	if err != nil {
		return err
	}
	owned := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		owned[doc.ID] = struct{}{}
	}
	for _, ref := range refs {
		if _, ok := owned[ref]; !ok {
			return appErrors.Clone(appErrors.ErrValidation, foreignRefMessage)
		}
	}
	return nil
}

func (s *ReportService) discardAttachments(ctx context.Context, docs []models.Document) {
	ctx = context.WithoutCancel(ctx)
	for i := range docs {
		if err := s.documents.Discard(ctx, &docs[i]); err != nil {
			s.logger.Error("failed to discard report attachment",
				zap.String("document_id", docs[i].ID),
				zap.Error(err),
			)
		}
	}
}

func (s *ReportService) store(ctx context.Context, submission *models.Submission, req dto.CreateReportRequest, actor models.Actor) (*models.Report, error) {
	report := &models.Report{
		SubmissionID: submission.ID,
		Message:      strings.TrimSpace(req.Message),
		Type:         strings.TrimSpace(req.Type),
		DocumentRefs: req.DocumentRefs,
		AuthorID:     actor.ID,
	}
	if err := s.repo.Append(ctx, report); err != nil {
		switch {
		case errors.Is(err, repository.ErrForeignDocumentRef):
			return nil, appErrors.Clone(appErrors.ErrValidation, foreignRefMessage)
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.ErrNotFound
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to append report")
		}
	}

	s.metrics.ReportAppended()
	s.logger.Info("report appended",
		zap.String("submission_id", submission.ID),
		zap.String("report_id", report.ID),
		zap.Int("document_refs", len(report.DocumentRefs)),
	)
	if s.events != nil {
		s.events.Emit(models.Event{
			Type:         models.EventReportCreated,
			SubmissionID: submission.ID,
			OwnerID:      submission.OwnerID,
			Data: map[string]interface{}{
				"reportId": report.ID,
				"type":     report.Type,
			},
		})
	}
	return report, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/service-portal-api/internal/models"
)

// ErrForeignDocumentRef is returned when a report references a document of another submission.
var ErrForeignDocumentRef = errors.New("document reference does not belong to submission")

const reportColumns = `id, seq, submission_id, message, type, document_refs, author_id, created_at`

// ReportRepository persists the append-only report log.
type ReportRepository struct {
	db *sqlx.DB
}

// NewReportRepository constructs the repository.
func NewReportRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Append inserts one report row. The submission row is share-locked so document refs are
// checked against a stable submission; concurrent appends never block each other.
func (r *ReportRepository) Append(ctx context.Context, report *models.Report) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin report transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var submissionID string
	if err = tx.GetContext(ctx, &submissionID, `SELECT id FROM submissions WHERE id = $1 FOR SHARE`, report.SubmissionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("lock submission for report: %w", err)
	}

	refs := uniqueStrings(report.DocumentRefs)
	if len(refs) > 0 {
		var owned int
		const refQuery = `SELECT COUNT(DISTINCT id) FROM submission_documents WHERE submission_id = $1 AND id::text = ANY($2)`
		if err = tx.GetContext(ctx, &owned, refQuery, report.SubmissionID, pq.Array(refs)); err != nil {
			return fmt.Errorf("check document refs: %w", err)
		}
		if owned != len(refs) {
			return ErrForeignDocumentRef
		}
	}

	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.DocumentRefs == nil {
		report.DocumentRefs = pq.StringArray{}
	}
	report.CreatedAt = time.Now().UTC()
	const insertQuery = `INSERT INTO submission_reports (id, submission_id, message, type, document_refs, author_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`
	if err = tx.QueryRowxContext(ctx, insertQuery,
		report.ID, report.SubmissionID, report.Message, report.Type, report.DocumentRefs, report.AuthorID, report.CreatedAt,
	).Scan(&report.Seq); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	return nil
}

// ListBySubmission returns reports ordered by creation time, then insertion sequence.
func (r *ReportRepository) ListBySubmission(ctx context.Context, submissionID string) ([]models.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM submission_reports WHERE submission_id = $1 ORDER BY created_at ASC, seq ASC`
	var reports []models.Report
	if err := r.db.SelectContext(ctx, &reports, query, submissionID); err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return reports, nil
}

// ListBySubmissions returns reports for many submissions keyed by submission id.
func (r *ReportRepository) ListBySubmissions(ctx context.Context, submissionIDs []string) (map[string][]models.Report, error) {
	out := make(map[string][]models.Report, len(submissionIDs))
	if len(submissionIDs) == 0 {
		return out, nil
	}
	query := `SELECT ` + reportColumns + ` FROM submission_reports WHERE submission_id = ANY($1::uuid[]) ORDER BY created_at ASC, seq ASC`
	var reports []models.Report
	if err := r.db.SelectContext(ctx, &reports, query, pq.Array(submissionIDs)); err != nil {
		return nil, fmt.Errorf("list reports for submissions: %w", err)
	}
	for _, report := range reports {
		out[report.SubmissionID] = append(out[report.SubmissionID], report)
	}
	return out, nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/service-portal-api/internal/models"
)

const foreignKeyViolation = "23503"

const documentColumns = `id, submission_id, original_name, content_type, size_bytes, storage_ref, checksum,
	uploaded_by, uploader_role, is_completion_document, legacy_keys, uploaded_at`

// DocumentRepository persists document metadata. Content lives in the blob store.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository constructs the repository.
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create links a stored blob to its submission. It returns sql.ErrNoRows when the
// submission does not exist.
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	const query = `INSERT INTO submission_documents
	(id, submission_id, original_name, content_type, size_bytes, storage_ref, checksum, uploaded_by, uploader_role, is_completion_document, legacy_keys, uploaded_at)
	VALUES (:id, :submission_id, :original_name, :content_type, :size_bytes, :storage_ref, :checksum, :uploaded_by, :uploader_role, :is_completion_document, :legacy_keys, :uploaded_at)`
	if _, err := r.db.NamedExecContext(ctx, query, doc); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return sql.ErrNoRows
		}
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// Delete removes a document row. A missing row is not an error.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM submission_documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// ListBySubmission returns a submission's documents in upload order.
func (r *DocumentRepository) ListBySubmission(ctx context.Context, submissionID string) ([]models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM submission_documents WHERE submission_id = $1 ORDER BY uploaded_at ASC, id ASC`
	var docs []models.Document
	if err := r.db.SelectContext(ctx, &docs, query, submissionID); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// ListBySubmissions returns documents for many submissions keyed by submission id.
func (r *DocumentRepository) ListBySubmissions(ctx context.Context, submissionIDs []string) (map[string][]models.Document, error) {
	out := make(map[string][]models.Document, len(submissionIDs))
	if len(submissionIDs) == 0 {
		return out, nil
	}
	query := `SELECT ` + documentColumns + ` FROM submission_documents WHERE submission_id = ANY($1::uuid[]) ORDER BY uploaded_at ASC, id ASC`
	var docs []models.Document
	if err := r.db.SelectContext(ctx, &docs, query, pq.Array(submissionIDs)); err != nil {
		return nil, fmt.Errorf("list documents for submissions: %w", err)
	}
	for _, doc := range docs {
		out[doc.SubmissionID] = append(out[doc.SubmissionID], doc)
	}
	return out, nil
}

// Resolve finds a document by any key in models.DocumentKeyAccessors. The accessor
// order decides which record wins when several match.
func (r *DocumentRepository) Resolve(ctx context.Context, key string) (*models.Document, error) {
	if key == "" {
		return nil, sql.ErrNoRows
	}
	query := resolveDocumentQuery()
	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve document: %w", err)
	}
	return &doc, nil
}

func resolveDocumentQuery() string {
	matches := make([]string, len(models.DocumentKeyAccessors))
	ranks := make([]string, len(models.DocumentKeyAccessors))
	for i, accessor := range models.DocumentKeyAccessors {
		matches[i] = fmt.Sprintf("%s = $1", accessor.Column)
		ranks[i] = fmt.Sprintf("WHEN %s = $1 THEN %d", accessor.Column, i)
	}
	return fmt.Sprintf(`SELECT %s FROM submission_documents WHERE %s ORDER BY CASE %s END, uploaded_at ASC, id ASC LIMIT 1`,
		documentColumns, strings.Join(matches, " OR "), strings.Join(ranks, " "))
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/service-portal-api/internal/models"
)

// Conditional write failures. Callers re-read the submission to decide what happened.
var (
	ErrStatusChanged = errors.New("submission status changed concurrently")
	ErrEditLocked    = errors.New("submission no longer editable")
)

const submissionColumns = `id, form_type, owner_id, full_name, email, phone, service, sub_service, status, payload, edit_count, created_at, updated_at`

const summaryColumns = `id, form_type, full_name, email, phone, service, sub_service, status, created_at, updated_at`

// SubmissionRepository persists submissions and their append-only histories.
type SubmissionRepository struct {
	db *sqlx.DB
}

// NewSubmissionRepository constructs the repository.
func NewSubmissionRepository(db *sqlx.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Create inserts a new submission row.
func (r *SubmissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	if submission.ID == "" {
		submission.ID = uuid.NewString()
	}
	if submission.Status == "" {
		submission.Status = models.StatusPending
	}
	now := time.Now().UTC()
	if submission.CreatedAt.IsZero() {
		submission.CreatedAt = now
	}
	submission.UpdatedAt = submission.CreatedAt

	// jsonb columns receive text; lib/pq would send []byte as bytea.
	const query = `INSERT INTO submissions
	(id, form_type, owner_id, full_name, email, phone, service, sub_service, status, payload, edit_count, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if _, err := r.db.ExecContext(ctx, query,
		submission.ID, submission.FormType, submission.OwnerID, submission.FullName, submission.Email, submission.Phone,
		submission.Service, submission.SubService, submission.Status, string(submission.Payload), submission.EditCount,
		submission.CreatedAt, submission.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

// GetByID fetches the submission envelope and payload.
func (r *SubmissionRepository) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	var submission models.Submission
	if err := r.db.GetContext(ctx, &submission, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return &submission, nil
}

// ListByOwner returns the owner's submissions newest first.
func (r *SubmissionRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`
	var submissions []models.Submission
	if err := r.db.SelectContext(ctx, &submissions, query, ownerID); err != nil {
		return nil, fmt.Errorf("list submissions by owner: %w", err)
	}
	return submissions, nil
}

// TransitionStatus moves the submission from -> to and records the note in the same
// transaction. It returns ErrStatusChanged when the row is missing or no longer in from.
func (r *SubmissionRepository) TransitionStatus(ctx context.Context, id string, from, to models.SubmissionStatus, note *models.StatusNote) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	const updateQuery = `UPDATE submissions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	result, err := tx.ExecContext(ctx, updateQuery, to, now, id, from)
	if err != nil {
		return fmt.Errorf("update submission status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check status update rows: %w", err)
	}
	if rows == 0 {
		return ErrStatusChanged
	}

	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	note.SubmissionID = id
	note.FromStatus = from
	note.ToStatus = to
	note.CreatedAt = now
	const noteQuery = `INSERT INTO submission_status_notes (id, submission_id, from_status, to_status, comment, actor_id, created_at)
	VALUES (:id, :submission_id, :from_status, :to_status, :comment, :actor_id, :created_at)`
	if _, err = tx.NamedExecContext(ctx, noteQuery, note); err != nil {
		return fmt.Errorf("insert status note: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit status transition: %w", err)
	}
	return nil
}

// ReplacePayload locks the submission, snapshots the current payload into the edit history
// and stores the new payload. It returns ErrEditLocked when the row is not Pending or the
// edit cap is reached, and sql.ErrNoRows when it does not exist.
func (r *SubmissionRepository) ReplacePayload(ctx context.Context, id string, payload json.RawMessage, record *models.EditRecord) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin edit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current struct {
		Status    models.SubmissionStatus `db:"status"`
		EditCount int                     `db:"edit_count"`
		Payload   json.RawMessage         `db:"payload"`
	}
	const lockQuery = `SELECT status, edit_count, payload FROM submissions WHERE id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &current, lockQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("lock submission: %w", err)
	}
	if current.Status != models.StatusPending || current.EditCount >= models.MaxEdits {
		return ErrEditLocked
	}

	now := time.Now().UTC()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.SubmissionID = id
	record.PreviousPayload = current.Payload
	record.Timestamp = now
	const editQuery = `INSERT INTO submission_edits (id, submission_id, actor_id, previous_payload, edited_at)
	VALUES ($1, $2, $3, $4, $5)`
	if _, err = tx.ExecContext(ctx, editQuery, record.ID, id, record.ActorID, string(current.Payload), now); err != nil {
		return fmt.Errorf("insert edit record: %w", err)
	}

	// envelope timestamps stay put; the edit record carries its own
	const updateQuery = `UPDATE submissions SET payload = $1, edit_count = edit_count + 1
	WHERE id = $2 AND status = $3 AND edit_count < $4`
	result, err := tx.ExecContext(ctx, updateQuery, string(payload), id, models.StatusPending, models.MaxEdits)
	if err != nil {
		return fmt.Errorf("update submission payload: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check payload update rows: %w", err)
	}
	if rows == 0 {
		return ErrEditLocked
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit payload edit: %w", err)
	}
	return nil
}

// ListEdits returns the edit history oldest first.
func (r *SubmissionRepository) ListEdits(ctx context.Context, submissionID string) ([]models.EditRecord, error) {
	const query = `SELECT id, submission_id, actor_id, previous_payload, edited_at FROM submission_edits
	WHERE submission_id = $1 ORDER BY edited_at ASC, id ASC`
	var edits []models.EditRecord
	if err := r.db.SelectContext(ctx, &edits, query, submissionID); err != nil {
		return nil, fmt.Errorf("list submission edits: %w", err)
	}
	return edits, nil
}

// ListStatusNotes returns committed transitions oldest first.
func (r *SubmissionRepository) ListStatusNotes(ctx context.Context, submissionID string) ([]models.StatusNote, error) {
	const query = `SELECT id, submission_id, from_status, to_status, comment, actor_id, created_at FROM submission_status_notes
	WHERE submission_id = $1 ORDER BY created_at ASC, id ASC`
	var notes []models.StatusNote
	if err := r.db.SelectContext(ctx, &notes, query, submissionID); err != nil {
		return nil, fmt.Errorf("list status notes: %w", err)
	}
	return notes, nil
}

// Search counts and pages summaries inside one read-only repeatable-read transaction so the
// total always describes the set being paged. Page and limit must already be normalised.
func (r *SubmissionRepository) Search(ctx context.Context, filter models.SubmissionFilter) (items []models.SubmissionSummary, total int, err error) {
	where, args := buildSubmissionFilter(filter)

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin search transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	countQuery := `SELECT COUNT(*) FROM submissions` + where
	if err = tx.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	offset := (filter.Page - 1) * filter.Limit
	listQuery := fmt.Sprintf(`SELECT %s FROM submissions%s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		summaryColumns, where, filter.Limit, offset)
	items = make([]models.SubmissionSummary, 0, filter.Limit)
	if total > offset {
		if err = tx.SelectContext(ctx, &items, listQuery, args...); err != nil {
			return nil, 0, fmt.Errorf("list submissions: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit search transaction: %w", err)
	}
	return items, total, nil
}

// SearchAll returns up to max summaries matching the filter, ignoring pagination.
func (r *SubmissionRepository) SearchAll(ctx context.Context, filter models.SubmissionFilter, max int) ([]models.SubmissionSummary, error) {
	where, args := buildSubmissionFilter(filter)
	query := fmt.Sprintf(`SELECT %s FROM submissions%s ORDER BY created_at DESC, id DESC LIMIT %d`, summaryColumns, where, max)
	var items []models.SubmissionSummary
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("export submissions: %w", err)
	}
	return items, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// searchableColumns are the envelope columns matched by free-text search. Payload is never searched.
var searchableColumns = []string{"full_name", "email", "phone", "service", "COALESCE(sub_service, '')", "status", "form_type"}

func buildSubmissionFilter(filter models.SubmissionFilter) (string, []interface{}) {
	conditions := make([]string, 0, 5)
	args := make([]interface{}, 0, 5)

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Service != "" {
		args = append(args, filter.Service)
		conditions = append(conditions, fmt.Sprintf("service = $%d", len(args)))
	}
	if filter.SubService != "" {
		args = append(args, filter.SubService)
		conditions = append(conditions, fmt.Sprintf("sub_service = $%d", len(args)))
	}
	if filter.FormType != "" {
		args = append(args, filter.FormType)
		conditions = append(conditions, fmt.Sprintf("form_type = $%d", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+likeEscaper.Replace(search)+"%")
		placeholder := fmt.Sprintf("$%d", len(args))
		parts := make([]string, len(searchableColumns))
		for i, col := range searchableColumns {
			parts[i] = fmt.Sprintf(`%s ILIKE %s ESCAPE '\'`, col, placeholder)
		}
		conditions = append(conditions, "("+strings.Join(parts, " OR ")+")")
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

package models

import (
	"time"

	"github.com/lib/pq"
)

// Report is an append-only staff message to the submitter.
type Report struct {
	ID           string         `db:"id" json:"id"`
	Seq          int64          `db:"seq" json:"-"`
	SubmissionID string         `db:"submission_id" json:"submissionId"`
	Message      string         `db:"message" json:"message"`
	Type         string         `db:"type" json:"type"`
	DocumentRefs pq.StringArray `db:"document_refs" json:"documentRefs"`
	AuthorID     string         `db:"author_id" json:"authorId"`
	CreatedAt    time.Time      `db:"created_at" json:"createdAt"`
}

// FailedAttachment describes an attachment that was not stored with its report.
type FailedAttachment struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ReportResult is returned when a report is saved but some attachments failed.
type ReportResult struct {
	Report            *Report            `json:"report"`
	Documents         []Document         `json:"documents"`
	FailedAttachments []FailedAttachment `json:"failedAttachments,omitempty"`
}

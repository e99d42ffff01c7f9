package models

import (
	"encoding/json"
	"time"
)

// FormType discriminates the payload shape carried by a submission.
type FormType string

const (
	FormTypeCompany           FormType = "CompanyForm"
	FormTypeTax               FormType = "TaxForm"
	FormTypeOtherRegistration FormType = "OtherRegistrationForm"
	FormTypeROC               FormType = "ROCForm"
	FormTypeReports           FormType = "ReportsForm"
	FormTypeTrademarkISO      FormType = "TrademarkISOForm"
	FormTypeAdvisory          FormType = "AdvisoryForm"
)

// SubmissionStatus is the review lifecycle state. Values are case-sensitive.
type SubmissionStatus string

const (
	StatusPending  SubmissionStatus = "Pending"
	StatusReviewed SubmissionStatus = "Reviewed"
	StatusFiled    SubmissionStatus = "Filed"
)

// MaxEdits caps the number of customer payload edits per submission.
const MaxEdits = 2

// Valid reports whether s is one of the three lifecycle states.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusReviewed, StatusFiled:
		return true
	}
	return false
}

// NextStatus returns the single legal successor of s. Filed has none.
func NextStatus(s SubmissionStatus) (SubmissionStatus, bool) {
	switch s {
	case StatusPending:
		return StatusReviewed, true
	case StatusReviewed:
		return StatusFiled, true
	}
	return "", false
}

// CanTransition reports whether moving from -> to is exactly one step forward.
func CanTransition(from, to SubmissionStatus) bool {
	next, ok := NextStatus(from)
	return ok && next == to
}

// Submission is a customer service request. Envelope fields are copied at write time so
// listing and search never look inside Payload.
type Submission struct {
	ID         string           `db:"id" json:"id"`
	FormType   FormType         `db:"form_type" json:"formType"`
	OwnerID    string           `db:"owner_id" json:"ownerId"`
	FullName   string           `db:"full_name" json:"fullName"`
	Email      string           `db:"email" json:"email"`
	Phone      string           `db:"phone" json:"phone"`
	Service    string           `db:"service" json:"service"`
	SubService *string          `db:"sub_service" json:"subService,omitempty"`
	Status     SubmissionStatus `db:"status" json:"status"`
	Payload    json.RawMessage  `db:"payload" json:"payload"`
	EditCount  int              `db:"edit_count" json:"editCount"`
	CreatedAt  time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updatedAt"`

	Documents     []Document   `db:"-" json:"documents"`
	Reports       []Report     `db:"-" json:"reports"`
	EditHistory   []EditRecord `db:"-" json:"editHistory"`
	StatusHistory []StatusNote `db:"-" json:"statusHistory"`
}

// SubmissionSummary is the formType-independent projection used for listings.
type SubmissionSummary struct {
	ID         string           `db:"id" json:"id"`
	FormType   FormType         `db:"form_type" json:"formType"`
	FullName   string           `db:"full_name" json:"fullName"`
	Email      string           `db:"email" json:"email"`
	Phone      string           `db:"phone" json:"phone"`
	Service    string           `db:"service" json:"service"`
	SubService *string          `db:"sub_service" json:"subService,omitempty"`
	Status     SubmissionStatus `db:"status" json:"status"`
	CreatedAt  time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updatedAt"`
}

// SubmissionFilter captures listing criteria. Zero values mean "any".
type SubmissionFilter struct {
	Status     SubmissionStatus
	Service    string
	SubService string
	FormType   FormType
	Search     string
	Page       int
	Limit      int
}

// SubmissionList is one page of summaries with counts taken from the same snapshot.
type SubmissionList struct {
	Items []SubmissionSummary `json:"items"`
	Total int                 `json:"total"`
	Page  int                 `json:"page"`
	Pages int                 `json:"pages"`
	Limit int                 `json:"limit"`
}

// EditRecord snapshots the payload replaced by a customer edit.
type EditRecord struct {
	ID              string          `db:"id" json:"id"`
	SubmissionID    string          `db:"submission_id" json:"submissionId"`
	ActorID         string          `db:"actor_id" json:"actorId"`
	PreviousPayload json.RawMessage `db:"previous_payload" json:"previousPayload"`
	Timestamp       time.Time       `db:"edited_at" json:"timestamp"`
}

// StatusNote records a committed transition together with the staff comment.
type StatusNote struct {
	ID           string           `db:"id" json:"id"`
	SubmissionID string           `db:"submission_id" json:"submissionId"`
	FromStatus   SubmissionStatus `db:"from_status" json:"fromStatus"`
	ToStatus     SubmissionStatus `db:"to_status" json:"toStatus"`
	Comment      string           `db:"comment" json:"comment"`
	ActorID      string           `db:"actor_id" json:"actorId"`
	CreatedAt    time.Time        `db:"created_at" json:"createdAt"`
}

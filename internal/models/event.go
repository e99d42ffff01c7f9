package models

import "time"

// Outbound notification event types.
const (
	EventSubmissionCreated       = "submission.created"
	EventSubmissionStatusChanged = "submission.status_changed"
	EventReportCreated           = "report.created"
)

// Event is the envelope published to the notification dispatcher.
type Event struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	SubmissionID string                 `json:"submissionId"`
	OwnerID      string                 `json:"ownerId"`
	OccurredAt   time.Time              `json:"occurredAt"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

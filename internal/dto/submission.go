package dto

import (
	"encoding/json"

	"github.com/noah-isme/service-portal-api/internal/models"
)

// CreateSubmissionRequest captures POST /submissions payload.
type CreateSubmissionRequest struct {
	FormType   models.FormType `json:"formType" validate:"required"`
	SubService *string         `json:"subService,omitempty" validate:"omitempty,max=120"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

// UpdatePayloadRequest captures PUT /submissions/:id/payload.
type UpdatePayloadRequest struct {
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// UpdateStatusRequest captures PATCH /submissions/:id/status.
type UpdateStatusRequest struct {
	Status  models.SubmissionStatus `json:"status" validate:"required"`
	Comment string                  `json:"comment" validate:"max=2000"`
}

// SubmissionQuery binds the staff listing query string.
type SubmissionQuery struct {
	Status     string `form:"status"`
	Service    string `form:"service"`
	SubService string `form:"subService"`
	FormType   string `form:"formType"`
	Search     string `form:"search"`
	Page       int    `form:"page"`
	Limit      int    `form:"limit"`
	Format     string `form:"format"`
}

// Filter converts the query into repository criteria.
func (q SubmissionQuery) Filter() models.SubmissionFilter {
	return models.SubmissionFilter{
		Status:     models.SubmissionStatus(q.Status),
		Service:    q.Service,
		SubService: q.SubService,
		FormType:   models.FormType(q.FormType),
		Search:     q.Search,
		Page:       q.Page,
		Limit:      q.Limit,
	}
}

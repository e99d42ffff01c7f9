package dto

// CreateReportRequest captures the JSON variant of POST /submissions/:id/reports.
// The multipart variant binds the same fields from form values.
type CreateReportRequest struct {
	Message      string   `json:"message" form:"message" validate:"required,max=5000"`
	Type         string   `json:"type" form:"type" validate:"required,max=64"`
	DocumentRefs []string `json:"documentRefs" form:"documentRefs" validate:"omitempty,dive,required"`
}

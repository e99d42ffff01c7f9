package handler

import (
	"context"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/service-portal-api/internal/dto"
	"github.com/noah-isme/service-portal-api/internal/models"
	"github.com/noah-isme/service-portal-api/internal/service"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
	"github.com/noah-isme/service-portal-api/pkg/response"
)

const maxReportAttachments = 10

type reportService interface {
	Append(ctx context.Context, submissionID string, req dto.CreateReportRequest, actor models.Actor) (*models.Report, error)
	AppendWithAttachments(ctx context.Context, submissionID string, req dto.CreateReportRequest, attachments []service.DocumentUpload, actor models.Actor) (*models.ReportResult, error)
	ListFor(ctx context.Context, submissionID string, actor models.Actor) ([]models.Report, error)
}

// ReportHandler exposes the staff-to-customer report thread.
type ReportHandler struct {
	reports reportService
}

// NewReportHandler constructs handler.
func NewReportHandler(reports reportService) *ReportHandler {
	return &ReportHandler{reports: reports}
}

// Create godoc
// @Summary Append a report to a submission
// @Description Accepts JSON with documentRefs or multipart form data with attachments.
// @Tags Reports
// @Accept json
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Submission ID"
// @Param message formData string true "Message"
// @Param type formData string true "Report type"
// @Param attachments formData file false "Attachments"
// @Success 201 {object} response.Envelope
// @Failure 207 {object} response.Envelope
// @Router /submissions/{id}/reports [post]
func (h *ReportHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.createWithAttachments(c, actor)
		return
	}

	var req dto.CreateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid report payload"))
		return
	}
	report, err := h.reports.Append(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, report)
}

func (h *ReportHandler) createWithAttachments(c *gin.Context, actor models.Actor) {
	var req dto.CreateReportRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid report payload"))
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid multipart body"))
		return
	}
	headers := form.File["attachments"]
	if len(headers) > maxReportAttachments {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "too many attachments"))
		return
	}

	uploads := make([]service.DocumentUpload, 0, len(headers))
	files := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range files {
			f.Close() //nolint:errcheck
		}
	}()
	for _, header := range headers {
		src, err := header.Open()
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open attachment"))
			return
		}
		files = append(files, src)
		uploads = append(uploads, service.DocumentUpload{
			Filename:    header.Filename,
			Size:        header.Size,
			ContentType: header.Header.Get("Content-Type"),
			Content:     src,
		})
	}

	result, err := h.reports.AppendWithAttachments(c.Request.Context(), c.Param("id"), req, uploads, actor)
	if err != nil {
		// 207 on partial failure: the report exists and the error details carry the result
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// List godoc
// @Summary List reports of a submission
// @Tags Reports
// @Produce json
// @Param id path string true "Submission ID"
// @Success 200 {object} response.Envelope
// @Router /submissions/{id}/reports [get]
func (h *ReportHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	reports, err := h.reports.ListFor(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reports, nil)
}

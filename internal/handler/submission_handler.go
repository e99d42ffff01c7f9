package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/service-portal-api/internal/dto"
	"github.com/noah-isme/service-portal-api/internal/middleware"
	"github.com/noah-isme/service-portal-api/internal/models"
	"github.com/noah-isme/service-portal-api/internal/service"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
	"github.com/noah-isme/service-portal-api/pkg/response"
)

type submissionService interface {
	Create(ctx context.Context, req dto.CreateSubmissionRequest, actor models.Actor) (*models.Submission, error)
	GetByID(ctx context.Context, id string, actor models.Actor) (*models.Submission, error)
	GetByOwner(ctx context.Context, ownerID string, actor models.Actor) ([]models.Submission, error)
	UpdateStatus(ctx context.Context, id string, status models.SubmissionStatus, comment string, actor models.Actor) (*models.Submission, error)
}

type payloadEditor interface {
	RecordEdit(ctx context.Context, submissionID string, payload json.RawMessage, actor models.Actor) (*models.Submission, error)
}

type submissionLister interface {
	List(ctx context.Context, filter models.SubmissionFilter, actor models.Actor) (*models.SubmissionList, error)
}

type submissionExporter interface {
	Export(ctx context.Context, filter models.SubmissionFilter, format string, actor models.Actor) (*service.ExportFile, error)
}

// SubmissionHandler exposes the submission lifecycle endpoints.
type SubmissionHandler struct {
	submissions submissionService
	edits       payloadEditor
	query       submissionLister
	exports     submissionExporter
}

// NewSubmissionHandler constructs the handler.
func NewSubmissionHandler(submissions submissionService, edits payloadEditor, query submissionLister, exports submissionExporter) *SubmissionHandler {
	return &SubmissionHandler{submissions: submissions, edits: edits, query: query, exports: exports}
}

// List godoc
// @Summary List submissions
// @Tags Submissions
// @Produce json
// @Param status query string false "Pending, Reviewed or Filed"
// @Param service query string false "Service label"
// @Param subService query string false "Sub-service"
// @Param formType query string false "Form type"
// @Param search query string false "Matches name, email or phone"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /submissions [get]
func (h *SubmissionHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var query dto.SubmissionQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	list, err := h.query.List(c.Request.Context(), query.Filter(), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Page(c, list, middleware.ExtractMeta(c))
}

// Export godoc
// @Summary Export submissions
// @Tags Submissions
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv or pdf"
// @Success 200 {file} binary
// @Router /submissions/export [get]
func (h *SubmissionHandler) Export(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var query dto.SubmissionQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	file, err := h.exports.Export(c.Request.Context(), query.Filter(), query.Format, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", file.Filename))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, file.ContentType, file.Data)
}

// Create godoc
// @Summary Create submission
// @Tags Submissions
// @Accept json
// @Produce json
// @Param payload body dto.CreateSubmissionRequest true "Submission"
// @Success 201 {object} response.Envelope
// @Router /submissions [post]
func (h *SubmissionHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.CreateSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid submission payload"))
		return
	}
	submission, err := h.submissions.Create(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, submission)
}

// Mine godoc
// @Summary List the caller's submissions
// @Tags Submissions
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /submissions/mine [get]
func (h *SubmissionHandler) Mine(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	items, err := h.submissions.GetByOwner(c.Request.Context(), actor.ID, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Get godoc
// @Summary Get submission detail
// @Tags Submissions
// @Produce json
// @Param id path string true "Submission ID"
// @Success 200 {object} response.Envelope
// @Router /submissions/{id} [get]
func (h *SubmissionHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	submission, err := h.submissions.GetByID(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, submission, nil)
}

// UpdatePayload godoc
// @Summary Edit a pending submission
// @Tags Submissions
// @Accept json
// @Produce json
// @Param id path string true "Submission ID"
// @Param payload body dto.UpdatePayloadRequest true "Replacement payload"
// @Success 200 {object} response.Envelope
// @Router /submissions/{id}/payload [put]
func (h *SubmissionHandler) UpdatePayload(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.UpdatePayloadRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Payload) == 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "payload is required"))
		return
	}
	submission, err := h.edits.RecordEdit(c.Request.Context(), c.Param("id"), req.Payload, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, submission, nil)
}

// UpdateStatus godoc
// @Summary Advance submission status
// @Tags Submissions
// @Accept json
// @Produce json
// @Param id path string true "Submission ID"
// @Param payload body dto.UpdateStatusRequest true "Target status"
// @Success 200 {object} response.Envelope
// @Router /submissions/{id}/status [patch]
func (h *SubmissionHandler) UpdateStatus(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid status payload"))
		return
	}
	submission, err := h.submissions.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status, req.Comment, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, submission, nil)
}

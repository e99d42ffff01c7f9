package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/service-portal-api/internal/dto"
	"github.com/noah-isme/service-portal-api/internal/models"
	"github.com/noah-isme/service-portal-api/internal/service"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
	"github.com/noah-isme/service-portal-api/pkg/response"
)

type documentService interface {
	Attach(ctx context.Context, submissionID string, upload service.DocumentUpload, actor models.Actor) (*models.Document, error)
	ListFor(ctx context.Context, submissionID string, actor models.Actor) ([]models.Document, error)
	Fetch(ctx context.Context, key string, actor models.Actor) (*service.DocumentDownload, error)
	FetchSigned(ctx context.Context, key, token string) (*service.DocumentDownload, error)
	DownloadURL(ctx context.Context, key string, actor models.Actor) (string, time.Time, error)
	WriteArchive(ctx context.Context, submissionID string, w io.Writer, actor models.Actor) error
}

// DocumentHandler manages submission document endpoints.
type DocumentHandler struct {
	documents documentService
	logger    *zap.Logger
}

// NewDocumentHandler constructs the handler.
func NewDocumentHandler(documents documentService, logger *zap.Logger) *DocumentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentHandler{documents: documents, logger: logger}
}

// Upload godoc
// @Summary Upload a document to a submission
// @Tags Documents
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Submission ID"
// @Param file formData file true "Document"
// @Success 201 {object} response.Envelope
// @Router /submissions/{id}/documents [post]
func (h *DocumentHandler) Upload(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close() //nolint:errcheck

	doc, err := h.documents.Attach(c.Request.Context(), c.Param("id"), service.DocumentUpload{
		Filename:    fileHeader.Filename,
		Size:        fileHeader.Size,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Content:     src,
	}, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, h.withDownloadURL(c.Request.Context(), *doc, actor))
}

// List godoc
// @Summary List documents of a submission
// @Tags Documents
// @Produce json
// @Param id path string true "Submission ID"
// @Success 200 {object} response.Envelope
// @Router /submissions/{id}/documents [get]
func (h *DocumentHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	docs, err := h.documents.ListFor(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]dto.DocumentResponse, 0, len(docs))
	for _, doc := range docs {
		items = append(items, h.withDownloadURL(c.Request.Context(), doc, actor))
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Archive godoc
// @Summary Download every document of a submission as a zip
// @Tags Documents
// @Produce application/zip
// @Param id path string true "Submission ID"
// @Success 200 {file} binary
// @Router /submissions/{id}/documents/archive [get]
func (h *DocumentHandler) Archive(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	id := c.Param("id")
	out := &lazyHeaderWriter{ctx: c, filename: fmt.Sprintf("submission-%s-documents.zip", id)}
	if err := h.documents.WriteArchive(c.Request.Context(), id, out, actor); err != nil {
		if !out.started {
			response.Error(c, err)
			return
		}
		// the body is already streaming; truncate and leave a trace
		h.logger.Error("archive stream aborted", zap.String("submission_id", id), zap.Error(err))
		c.Abort()
	}
}

// Download godoc
// @Summary Download a document
// @Description Accepts a bearer token or a signed token query parameter.
// @Tags Documents
// @Produce octet-stream
// @Param key path string true "Document ID or legacy key"
// @Param token query string false "Signed token"
// @Success 200 {file} binary
// @Router /documents/{key}/download [get]
func (h *DocumentHandler) Download(c *gin.Context) {
	var (
		result *service.DocumentDownload
		err    error
	)
	key := c.Param("key")
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		result, err = h.documents.FetchSigned(c.Request.Context(), key, token)
	} else {
		actor, ok := actorFromContext(c)
		if !ok {
			return
		}
		result, err = h.documents.Fetch(c.Request.Context(), key, actor)
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.Content.Close() //nolint:errcheck
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", sanitizeFilename(result.Filename)))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, result.Size, result.MimeType, result.Content, nil)
}

func (h *DocumentHandler) withDownloadURL(ctx context.Context, doc models.Document, actor models.Actor) dto.DocumentResponse {
	resp := dto.DocumentResponse{Document: doc}
	url, expiresAt, err := h.documents.DownloadURL(ctx, doc.ID, actor)
	if err != nil {
		h.logger.Warn("download url unavailable", zap.String("document_id", doc.ID), zap.Error(err))
		return resp
	}
	resp.DownloadURL = url
	resp.ExpiresAt = &expiresAt
	return resp
}

func sanitizeFilename(name string) string {
	return strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(name)
}

// lazyHeaderWriter defers response headers until the first byte so errors
// raised before any output can still be reported as JSON.
type lazyHeaderWriter struct {
	ctx      *gin.Context
	filename string
	started  bool
}

func (w *lazyHeaderWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.started = true
		w.ctx.Header("Content-Type", "application/zip")
		w.ctx.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", w.filename))
		w.ctx.Header("Cache-Control", "no-store")
		w.ctx.Status(http.StatusOK)
	}
	return w.ctx.Writer.Write(p)
}

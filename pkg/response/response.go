// Package response writes the portal's JSON envelope.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/service-portal-api/internal/models"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
)

// Envelope is the body of every JSON response. A partial failure fills both Data and Error.
type Envelope struct {
	Data       interface{}            `json:"data,omitempty"`
	Error      *appErrors.Error       `json:"error,omitempty"`
	Pagination *models.Pagination     `json:"pagination,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// Submission records carry customer contact details, so nothing is cached downstream.
func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}

// JSON sends a success response with optional pagination metadata.
func JSON(c *gin.Context, status int, data interface{}, pagination *models.Pagination, meta ...map[string]interface{}) {
	noStore(c)
	envelope := Envelope{Data: data, Pagination: pagination}
	if len(meta) > 0 && meta[0] != nil {
		envelope.Meta = meta[0]
	}
	c.JSON(status, envelope)
}

// Page sends one page of a submission listing.
func Page(c *gin.Context, list *models.SubmissionList, meta map[string]interface{}) {
	JSON(c, http.StatusOK, list.Items, &models.Pagination{
		Page:  list.Page,
		Limit: list.Limit,
		Total: list.Total,
		Pages: list.Pages,
	}, meta)
}

// Created responds with HTTP 201 Created.
func Created(c *gin.Context, data interface{}) {
	JSON(c, http.StatusCreated, data, nil)
}

// Error converts err to the envelope. For PARTIAL_FAILURE the saved result is echoed
// under data so clients read it from the same place as on success.
func Error(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	noStore(c)
	envelope := Envelope{Error: appErr}
	if appErr.Code == appErrors.ErrPartialFailure.Code {
		envelope.Data = appErr.Details
	}
	c.JSON(appErr.Status, envelope)
}

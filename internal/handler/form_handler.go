package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/service-portal-api/internal/forms"
	"github.com/noah-isme/service-portal-api/internal/models"
	"github.com/noah-isme/service-portal-api/pkg/response"
)

type formRegistry interface {
	FormTypes() []models.FormType
	Describe(formType models.FormType) (forms.Schema, error)
}

// FormHandler publishes the registered form schemas.
type FormHandler struct {
	registry formRegistry
}

// NewFormHandler constructs the handler.
func NewFormHandler(registry formRegistry) *FormHandler {
	return &FormHandler{registry: registry}
}

// List godoc
// @Summary List form schemas
// @Tags Forms
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /forms [get]
func (h *FormHandler) List(c *gin.Context) {
	types := h.registry.FormTypes()
	schemas := make([]forms.Schema, 0, len(types))
	for _, formType := range types {
		schema, err := h.registry.Describe(formType)
		if err != nil {
			response.Error(c, err)
			return
		}
		schemas = append(schemas, schema)
	}
	response.JSON(c, http.StatusOK, schemas, nil)
}

// Describe godoc
// @Summary Describe one form type
// @Tags Forms
// @Produce json
// @Param formType path string true "Form type"
// @Success 200 {object} response.Envelope
// @Router /forms/{formType} [get]
func (h *FormHandler) Describe(c *gin.Context) {
	schema, err := h.registry.Describe(models.FormType(c.Param("formType")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, schema, nil)
}

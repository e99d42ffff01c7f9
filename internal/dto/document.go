package dto

import (
	"time"

	"github.com/noah-isme/service-portal-api/internal/models"
)

// DocumentResponse enriches metadata with a signed download URL.
type DocumentResponse struct {
	models.Document
	DownloadURL string     `json:"downloadUrl,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/service-portal-api/internal/models"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
	"github.com/noah-isme/service-portal-api/pkg/export"
)

// Export formats.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

// maxExportRows caps a single export; larger result sets should be narrowed by filter.
const maxExportRows = 5000

type submissionExportSource interface {
	SearchAll(ctx context.Context, filter models.SubmissionFilter, max int) ([]models.SubmissionSummary, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportFile is a rendered export ready to be streamed.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportService renders filtered submission listings as CSV or PDF.
type ExportService struct {
	repo   submissionExportSource
	forms  formCatalog
	csv    csvRenderer
	pdf    pdfRenderer
	logger *zap.Logger
	now    func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(repo submissionExportSource, forms formCatalog, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{repo: repo, forms: forms, csv: csv, pdf: pdf, logger: logger, now: time.Now}
}

// Export renders every summary matching filter. Paging fields of filter are ignored.
func (s *ExportService) Export(ctx context.Context, filter models.SubmissionFilter, format string, actor models.Actor) (*ExportFile, error) {
	if err := ensureStaff(actor); err != nil {
		return nil, err
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportFormatCSV
	}
	if format != ExportFormatCSV && format != ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	filter, err := normalizeFilter(filter, s.forms)
	if err != nil {
		return nil, err
	}

	rows, err := s.repo.SearchAll(ctx, filter, maxExportRows)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submissions for export")
	}
	dataset := buildSubmissionDataset(rows)

	file := &ExportFile{Filename: s.buildFilename(format)}
	switch format {
	case ExportFormatPDF:
		file.ContentType = "application/pdf"
		file.Data, err = s.pdf.Render(dataset, "Submissions")
	default:
		file.ContentType = "text/csv"
		file.Data, err = s.csv.Render(dataset)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	s.logger.Info("submissions exported", zap.String("format", format), zap.Int("rows", len(rows)), zap.String("actor_id", actor.ID))
	return file, nil
}

func (s *ExportService) buildFilename(format string) string {
	return fmt.Sprintf("submissions_%s.%s", s.now().UTC().Format("20060102_150405"), format)
}

func buildSubmissionDataset(rows []models.SubmissionSummary) export.Dataset {
	dataset := export.Dataset{
		Columns: []export.Column{
			{Key: "id", Label: "ID", Width: 2.2},
			{Key: "createdAt", Label: "Created", Width: 1.4},
			{Key: "fullName", Label: "Name", Width: 1.6},
			{Key: "email", Label: "Email", Width: 1.8},
			{Key: "phone", Label: "Phone", Width: 1.1},
			{Key: "service", Label: "Service", Width: 1.4},
			{Key: "subService", Label: "Sub-service", Width: 1.4},
			{Key: "formType", Label: "Form", Width: 1.3},
			{Key: "status", Label: "Status"},
		},
		Rows: make([]map[string]string, 0, len(rows)),
	}
	for _, row := range rows {
		subService := ""
		if row.SubService != nil {
			subService = *row.SubService
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"id":         row.ID,
			"createdAt":  row.CreatedAt.UTC().Format("2006-01-02 15:04"),
			"fullName":   row.FullName,
			"email":      row.Email,
			"phone":      row.Phone,
			"service":    row.Service,
			"subService": subService,
			"formType":   string(row.FormType),
			"status":     string(row.Status),
		})
	}
	return dataset
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/service-portal-api/internal/dto"
	"github.com/noah-isme/service-portal-api/internal/forms"
	"github.com/noah-isme/service-portal-api/internal/middleware"
	"github.com/noah-isme/service-portal-api/internal/models"
	"github.com/noah-isme/service-portal-api/internal/service"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
)

type envelope struct {
	Data       json.RawMessage    `json:"data"`
	Error      *appErrors.Error   `json:"error"`
	Pagination *models.Pagination `json:"pagination"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func withClaims(claims *models.JWTClaims) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims != nil {
			c.Set(middleware.ContextUserKey, claims)
		}
		c.Next()
	}
}

var (
	staffClaims    = &models.JWTClaims{UserID: "staff-1", Role: models.RoleStaff}
	customerClaims = &models.JWTClaims{UserID: "cust-1", Role: models.RoleCustomer}
)

type fakeSubmissions struct {
	created    dto.CreateSubmissionRequest
	createErr  error
	statusErr  error
	lastStatus models.SubmissionStatus
	ownerID    string
}

func (f *fakeSubmissions) Create(_ context.Context, req dto.CreateSubmissionRequest, actor models.Actor) (*models.Submission, error) {
	f.created = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &models.Submission{ID: "sub-1", OwnerID: actor.ID, FormType: req.FormType, Status: models.StatusPending}, nil
}

func (f *fakeSubmissions) GetByID(_ context.Context, id string, _ models.Actor) (*models.Submission, error) {
	return &models.Submission{ID: id, Status: models.StatusPending}, nil
}

func (f *fakeSubmissions) GetByOwner(_ context.Context, ownerID string, _ models.Actor) ([]models.Submission, error) {
	f.ownerID = ownerID
	return []models.Submission{}, nil
}

func (f *fakeSubmissions) UpdateStatus(_ context.Context, id string, status models.SubmissionStatus, _ string, _ models.Actor) (*models.Submission, error) {
	f.lastStatus = status
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &models.Submission{ID: id, Status: status}, nil
}

type fakeEditor struct{ err error }

func (f fakeEditor) RecordEdit(_ context.Context, id string, payload json.RawMessage, _ models.Actor) (*models.Submission, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Submission{ID: id, Payload: payload}, nil
}

type fakeLister struct{ filter models.SubmissionFilter }

func (f *fakeLister) List(_ context.Context, filter models.SubmissionFilter, _ models.Actor) (*models.SubmissionList, error) {
	f.filter = filter
	return &models.SubmissionList{
		Items: []models.SubmissionSummary{{ID: "a"}, {ID: "b"}},
		Total: 12, Page: 2, Pages: 2, Limit: 10,
	}, nil
}

type fakeExporter struct{}

func (fakeExporter) Export(_ context.Context, _ models.SubmissionFilter, format string, _ models.Actor) (*service.ExportFile, error) {
	if format == "xlsx" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported export format")
	}
	return &service.ExportFile{Filename: "submissions.csv", ContentType: "text/csv", Data: []byte("ID\n")}, nil
}

func newSubmissionRouter(claims *models.JWTClaims, subs *fakeSubmissions, editor fakeEditor, lister *fakeLister) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewSubmissionHandler(subs, editor, lister, fakeExporter{})
	r := gin.New()
	r.Use(middleware.WithResponseMeta(), withClaims(claims))
	r.GET("/submissions", h.List)
	r.GET("/submissions/export", h.Export)
	r.POST("/submissions", h.Create)
	r.GET("/submissions/mine", h.Mine)
	r.GET("/submissions/:id", h.Get)
	r.PUT("/submissions/:id/payload", h.UpdatePayload)
	r.PATCH("/submissions/:id/status", h.UpdateStatus)
	return r
}

func doRequest(r http.Handler, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSubmissionListReturnsPagination(t *testing.T) {
	lister := &fakeLister{}
	r := newSubmissionRouter(staffClaims, &fakeSubmissions{}, fakeEditor{}, lister)

	rec := doRequest(r, http.MethodGet, "/submissions?status=Pending&service=Reports&page=2&limit=10&search=ravi", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 12, env.Pagination.Total)
	assert.Equal(t, 2, env.Pagination.Pages)
	assert.Equal(t, models.StatusPending, lister.filter.Status)
	assert.Equal(t, "Reports", lister.filter.Service)
	assert.Equal(t, "ravi", lister.filter.Search)
	assert.Equal(t, 2, lister.filter.Page)

	rec = doRequest(r, http.MethodGet, "/submissions?page=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmissionCreate(t *testing.T) {
	subs := &fakeSubmissions{}
	r := newSubmissionRouter(customerClaims, subs, fakeEditor{}, &fakeLister{})

	body := `{"formType":"ReportsForm","payload":{"reportType":"MIS","period":"Q1"}}`
	rec := doRequest(r, http.MethodPost, "/submissions", strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, models.FormTypeReports, subs.created.FormType)
	assert.JSONEq(t, `{"reportType":"MIS","period":"Q1"}`, string(subs.created.Payload))

	rec = doRequest(r, http.MethodPost, "/submissions", strings.NewReader(`{`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	subs.createErr = appErrors.Clone(appErrors.ErrUnknownFormType, "unknown form type GSTForm")
	rec = doRequest(r, http.MethodPost, "/submissions", strings.NewReader(`{"formType":"GSTForm","payload":{}}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_FORM_TYPE", decodeEnvelope(t, rec).Error.Code)
}

func TestSubmissionRequiresClaims(t *testing.T) {
	r := newSubmissionRouter(nil, &fakeSubmissions{}, fakeEditor{}, &fakeLister{})
	rec := doRequest(r, http.MethodGet, "/submissions/mine", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmissionMineUsesCaller(t *testing.T) {
	subs := &fakeSubmissions{}
	r := newSubmissionRouter(customerClaims, subs, fakeEditor{}, &fakeLister{})
	rec := doRequest(r, http.MethodGet, "/submissions/mine", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cust-1", subs.ownerID)
	assert.JSONEq(t, `[]`, string(decodeEnvelope(t, rec).Data))
}

func TestSubmissionStatusAndPayloadErrors(t *testing.T) {
	subs := &fakeSubmissions{statusErr: appErrors.Clone(appErrors.ErrInvalidTransition, "cannot move from Filed to Pending")}
	editor := fakeEditor{err: appErrors.Clone(appErrors.ErrEditNotAllowed, "edit limit reached")}
	r := newSubmissionRouter(staffClaims, subs, editor, &fakeLister{})

	rec := doRequest(r, http.MethodPatch, "/submissions/sub-1/status", strings.NewReader(`{"status":"Pending"}`), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, models.StatusPending, subs.lastStatus)

	rec = doRequest(r, http.MethodPut, "/submissions/sub-1/payload", strings.NewReader(`{"payload":{"a":1}}`), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "EDIT_NOT_ALLOWED", decodeEnvelope(t, rec).Error.Code)

	rec = doRequest(r, http.MethodPut, "/submissions/sub-1/payload", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmissionExport(t *testing.T) {
	r := newSubmissionRouter(staffClaims, &fakeSubmissions{}, fakeEditor{}, &fakeLister{})

	rec := doRequest(r, http.MethodGet, "/submissions/export?format=csv", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "submissions.csv")

	rec = doRequest(r, http.MethodGet, "/submissions/export?format=xlsx", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeReports struct {
	jsonReq     dto.CreateReportRequest
	attachments []string
	partial     bool
}

func (f *fakeReports) Append(_ context.Context, id string, req dto.CreateReportRequest, _ models.Actor) (*models.Report, error) {
	f.jsonReq = req
	return &models.Report{ID: "r-1", SubmissionID: id, Message: req.Message}, nil
}

func (f *fakeReports) AppendWithAttachments(_ context.Context, id string, req dto.CreateReportRequest, uploads []service.DocumentUpload, _ models.Actor) (*models.ReportResult, error) {
	for _, u := range uploads {
		data, _ := io.ReadAll(u.Content)
		f.attachments = append(f.attachments, u.Filename+":"+string(data))
	}
	result := &models.ReportResult{Report: &models.Report{ID: "r-2", SubmissionID: id, Message: req.Message}}
	if f.partial {
		result.FailedAttachments = []models.FailedAttachment{{Name: uploads[0].Filename, Reason: "unsupported file type"}}
		return result, appErrors.WithDetails(appErrors.ErrPartialFailure, "some attachments failed", result)
	}
	return result, nil
}

func (f *fakeReports) ListFor(context.Context, string, models.Actor) ([]models.Report, error) {
	return []models.Report{}, nil
}

func multipartReport(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("message", "Filed with ROC"))
	require.NoError(t, w.WriteField("type", "completion"))
	for name, content := range files {
		part, err := w.CreateFormFile("attachments", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestReportCreateJSONAndMultipart(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reports := &fakeReports{}
	h := NewReportHandler(reports)
	r := gin.New()
	r.Use(withClaims(staffClaims))
	r.POST("/submissions/:id/reports", h.Create)

	rec := doRequest(r, http.MethodPost, "/submissions/s-1/reports",
		strings.NewReader(`{"message":"hello","type":"update","documentRefs":["d-1"]}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"d-1"}, reports.jsonReq.DocumentRefs)

	body, contentType := multipartReport(t, map[string]string{"receipt.pdf": "%PDF-1.4"})
	rec = doRequest(r, http.MethodPost, "/submissions/s-1/reports", body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"receipt.pdf:%PDF-1.4"}, reports.attachments)

	reports.partial = true
	body, contentType = multipartReport(t, map[string]string{"notes.txt": "plain"})
	rec = doRequest(r, http.MethodPost, "/submissions/s-1/reports", body, contentType)
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "PARTIAL_FAILURE", env.Error.Code)
	details, ok := env.Error.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, details, "failedAttachments")
}

type fakeDocuments struct {
	signedKey string
	bearerKey string
	archive   error
}

func (f *fakeDocuments) Attach(_ context.Context, id string, upload service.DocumentUpload, _ models.Actor) (*models.Document, error) {
	return &models.Document{ID: "d-1", SubmissionID: id, OriginalName: upload.Filename}, nil
}

func (f *fakeDocuments) ListFor(context.Context, string, models.Actor) ([]models.Document, error) {
	return []models.Document{{ID: "d-1"}}, nil
}

func (f *fakeDocuments) download() *service.DocumentDownload {
	return &service.DocumentDownload{
		Content:  io.NopCloser(strings.NewReader("%PDF-1.4")),
		Filename: "receipt.pdf",
		MimeType: "application/pdf",
		Size:     8,
	}
}

func (f *fakeDocuments) Fetch(_ context.Context, key string, _ models.Actor) (*service.DocumentDownload, error) {
	f.bearerKey = key
	return f.download(), nil
}

func (f *fakeDocuments) FetchSigned(_ context.Context, key, token string) (*service.DocumentDownload, error) {
	if token != "good" {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download token")
	}
	f.signedKey = key
	return f.download(), nil
}

func (f *fakeDocuments) DownloadURL(_ context.Context, key string, _ models.Actor) (string, time.Time, error) {
	return "/api/v1/documents/" + key + "/download?token=t", time.Now().Add(time.Minute), nil
}

func (f *fakeDocuments) WriteArchive(_ context.Context, _ string, w io.Writer, _ models.Actor) error {
	if f.archive != nil {
		return f.archive
	}
	_, err := w.Write([]byte("PK\x03\x04"))
	return err
}

func newDocumentRouter(claims *models.JWTClaims, docs *fakeDocuments) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewDocumentHandler(docs, nil)
	r := gin.New()
	r.Use(withClaims(claims))
	r.POST("/submissions/:id/documents", h.Upload)
	r.GET("/submissions/:id/documents", h.List)
	r.GET("/submissions/:id/documents/archive", h.Archive)
	r.GET("/documents/:key/download", h.Download)
	return r
}

func TestDocumentDownloadBearerAndSigned(t *testing.T) {
	docs := &fakeDocuments{}

	anonymous := newDocumentRouter(nil, docs)
	rec := doRequest(anonymous, http.MethodGet, "/documents/d-1/download?token=good", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-1.4", rec.Body.String())
	assert.Equal(t, "d-1", docs.signedKey)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "receipt.pdf")

	rec = doRequest(anonymous, http.MethodGet, "/documents/d-1/download?token=bad", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(anonymous, http.MethodGet, "/documents/d-1/download", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	authed := newDocumentRouter(customerClaims, docs)
	rec = doRequest(authed, http.MethodGet, "/documents/legacy.pdf/download", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "legacy.pdf", docs.bearerKey)
}

func TestDocumentUploadAndList(t *testing.T) {
	r := newDocumentRouter(customerClaims, &fakeDocuments{})

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", "pan.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF-1.4"))
	require.NoError(t, w.Close())

	rec := doRequest(r, http.MethodPost, "/submissions/s-1/documents", body, w.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created dto.DocumentResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &created))
	assert.Equal(t, "pan.pdf", created.OriginalName)
	assert.Contains(t, created.DownloadURL, "token=")

	rec = doRequest(r, http.MethodPost, "/submissions/s-1/documents", strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(r, http.MethodGet, "/submissions/s-1/documents", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDocumentArchive(t *testing.T) {
	docs := &fakeDocuments{}
	r := newDocumentRouter(customerClaims, docs)

	rec := doRequest(r, http.MethodGet, "/submissions/s-1/documents/archive", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))

	docs.archive = appErrors.ErrForbidden
	rec = doRequest(r, http.MethodGet, "/submissions/s-1/documents/archive", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFormHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewFormHandler(forms.NewRegistry(nil))
	r := gin.New()
	r.GET("/forms", h.List)
	r.GET("/forms/:formType", h.Describe)

	rec := doRequest(r, http.MethodGet, "/forms", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var schemas []forms.Schema
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &schemas))
	assert.Len(t, schemas, 7)

	rec = doRequest(r, http.MethodGet, "/forms/CompanyForm", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(r, http.MethodGet, "/forms/GSTForm", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyReportsFailingChecks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewMetricsHandler(nil, map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	r := gin.New()
	r.GET("/ready", h.Ready)
	r.GET("/health", h.Health)
	r.GET("/metrics", h.Prometheus)

	rec := doRequest(r, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/health", nil, "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(r, http.MethodGet, "/metrics", nil, "").Code)
}

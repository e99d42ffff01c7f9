package service

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/noah-isme/service-portal-api/internal/models"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
	"github.com/noah-isme/service-portal-api/pkg/storage"
)

const sniffLen = 512

type documentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	ListBySubmission(ctx context.Context, submissionID string) ([]models.Document, error)
	Resolve(ctx context.Context, key string) (*models.Document, error)
	Delete(ctx context.Context, id string) error
}

type blobStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

type downloadSigner interface {
	Generate(documentKey, subject string) (string, time.Time, error)
	Parse(token string) (documentKey, subject string, err error)
}

// DocumentUpload carries one incoming file. Size is the declared length, or <= 0 when unknown.
type DocumentUpload struct {
	Filename    string
	Size        int64
	ContentType string
	Content     io.Reader
}

// DocumentDownload bundles an open blob with the metadata needed to serve it.
type DocumentDownload struct {
	Document *models.Document
	Content  io.ReadCloser
	Filename string
	MimeType string
	Size     int64
}

// DocumentServiceConfig holds upload limits and link settings.
type DocumentServiceConfig struct {
	MaxFileSize  int64
	AllowedMIMEs []string
	APIPrefix    string
}

// DocumentService stores submission documents and serves them back.
type DocumentService struct {
	repo        documentStore
	submissions submissionGetter
	blobs       blobStore
	signer      downloadSigner
	metrics     *MetricsService
	logger      *zap.Logger
	cfg         DocumentServiceConfig
	mimeSet     map[string]struct{}
}

// NewDocumentService constructs the service with defaults.
func NewDocumentService(repo documentStore, submissions submissionGetter, blobs blobStore, signer downloadSigner, metrics *MetricsService, logger *zap.Logger, cfg DocumentServiceConfig) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedMIMEs) == 0 {
		cfg.AllowedMIMEs = []string{
			"application/pdf",
			"image/jpeg",
			"image/png",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"application/zip",
		}
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	mimeSet := make(map[string]struct{}, len(cfg.AllowedMIMEs))
	for _, mt := range cfg.AllowedMIMEs {
		mimeSet[strings.ToLower(mt)] = struct{}{}
	}
	return &DocumentService{
		repo:        repo,
		submissions: submissions,
		blobs:       blobs,
		signer:      signer,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		mimeSet:     mimeSet,
	}
}

// Attach streams an upload into blob storage and links it to the submission. Owners attach
// evidence; staff attach completion documents. No document row exists unless the blob was
// stored completely.
func (s *DocumentService) Attach(ctx context.Context, submissionID string, upload DocumentUpload, actor models.Actor) (*models.Document, error) {
	if actor.ID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	submission, err := loadSubmission(ctx, s.submissions, submissionID)
	if err != nil {
		return nil, err
	}
	role := models.UploaderCustomer
	switch {
	case actor.IsStaff():
		role = models.UploaderStaff
	case submission.OwnerID != actor.ID:
		return nil, appErrors.ErrForbidden
	}

	if upload.Content == nil || strings.TrimSpace(upload.Filename) == "" {
		return nil, s.reject("missing_file", "file is required")
	}
	if upload.Size > s.cfg.MaxFileSize {
		return nil, s.reject("too_large", fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxFileSize))
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(upload.Content, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, s.reject("aborted", "upload interrupted")
	}
	head = head[:n]
	if n == 0 {
		return nil, s.reject("empty", "empty file")
	}
	contentType, err := s.resolveContentType(upload.ContentType, http.DetectContentType(head))
	if err != nil {
		return nil, err
	}

	docID := uuid.NewString()
	key := fmt.Sprintf("%s/%s%s", submission.ID, docID, strings.ToLower(filepath.Ext(upload.Filename)))
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to initialise checksum")
	}
	src := &trackingReader{r: io.MultiReader(bytes.NewReader(head), upload.Content)}
	bounded := io.TeeReader(io.LimitReader(src, s.cfg.MaxFileSize+1), hasher)

	written, err := s.blobs.Put(ctx, key, bounded, contentType)
	if err != nil {
		if ctx.Err() != nil || src.err != nil {
			return nil, s.reject("aborted", "upload interrupted")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store document")
	}
	switch {
	case written > s.cfg.MaxFileSize:
		s.discardBlob(key)
		return nil, s.reject("too_large", fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxFileSize))
	case upload.Size > 0 && written != upload.Size:
		s.discardBlob(key)
		return nil, s.reject("aborted", "upload ended before the declared size")
	}

	doc := &models.Document{
		ID:                   docID,
		SubmissionID:         submission.ID,
		OriginalName:         filepath.Base(upload.Filename),
		ContentType:          contentType,
		Size:                 written,
		StorageRef:           key,
		Checksum:             hex.EncodeToString(hasher.Sum(nil)),
		UploadedBy:           actor.ID,
		UploaderRole:         role,
		IsCompletionDocument: role == models.UploaderStaff,
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		s.discardBlob(key)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create document metadata")
	}

	s.metrics.DocumentStored(string(role))
	s.logger.Info("document attached",
		zap.String("submission_id", submission.ID),
		zap.String("document_id", doc.ID),
		zap.String("uploader_role", string(role)),
		zap.Int64("size", doc.Size),
	)
	return doc, nil
}

// Discard removes a document nothing references yet. The row goes before the blob so a
// listed document always has content.
func (s *DocumentService) Discard(ctx context.Context, doc *models.Document) error {
	if err := s.repo.Delete(ctx, doc.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete document metadata")
	}
	s.discardBlob(doc.StorageRef)
	s.logger.Info("document discarded",
		zap.String("submission_id", doc.SubmissionID),
		zap.String("document_id", doc.ID),
	)
	return nil
}

// ListFor returns the submission's documents in upload order.
func (s *DocumentService) ListFor(ctx context.Context, submissionID string, actor models.Actor) ([]models.Document, error) {
	submission, err := loadSubmission(ctx, s.submissions, submissionID)
	if err != nil {
		return nil, err
	}
	if err := ensureReadable(submission, actor); err != nil {
		return nil, err
	}
	docs, err := s.repo.ListBySubmission(ctx, submission.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list documents")
	}
	return nonNilDocuments(docs), nil
}

// Fetch resolves key through the document key accessors and opens the blob.
func (s *DocumentService) Fetch(ctx context.Context, key string, actor models.Actor) (*DocumentDownload, error) {
	doc, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	submission, err := loadSubmission(ctx, s.submissions, doc.SubmissionID)
	if err != nil {
		return nil, err
	}
	if err := ensureReadable(submission, actor); err != nil {
		return nil, err
	}
	return s.open(ctx, doc)
}

// FetchSigned serves a document to the holder of a token minted by DownloadURL.
func (s *DocumentService) FetchSigned(ctx context.Context, key, token string) (*DocumentDownload, error) {
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	documentID, _, err := s.signer.Parse(token)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired token")
	}
	doc, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if doc.ID != documentID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	return s.open(ctx, doc)
}

// DownloadURL returns a signed link to the document valid for the signer's TTL.
func (s *DocumentService) DownloadURL(ctx context.Context, key string, actor models.Actor) (string, time.Time, error) {
	if s.signer == nil {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	doc, err := s.resolve(ctx, key)
	if err != nil {
		return "", time.Time{}, err
	}
	submission, err := loadSubmission(ctx, s.submissions, doc.SubmissionID)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := ensureReadable(submission, actor); err != nil {
		return "", time.Time{}, err
	}
	token, expiresAt, err := s.signer.Generate(doc.ID, actor.ID)
	if err != nil {
		return "", time.Time{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate download token")
	}
	base := strings.TrimRight(s.cfg.APIPrefix, "/")
	return fmt.Sprintf("%s/documents/%s/download?token=%s", base, doc.ID, token), expiresAt, nil
}

// WriteArchive writes a zip of every document of the submission to w.
func (s *DocumentService) WriteArchive(ctx context.Context, submissionID string, w io.Writer, actor models.Actor) error {
	docs, err := s.ListFor(ctx, submissionID, actor)
	if err != nil {
		return err
	}
	archive := zip.NewWriter(w)
	names := make(map[string]int, len(docs))
	for _, doc := range docs {
		download, err := s.Fetch(ctx, doc.ID, actor)
		if err != nil {
			return err
		}
		entry, err := archive.CreateHeader(&zip.FileHeader{
			Name:     uniqueEntryName(names, download.Filename),
			Method:   zip.Deflate,
			Modified: doc.UploadedAt,
		})
		if err == nil {
			_, err = io.Copy(entry, storage.WithContext(ctx, download.Content))
		}
		download.Content.Close() //nolint:errcheck
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write archive")
		}
	}
	if err := archive.Close(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to finalise archive")
	}
	return nil
}

func (s *DocumentService) resolve(ctx context.Context, key string) (*models.Document, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, appErrors.ErrNotFound
	}
	doc, err := s.repo.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve document")
	}
	return doc, nil
}

func (s *DocumentService) open(ctx context.Context, doc *models.Document) (*DocumentDownload, error) {
	content, err := s.blobs.Open(ctx, doc.StorageRef)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			s.logger.Warn("document blob missing", zap.String("document_id", doc.ID), zap.String("storage_ref", doc.StorageRef))
			return nil, appErrors.Clone(appErrors.ErrNotFound, "document content not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open document")
	}
	return &DocumentDownload{
		Document: doc,
		Content:  content,
		Filename: doc.OriginalName,
		MimeType: doc.ContentType,
		Size:     doc.Size,
	}, nil
}

// resolveContentType checks the declared type against the allow-list and the sniffed content.
// An absent declaration falls back to the sniffed type.
func (s *DocumentService) resolveContentType(declared, sniffed string) (string, error) {
	sniffed = baseMediaType(sniffed)
	contentType := baseMediaType(declared)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = sniffed
	}
	if _, ok := s.mimeSet[contentType]; !ok {
		return "", s.reject("content_type", fmt.Sprintf("content type %s not allowed", contentType))
	}
	if !contentMatches(contentType, sniffed) {
		return "", s.reject("content_mismatch", fmt.Sprintf("file content does not match %s", contentType))
	}
	return contentType, nil
}

func (s *DocumentService) reject(reason, message string) error {
	s.metrics.UploadRejected(reason)
	return appErrors.Clone(appErrors.ErrUpload, message)
}

func (s *DocumentService) discardBlob(key string) {
	// the request context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Error("failed to discard orphan blob", zap.String("storage_ref", key), zap.Error(err))
	}
}

func baseMediaType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return strings.ToLower(mediaType)
}

// contentMatches reports whether sniffed content is plausible for the declared type.
// OOXML documents are zip containers and sniff as application/zip.
func contentMatches(declared, sniffed string) bool {
	if declared == sniffed {
		return true
	}
	switch {
	case strings.HasPrefix(declared, "application/vnd.openxmlformats-officedocument."):
		return sniffed == "application/zip"
	case declared == "application/x-zip-compressed":
		return sniffed == "application/zip"
	case declared == "text/csv":
		return sniffed == "text/plain"
	}
	return false
}

// trackingReader remembers the first read error so client aborts can be told apart from
// storage failures.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

func uniqueEntryName(seen map[string]int, name string) string {
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		name = "document"
	}
	count := seen[name]
	seen[name] = count + 1
	if count == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), count+1, ext)
}

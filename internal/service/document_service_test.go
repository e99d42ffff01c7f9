package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/service-portal-api/internal/models"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
	"github.com/noah-isme/service-portal-api/pkg/storage"
)

type memBlobStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deleted []string
	putErr  error
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: make(map[string][]byte)}
}

func (s *memBlobStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error) {
	if s.putErr != nil {
		return 0, s.putErr
	}
	data, err := io.ReadAll(storage.WithContext(ctx, r))
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = data
	return int64(len(data)), nil
}

func (s *memBlobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, storage.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memBlobStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	s.deleted = append(s.deleted, key)
	return nil
}

var pdfContent = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n")

type documentFixture struct {
	*workflowFixture
	blobs   *memBlobStore
	signer  *storage.SignedURLSigner
	service *DocumentService
}

func newDocumentFixture(maxSize int64) *documentFixture {
	f := newWorkflowFixture()
	blobs := newMemBlobStore()
	signer := storage.NewSignedURLSigner("documents-secret", time.Minute)
	svc := NewDocumentService(f.documents, f.submissions, blobs, signer, nil, nil, DocumentServiceConfig{
		MaxFileSize:  maxSize,
		AllowedMIMEs: []string{"application/pdf", "image/png", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		APIPrefix:    "/api/v1",
	})
	return &documentFixture{workflowFixture: f, blobs: blobs, signer: signer, service: svc}
}

func pdfUpload(name string) DocumentUpload {
	return DocumentUpload{Filename: name, Size: int64(len(pdfContent)), ContentType: "application/pdf", Content: bytes.NewReader(pdfContent)}
}

func TestAttachStoresBlobThenMetadata(t *testing.T) {
	ctx := context.Background()
	f := newDocumentFixture(1024)
	created := f.createCompany(t, customerActor)

	doc, err := f.service.Attach(ctx, created.ID, pdfUpload("pan-card.pdf"), customerActor)
	require.NoError(t, err)
	assert.Equal(t, "pan-card.pdf", doc.OriginalName)
	assert.Equal(t, "application/pdf", doc.ContentType)
	assert.Equal(t, int64(len(pdfContent)), doc.Size)
	assert.Equal(t, models.UploaderCustomer, doc.UploaderRole)
	assert.False(t, doc.IsCompletionDocument)
	assert.Len(t, doc.Checksum, 64)
	assert.Equal(t, pdfContent, f.blobs.blobs[doc.StorageRef])

	staffDoc, err := f.service.Attach(ctx, created.ID, pdfUpload("certificate.pdf"), staffActor)
	require.NoError(t, err)
	assert.Equal(t, models.UploaderStaff, staffDoc.UploaderRole)
	assert.True(t, staffDoc.IsCompletionDocument)

	docs, err := f.service.ListFor(ctx, created.ID, customerActor)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestAttachRejections(t *testing.T) {
	ctx := context.Background()
	f := newDocumentFixture(int64(len(pdfContent)) + 8)
	created := f.createCompany(t, customerActor)

	oversize := append(append([]byte{}, pdfContent...), bytes.Repeat([]byte("x"), 64)...)
	pngHeader := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	cases := map[string]DocumentUpload{
		"declared too large":    {Filename: "big.pdf", Size: 10_000, ContentType: "application/pdf", Content: bytes.NewReader(pdfContent)},
		"streamed too large":    {Filename: "big.pdf", ContentType: "application/pdf", Content: bytes.NewReader(oversize)},
		"disallowed type":       {Filename: "notes.txt", ContentType: "text/plain", Content: strings.NewReader("plain notes")},
		"declared pdf is png":   {Filename: "fake.pdf", ContentType: "application/pdf", Content: bytes.NewReader(pngHeader)},
		"empty":                 {Filename: "empty.pdf", ContentType: "application/pdf", Content: bytes.NewReader(nil)},
		"short read":            {Filename: "cut.pdf", Size: int64(len(pdfContent)) + 4, ContentType: "application/pdf", Content: bytes.NewReader(pdfContent)},
		"missing file":          {Filename: "", ContentType: "application/pdf", Content: bytes.NewReader(pdfContent)},
		"client disconnects":    {Filename: "drop.pdf", ContentType: "application/pdf", Content: io.MultiReader(bytes.NewReader(pdfContent[:20]), &failingReader{})},
		"docx declared but pdf": {Filename: "x.docx", ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Content: bytes.NewReader(pdfContent)},
	}
	for name, upload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.Attach(ctx, created.ID, upload, customerActor)
			require.Error(t, err)
			assert.True(t, errors.Is(err, appErrors.ErrUpload), err.Error())
		})
	}
	assert.Empty(t, f.documents.docs)
	assert.Empty(t, f.blobs.blobs)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestAttachCancelledContextLeavesNothing(t *testing.T) {
	f := newDocumentFixture(1024)
	created := f.createCompany(t, customerActor)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.service.Attach(ctx, created.ID, pdfUpload("late.pdf"), customerActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrUpload))
	assert.Empty(t, f.documents.docs)
}

func TestAttachMetadataFailureDeletesBlob(t *testing.T) {
	f := newDocumentFixture(1024)
	created := f.createCompany(t, customerActor)
	f.documents.createErr = errors.New("insert failed")

	_, err := f.service.Attach(context.Background(), created.ID, pdfUpload("lost.pdf"), customerActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInternal))
	assert.Empty(t, f.blobs.blobs)
	assert.Len(t, f.blobs.deleted, 1)
}

func TestAttachAccessControl(t *testing.T) {
	f := newDocumentFixture(1024)
	created := f.createCompany(t, customerActor)

	_, err := f.service.Attach(context.Background(), created.ID, pdfUpload("x.pdf"), otherCustomer)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	_, err = f.service.Attach(context.Background(), "00000000-0000-0000-0000-000000000000", pdfUpload("x.pdf"), customerActor)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestFetchResolvesLegacyKeysIdentically(t *testing.T) {
	ctx := context.Background()
	f := newDocumentFixture(1024)
	created := f.createCompany(t, customerActor)

	const legacyID = "64b7f0c2a1e4d9f1c0a1b2c3"
	ref := created.ID + "/legacy.pdf"
	f.blobs.blobs[ref] = pdfContent

	variants := map[string]models.LegacyDocumentKeys{
		"documentId": {DocumentID: legacyID},
		"_id":        {ObjectID: legacyID},
		"filename":   {Filename: legacyID},
	}
	for field, keys := range variants {
		t.Run(field, func(t *testing.T) {
			f.documents.docs = []models.Document{{
				ID:           fmt.Sprintf("doc-%s", field),
				SubmissionID: created.ID,
				OriginalName: "gst-certificate.pdf",
				ContentType:  "application/pdf",
				StorageRef:   ref,
				LegacyKeys:   keys,
			}}

			download, err := f.service.Fetch(ctx, legacyID, customerActor)
			require.NoError(t, err)
			defer download.Content.Close()
			body, err := io.ReadAll(download.Content)
			require.NoError(t, err)
			assert.Equal(t, pdfContent, body)
			assert.Equal(t, "gst-certificate.pdf", download.Filename)
		})
	}
}

func TestFetchAccessAndMissingBlob(t *testing.T) {
	ctx := context.Background()
	f := newDocumentFixture(1024)
	created := f.createCompany(t, customerActor)
	doc, err := f.service.Attach(ctx, created.ID, pdfUpload("a.pdf"), customerActor)
	require.NoError(t, err)

	_, err = f.service.Fetch(ctx, doc.ID, otherCustomer)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	_, err = f.service.Fetch(ctx, "unknown-key", staffActor)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	delete(f.blobs.blobs, doc.StorageRef)
	_, err = f.service.Fetch(ctx, doc.ID, staffActor)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestDownloadURLRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newDocumentFixture(1024)
	created := f.createCompany(t, customerActor)
	doc, err := f.service.Attach(ctx, created.ID, pdfUpload("a.pdf"), customerActor)
	require.NoError(t, err)

	url, expiresAt, err := f.service.DownloadURL(ctx, doc.ID, customerActor)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/api/v1/documents/"+doc.ID+"/download?token="))
	assert.True(t, expiresAt.After(time.Now()))

	token := url[strings.Index(url, "token=")+len("token="):]
	download, err := f.service.FetchSigned(ctx, doc.ID, token)
	require.NoError(t, err)
	download.Content.Close() //nolint:errcheck

	other, err := f.service.Attach(ctx, created.ID, pdfUpload("b.pdf"), customerActor)
	require.NoError(t, err)
	_, err = f.service.FetchSigned(ctx, other.ID, token)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	_, err = f.service.FetchSigned(ctx, doc.ID, "tampered."+token)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestWriteArchiveZipsEveryDocument(t *testing.T) {
	ctx := context.Background()
	f := newDocumentFixture(1024)
	created := f.createCompany(t, customerActor)
	for i := 0; i < 2; i++ {
		_, err := f.service.Attach(ctx, created.ID, pdfUpload("invoice.pdf"), customerActor)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, f.service.WriteArchive(ctx, created.ID, &buf, customerActor))

	reader, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, reader.File, 2)
	assert.Equal(t, "invoice.pdf", reader.File[0].Name)
	assert.Equal(t, "invoice (2).pdf", reader.File[1].Name)

	entry, err := reader.File[1].Open()
	require.NoError(t, err)
	body, err := io.ReadAll(entry)
	require.NoError(t, err)
	assert.Equal(t, pdfContent, body)

	err = f.service.WriteArchive(ctx, created.ID, io.Discard, otherCustomer)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestDocumentServiceDiscardRemovesRowAndBlob(t *testing.T) {
	ctx := context.Background()
	f := newDocumentFixture(1024)
	created := f.createCompany(t, customerActor)
	doc, err := f.service.Attach(ctx, created.ID, pdfUpload("moa.pdf"), customerActor)
	require.NoError(t, err)

	require.NoError(t, f.service.Discard(ctx, doc))

	docs, err := f.service.ListFor(ctx, created.ID, customerActor)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Empty(t, f.blobs.blobs)
	assert.Equal(t, []string{doc.StorageRef}, f.blobs.deleted)

	_, err = f.service.Fetch(ctx, doc.ID, customerActor)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

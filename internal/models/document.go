package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UploaderRole distinguishes customer evidence from staff deliverables.
type UploaderRole string

const (
	UploaderCustomer UploaderRole = "customer"
	UploaderStaff    UploaderRole = "staff"
)

// LegacyDocumentKeys holds identifiers under which imported records used to expose a document.
type LegacyDocumentKeys struct {
	DocumentID string `json:"documentId,omitempty"`
	ObjectID   string `json:"_id,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

// Value implements driver.Valuer for the jsonb column.
func (k LegacyDocumentKeys) Value() (driver.Value, error) {
	raw, err := json.Marshal(k)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner for the jsonb column.
func (k *LegacyDocumentKeys) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*k = LegacyDocumentKeys{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan legacy keys: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*k = LegacyDocumentKeys{}
		return nil
	}
	return json.Unmarshal(raw, k)
}

// Document is metadata plus a pointer into the blob store.
type Document struct {
	ID                   string             `db:"id" json:"id"`
	SubmissionID         string             `db:"submission_id" json:"submissionId"`
	OriginalName         string             `db:"original_name" json:"originalName"`
	ContentType          string             `db:"content_type" json:"contentType"`
	Size                 int64              `db:"size_bytes" json:"size"`
	StorageRef           string             `db:"storage_ref" json:"-"`
	Checksum             string             `db:"checksum" json:"checksum"`
	UploadedBy           string             `db:"uploaded_by" json:"uploadedBy"`
	UploaderRole         UploaderRole       `db:"uploader_role" json:"uploaderRole"`
	IsCompletionDocument bool               `db:"is_completion_document" json:"isCompletionDocument"`
	LegacyKeys           LegacyDocumentKeys `db:"legacy_keys" json:"-"`
	UploadedAt           time.Time          `db:"uploaded_at" json:"uploadedAt"`
}

// DocumentKeyAccessor reads one candidate identifier from a document record.
type DocumentKeyAccessor struct {
	Name string
	// Column is the SQL expression selecting the same identifier.
	Column string
	Get    func(Document) string
}

// DocumentKeyAccessors is the ordered lookup chain for document keys.
//
// Compatibility shim: historical records expose their identifier as documentId, _id or
// filename depending on form type and vintage. The first accessor that matches wins.
// Remove once legacy_keys is migrated into the canonical id column.
var DocumentKeyAccessors = []DocumentKeyAccessor{
	{Name: "id", Column: "id::text", Get: func(d Document) string { return d.ID }},
	{Name: "documentId", Column: "legacy_keys->>'documentId'", Get: func(d Document) string { return d.LegacyKeys.DocumentID }},
	{Name: "_id", Column: "legacy_keys->>'_id'", Get: func(d Document) string { return d.LegacyKeys.ObjectID }},
	{Name: "filename", Column: "legacy_keys->>'filename'", Get: func(d Document) string { return d.LegacyKeys.Filename }},
}

package domain

import (
	"errors"
	"regexp"
	"time"
)

type IngestionStatus string

const (
	StatusUploaded  IngestionStatus = "uploaded"
	StatusCompleted IngestionStatus = "completed"
	StatusFailed    IngestionStatus = "failed"
)

var (
	// ErrNotFound is returned by stores and object storage for missing records.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a conditional status transition does
	// not find the expected current status.
	ErrStatusConflict = errors.New("status conflict")
)

// Document is an uploaded PDF tracked through ingestion.
type Document struct {
	ID         string
	StorageKey string
	Status     IngestionStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

var uploadKeyPattern = regexp.MustCompile(`^uploads/([a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12})\.pdf$`)

// UploadKey is the object key a document is uploaded under.
func UploadKey(documentID string) string {
	return "uploads/" + documentID + ".pdf"
}

// ParseUploadKey extracts the document id from a key produced by UploadKey.
func ParseUploadKey(key string) (string, bool) {
	m := uploadKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}

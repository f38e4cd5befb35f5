package usecase

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
	"time"

	"pdf-chat/internal/domain"
)

const (
	defaultPresignTTL  = 15 * time.Minute
	defaultDownloadTTL = time.Hour
	maxFilenameLen     = 255
)

// DocumentService owns the upload lifecycle: presigned uploads, upload
// events and administrative resets.
type DocumentService struct {
	documents DocumentStore
	objects   ObjectStore
	ingester  *Ingester
	scheduler Scheduler
	bucket    string
	logger    *slog.Logger

	presignTTL  time.Duration
	downloadTTL time.Duration
}

type DocumentOption func(*DocumentService)

func WithDocumentLogger(l *slog.Logger) DocumentOption {
	return func(s *DocumentService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithURLExpiry(upload, download time.Duration) DocumentOption {
	return func(s *DocumentService) {
		if upload > 0 {
			s.presignTTL = upload
		}
		if download > 0 {
			s.downloadTTL = download
		}
	}
}

func NewDocumentService(docs DocumentStore, objects ObjectStore, ingester *Ingester, scheduler Scheduler, bucket string, opts ...DocumentOption) (*DocumentService, error) {
	switch {
	case docs == nil:
		return nil, errors.New("usecase: document store must not be nil")
	case objects == nil:
		return nil, errors.New("usecase: object store must not be nil")
	case ingester == nil:
		return nil, errors.New("usecase: ingester must not be nil")
	case scheduler == nil:
		return nil, errors.New("usecase: scheduler must not be nil")
	case strings.TrimSpace(bucket) == "":
		return nil, errors.New("usecase: bucket must not be empty")
	}
	s := &DocumentService{
		documents:   docs,
		objects:     objects,
		ingester:    ingester,
		scheduler:   scheduler,
		bucket:      bucket,
		logger:      slog.Default(),
		presignTTL:  defaultPresignTTL,
		downloadTTL: defaultDownloadTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type PresignOutput struct {
	DocumentID string
	URL        string
	ExpiresIn  time.Duration
}

// Presign reserves a document id and returns a URL the client uploads the
// PDF to. No record exists until the upload event arrives.
func (s *DocumentService) Presign(ctx context.Context, filename string) (PresignOutput, error) {
	name := strings.TrimSpace(filename)
	if name == "" {
		return PresignOutput{}, newError(ErrorValidation, "empty_filename", nil)
	}
	if len(name) > maxFilenameLen {
		return PresignOutput{}, newError(ErrorValidation, "filename_too_long", nil)
	}
	if !strings.EqualFold(path.Ext(name), ".pdf") {
		return PresignOutput{}, newError(ErrorValidation, "not_a_pdf", nil)
	}

	id := newUUID()
	url, err := s.objects.PresignUpload(ctx, domain.UploadKey(id), s.presignTTL)
	if err != nil {
		return PresignOutput{}, newError(ErrorInternal, "presign_error", err)
	}
	s.logger.Info("usecase: upload url issued", "document_id", id)
	return PresignOutput{DocumentID: id, URL: url, ExpiresIn: s.presignTTL}, nil
}

type UploadEvent struct {
	Bucket string
	Key    string
}

// HandleUploadEvent registers an uploaded object and schedules ingestion.
// Repeated events for the same key are safe.
func (s *DocumentService) HandleUploadEvent(ctx context.Context, ev UploadEvent) (domain.Document, error) {
	if strings.TrimSpace(ev.Bucket) == "" || strings.TrimSpace(ev.Key) == "" {
		return domain.Document{}, newError(ErrorValidation, "missing_object_reference", nil)
	}
	if ev.Bucket != s.bucket {
		return domain.Document{}, newError(ErrorValidation, "unknown_bucket", nil)
	}
	id, ok := domain.ParseUploadKey(ev.Key)
	if !ok {
		return domain.Document{}, newError(ErrorValidation, "invalid_object_key", nil)
	}

	exists, err := s.objects.Exists(ctx, ev.Key)
	if err != nil {
		return domain.Document{}, newError(ErrorInternal, "object_lookup_error", err)
	}
	if !exists {
		return domain.Document{}, newError(ErrorNotFound, "object_missing", nil)
	}

	doc, created, err := s.documents.CreateDocument(ctx, domain.Document{
		ID:         id,
		StorageKey: ev.Key,
		Status:     domain.StatusUploaded,
	})
	if err != nil {
		return domain.Document{}, newError(ErrorInternal, "document_write_error", err)
	}
	logger := s.logger.With("document_id", doc.ID)
	if !created {
		logger.Info("usecase: duplicate upload event", "status", string(doc.Status))
	}
	if doc.Status == domain.StatusUploaded {
		if err := s.schedule(doc.ID); err != nil {
			return domain.Document{}, err
		}
	}
	return doc, nil
}

func (s *DocumentService) ListDocuments(ctx context.Context, page domain.Page) ([]domain.Document, int, error) {
	page, err := validatePage(page)
	if err != nil {
		return nil, 0, err
	}
	docs, total, err := s.documents.ListDocuments(ctx, page)
	if err != nil {
		return nil, 0, newError(ErrorInternal, "document_list_error", err)
	}
	return docs, total, nil
}

type DocumentDetail struct {
	domain.Document
	DownloadURL string
}

// GetDocument returns a document, with a presigned download URL when asked.
func (s *DocumentService) GetDocument(ctx context.Context, id string, withDownloadURL bool) (DocumentDetail, error) {
	if !validID(id) {
		return DocumentDetail{}, newError(ErrorValidation, "invalid_document_id", nil)
	}
	doc, err := s.documents.GetDocument(ctx, id)
	if err != nil {
		return DocumentDetail{}, storeError("document_lookup_error", err)
	}
	out := DocumentDetail{Document: doc}
	if withDownloadURL {
		out.DownloadURL, err = s.objects.PresignDownload(ctx, doc.StorageKey, s.downloadTTL)
		if err != nil {
			return DocumentDetail{}, newError(ErrorInternal, "presign_error", err)
		}
	}
	return out, nil
}

// Reset moves a document back to uploaded and schedules ingestion again.
func (s *DocumentService) Reset(ctx context.Context, id string) (domain.Document, error) {
	if !validID(id) {
		return domain.Document{}, newError(ErrorValidation, "invalid_document_id", nil)
	}
	if err := s.documents.ResetStatus(ctx, id); err != nil {
		return domain.Document{}, storeError("status_write_error", err)
	}
	doc, err := s.documents.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, storeError("document_lookup_error", err)
	}
	s.logger.Info("usecase: document reset", "document_id", id)
	if err := s.schedule(id); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

func (s *DocumentService) schedule(id string) error {
	err := s.scheduler.Submit("ingest "+id, func(ctx context.Context) error {
		return s.ingester.Ingest(ctx, id)
	})
	if err != nil {
		return newError(ErrorBackendUnavailable, "ingestion_not_scheduled", err)
	}
	return nil
}

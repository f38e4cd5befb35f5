package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pdf-chat/internal/chunker"
	"pdf-chat/internal/domain"
	"pdf-chat/internal/extractor"
)

const (
	metadataPreviewChars = 200

	// statusWriteTimeout bounds the final status write, which runs even after
	// the ingestion context has expired.
	statusWriteTimeout = 10 * time.Second
)

// Ingester extracts, chunks, embeds and indexes uploaded documents.
type Ingester struct {
	documents DocumentStore
	objects   ObjectStore
	embedder  Embedder
	index     VectorIndex
	extract   func([]byte) (string, error)
	logger    *slog.Logger

	chunkTokens  int
	chunkOverlap int
}

type IngestOption func(*Ingester)

func WithIngestLogger(l *slog.Logger) IngestOption {
	return func(in *Ingester) {
		if l != nil {
			in.logger = l
		}
	}
}

func WithChunking(tokens, overlap int) IngestOption {
	return func(in *Ingester) {
		if tokens > 0 {
			in.chunkTokens = tokens
		}
		if overlap >= 0 && overlap < in.chunkTokens {
			in.chunkOverlap = overlap
		}
	}
}

func WithIngestExtractor(fn func([]byte) (string, error)) IngestOption {
	return func(in *Ingester) {
		if fn != nil {
			in.extract = fn
		}
	}
}

func NewIngester(docs DocumentStore, objects ObjectStore, embedder Embedder, index VectorIndex, opts ...IngestOption) (*Ingester, error) {
	if docs == nil || objects == nil || embedder == nil || index == nil {
		return nil, errors.New("usecase: ingester dependencies must not be nil")
	}
	in := &Ingester{
		documents:    docs,
		objects:      objects,
		embedder:     embedder,
		index:        index,
		extract:      extractor.ExtractText,
		logger:       slog.Default(),
		chunkTokens:  chunker.DefaultChunkTokens,
		chunkOverlap: chunker.DefaultOverlapTokens,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

// Ingest indexes one document. Documents not in the uploaded state are
// skipped, so repeated upload events do not re-index.
func (in *Ingester) Ingest(ctx context.Context, documentID string) error {
	logger := in.logger.With("document_id", documentID)
	doc, err := in.documents.GetDocument(ctx, documentID)
	if err != nil {
		return storeError("document_lookup_error", err)
	}
	if doc.Status != domain.StatusUploaded {
		logger.Info("usecase: ingestion skipped", "status", string(doc.Status))
		return nil
	}

	n, err := in.indexDocument(ctx, doc)

	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if err != nil {
		logger.Error("usecase: ingestion failed", "err", err)
		if terr := in.documents.TransitionStatus(statusCtx, doc.ID, domain.StatusUploaded, domain.StatusFailed); terr != nil {
			logger.Error("usecase: mark document failed", "err", terr)
		}
		return err
	}

	if err := in.documents.TransitionStatus(statusCtx, doc.ID, domain.StatusUploaded, domain.StatusCompleted); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			logger.Warn("usecase: document changed state during ingestion", "err", err)
			return nil
		}
		return newError(ErrorInternal, "status_write_error", err)
	}
	logger.Info("usecase: document indexed", "chunks", n)
	return nil
}

func (in *Ingester) indexDocument(ctx context.Context, doc domain.Document) (int, error) {
	data, err := in.objects.Download(ctx, doc.StorageKey)
	if err != nil {
		return 0, storeError("download_error", err)
	}
	text, err := in.extract(data)
	if err != nil {
		return 0, newError(ErrorExtraction, "extraction_error", err)
	}
	chunks := chunker.Split(extractor.Sanitize(text), in.chunkTokens, in.chunkOverlap)
	if len(chunks) == 0 {
		return 0, newError(ErrorNoContent, "no_text", nil)
	}

	vectors, err := in.embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, retrievalError("embedding_error", err)
	}
	if len(vectors) != len(chunks) {
		return 0, newError(ErrorUpstream, "embedding_error", fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks)))
	}

	ids := make([]string, len(chunks))
	metadata := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		ids[i] = ChunkID(doc.ID, i)
		metadata[i] = map[string]any{
			metaDocumentID: doc.ID,
			metaChunkIndex: i,
			metaChunkText:  extractor.Sanitize(extractor.Truncate(c, metadataPreviewChars)),
		}
	}
	if err := in.index.Upsert(ctx, ids, vectors, metadata); err != nil {
		return 0, retrievalError("index_error", err)
	}
	return len(chunks), nil
}

// ChunkID is the vector id of the i-th chunk of a document. Re-ingesting a
// document overwrites its previous vectors.
func ChunkID(documentID string, i int) string {
	return fmt.Sprintf("%s-chunk-%d", documentID, i)
}

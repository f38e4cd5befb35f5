package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pdf-chat/internal/domain"
)

type Completer interface {
	Complete(ctx context.Context, messages []domain.ChatMessage, tools []domain.Tool) (domain.Completion, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorIndex interface {
	Upsert(ctx context.Context, ids []string, vectors [][]float32, metadata []map[string]any) error
	Query(ctx context.Context, vector []float32, topK int, filter string) ([]domain.VectorMatch, error)
}

type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	PresignUpload(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type PageRenderer interface {
	RenderPages(ctx context.Context, data []byte, maxPages int) ([][]byte, error)
}

// Scheduler runs work detached from the calling request.
type Scheduler interface {
	Submit(name string, task func(ctx context.Context) error) error
}

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, bool, error)
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	ListDocuments(ctx context.Context, page domain.Page) ([]domain.Document, int, error)
	TransitionStatus(ctx context.Context, id string, from, to domain.IngestionStatus) error
	ResetStatus(ctx context.Context, id string) error
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, id string) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	ListConversations(ctx context.Context, page domain.Page) ([]domain.ConversationSummary, int, error)
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

var newUUID = func() string {
	return uuid.NewString()
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

const (
	MaxPageLimit     = 100
	DefaultPageLimit = 20
)

func validatePage(p domain.Page) (domain.Page, error) {
	if p.Limit == 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit < 1 || p.Limit > MaxPageLimit {
		return domain.Page{}, newError(ErrorValidation, "invalid_limit", nil)
	}
	if p.Offset < 0 {
		return domain.Page{}, newError(ErrorValidation, "invalid_offset", nil)
	}
	return p, nil
}

// Package repository persists documents, conversations and messages.
package repository

import (
	"context"

	"pdf-chat/internal/domain"
)

// DefaultPageLimit is used when a listing page has no positive limit.
const DefaultPageLimit = 20

// Store is implemented by SQLStore and DynamoStore.
type Store interface {
	// CreateDocument inserts doc unless a document with the same id exists.
	// It returns the stored document and whether it was created.
	CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, bool, error)
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	ListDocuments(ctx context.Context, page domain.Page) ([]domain.Document, int, error)
	// TransitionStatus moves a document from one status to another. It returns
	// domain.ErrStatusConflict when the current status is not from.
	TransitionStatus(ctx context.Context, id string, from, to domain.IngestionStatus) error
	// ResetStatus unconditionally moves a document back to uploaded.
	ResetStatus(ctx context.Context, id string) error

	CreateConversation(ctx context.Context, id string) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	ListConversations(ctx context.Context, page domain.Page) ([]domain.ConversationSummary, int, error)
	// AppendMessage stores msg at the end of its conversation and returns it
	// with ID and CreatedAt filled in.
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

func normalizePage(p domain.Page) domain.Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// window returns the [lo, hi) slice bounds of page within n items.
func window(n int, p domain.Page) (int, int) {
	lo := min(p.Offset, n)
	hi := min(lo+p.Limit, n)
	return lo, hi
}

package domain

import "time"

type RetrievalMode string

const (
	ModeInline RetrievalMode = "inline"
	ModeRAG    RetrievalMode = "rag"
)

// Conversation is an append-only thread of messages.
type Conversation struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationSummary is a listing row.
type ConversationSummary struct {
	Conversation
	MessageCount int
}

// Message is a single persisted conversation turn. RetrievalMode and
// RetrievedChunks are only set on assistant messages answered in RAG mode.
type Message struct {
	ID              string
	ConversationID  string
	Role            Role
	Content         string
	DocumentID      string
	RetrievalMode   RetrievalMode
	RetrievedChunks []RetrievedChunk
	CreatedAt       time.Time
}

// RetrievedChunk is a snippet returned by semantic search.
type RetrievedChunk struct {
	ChunkID    string  `json:"chunk_id,omitempty"`
	DocumentID string  `json:"document_id,omitempty"`
	Text       string  `json:"chunk_text"`
	Score      float64 `json:"similarity_score"`
}

// Page bounds a listing query.
type Page struct {
	Limit  int
	Offset int
}

// VectorMatch is one nearest-neighbour hit from the vector index.
type VectorMatch struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

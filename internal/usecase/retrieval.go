package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"pdf-chat/internal/domain"
	"pdf-chat/internal/integrations/upstash"
)

const (
	semanticSearchTool = "semantic_search"
	defaultTopK        = 5
	maxTopK            = 20

	metaDocumentID = "document_id"
	metaChunkIndex = "chunk_index"
	metaChunkText  = "chunk_text"
)

var semanticSearch = domain.Tool{
	Name:        semanticSearchTool,
	Description: "Search the user's indexed PDF documents for passages relevant to a query. Returns the most similar text chunks with similarity scores.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Natural language search query."},
			"top_k": {"type": "integer", "minimum": 1, "maximum": 20, "default": 5, "description": "Number of chunks to return."}
		},
		"required": ["query"]
	}`),
}

type searchArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type toolChunk struct {
	ChunkText       string  `json:"chunk_text"`
	SimilarityScore float64 `json:"similarity_score"`
}

type toolPayload struct {
	Chunks []toolChunk `json:"chunks"`
	Count  int         `json:"count"`
}

// searcher runs semantic search restricted to a set of documents.
type searcher struct {
	embedder Embedder
	index    VectorIndex
}

func (s searcher) search(ctx context.Context, query string, topK int, documentIDs []string) ([]domain.RetrievedChunk, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vecs))
	}
	matches, err := s.index.Query(ctx, vecs[0], topK, upstash.EqualsAny(metaDocumentID, documentIDs...))
	if err != nil {
		return nil, err
	}
	out := make([]domain.RetrievedChunk, 0, len(matches))
	for _, m := range matches {
		docID, _ := m.Metadata[metaDocumentID].(string)
		text, _ := m.Metadata[metaChunkText].(string)
		out = append(out, domain.RetrievedChunk{ChunkID: m.ID, DocumentID: docID, Text: text, Score: m.Score})
	}
	return out, nil
}

type ragAnswer struct {
	content string
	chunks  []domain.RetrievedChunk
}

// answerWithRetrieval offers the search tool to the model. Tool calls are
// executed concurrently and their results fed back for a final answer.
func (s *ChatService) answerWithRetrieval(ctx context.Context, messages []domain.ChatMessage, documentIDs []string, query string) (ragAnswer, error) {
	first, err := s.llm.Complete(ctx, messages, []domain.Tool{semanticSearch})
	if err != nil {
		return ragAnswer{}, fmt.Errorf("tool completion: %w", err)
	}
	if len(first.ToolCalls) == 0 {
		return s.forceRetrieval(ctx, first, documentIDs, query)
	}

	results := make([][]domain.RetrievedChunk, len(first.ToolCalls))
	toolMsgs := make([]domain.ChatMessage, len(first.ToolCalls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range first.ToolCalls {
		g.Go(func() error {
			chunks, content, err := s.runTool(gctx, call, documentIDs, query)
			if err != nil {
				return err
			}
			results[i] = chunks
			toolMsgs[i] = domain.ChatMessage{Role: domain.RoleTool, ToolCallID: call.ID, Content: content}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ragAnswer{}, err
	}

	followUp := make([]domain.ChatMessage, 0, len(messages)+len(toolMsgs)+1)
	followUp = append(followUp, messages...)
	followUp = append(followUp, domain.ChatMessage{Role: domain.RoleAssistant, Content: first.Content, ToolCalls: first.ToolCalls})
	followUp = append(followUp, toolMsgs...)

	final, err := s.llm.Complete(ctx, followUp, nil)
	if err != nil {
		return ragAnswer{}, fmt.Errorf("final completion: %w", err)
	}

	var chunks []domain.RetrievedChunk
	for _, r := range results {
		chunks = append(chunks, r...)
	}
	s.logger.Info("usecase: answered with tool retrieval", "tool_calls", len(first.ToolCalls), "chunks", len(chunks), "model", final.Model)
	return ragAnswer{content: final.Content, chunks: chunks}, nil
}

// forceRetrieval keeps a direct answer the model gave without calling the
// tool and attaches evidence from one search with the raw user query.
func (s *ChatService) forceRetrieval(ctx context.Context, direct domain.Completion, documentIDs []string, query string) (ragAnswer, error) {
	if strings.TrimSpace(direct.Content) == "" {
		return ragAnswer{}, errors.New("model returned neither an answer nor a tool call")
	}
	chunks, err := s.searcher.search(ctx, query, defaultTopK, documentIDs)
	if err != nil {
		return ragAnswer{}, fmt.Errorf("forced retrieval: %w", err)
	}
	s.logger.Info("usecase: forced retrieval after direct answer", "chunks", len(chunks), "model", direct.Model)
	return ragAnswer{content: direct.Content, chunks: chunks}, nil
}

// runTool executes one tool call and returns its chunks and the tool message
// body. Unknown tools get an error payload so the model can continue.
func (s *ChatService) runTool(ctx context.Context, call domain.ToolCall, documentIDs []string, fallbackQuery string) ([]domain.RetrievedChunk, string, error) {
	if call.Name != semanticSearchTool {
		s.logger.Warn("usecase: model requested unknown tool", "tool", call.Name)
		body, _ := json.Marshal(map[string]string{"error": "unknown tool " + call.Name})
		return nil, string(body), nil
	}

	args := parseSearchArgs(call.Arguments, fallbackQuery)
	chunks, err := s.searcher.search(ctx, args.Query, args.TopK, documentIDs)
	if err != nil {
		return nil, "", fmt.Errorf("semantic_search: %w", err)
	}

	payload := toolPayload{Chunks: make([]toolChunk, 0, len(chunks)), Count: len(chunks)}
	for _, c := range chunks {
		payload.Chunks = append(payload.Chunks, toolChunk{ChunkText: c.Text, SimilarityScore: c.Score})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("semantic_search: encode result: %w", err)
	}
	return chunks, string(body), nil
}

// parseSearchArgs decodes tool arguments, falling back to the user's query
// and the default top_k. top_k is clamped to [1, 20].
func parseSearchArgs(raw, fallbackQuery string) searchArgs {
	var args searchArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		args = searchArgs{}
	}
	args.Query = strings.TrimSpace(args.Query)
	if args.Query == "" {
		args.Query = fallbackQuery
	}
	switch {
	case args.TopK == 0:
		args.TopK = defaultTopK
	case args.TopK < 1:
		args.TopK = 1
	case args.TopK > maxTopK:
		args.TopK = maxTopK
	}
	return args
}

type RetrieveInput struct {
	DocumentIDs []string
	Query       string
	TopK        int
}

// Retrieve runs a semantic search directly, without the chat flow.
func (s *ChatService) Retrieve(ctx context.Context, in RetrieveInput) ([]domain.RetrievedChunk, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, newError(ErrorValidation, "empty_query", nil)
	}
	if len(in.DocumentIDs) == 0 {
		return nil, newError(ErrorValidation, "missing_document_ids", nil)
	}
	for _, id := range in.DocumentIDs {
		if !validID(id) {
			return nil, newError(ErrorValidation, "invalid_document_id", nil)
		}
	}
	topK := in.TopK
	if topK == 0 {
		topK = defaultTopK
	}
	if topK < 1 || topK > maxTopK {
		return nil, newError(ErrorValidation, "invalid_top_k", nil)
	}

	chunks, err := s.searcher.search(ctx, query, topK, in.DocumentIDs)
	if err != nil {
		return nil, retrievalError("semantic_search_error", err)
	}
	return chunks, nil
}

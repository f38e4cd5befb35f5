package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"pdf-chat/internal/domain"
	"pdf-chat/internal/extractor"
	"pdf-chat/internal/integrations/openai"
)

const defaultMaxMessageLen = 8000

// ChatService answers chat turns, switching between inlined documents and
// tool-driven retrieval per turn.
type ChatService struct {
	conversations ConversationStore
	documents     DocumentStore
	llm           Completer
	searcher      searcher
	objects       ObjectStore
	renderer      PageRenderer
	extract       func([]byte) (string, error)
	logger        *slog.Logger

	maxPages      int
	textBudget    int
	maxMessageLen int
}

type ChatOption func(*ChatService)

func WithChatLogger(l *slog.Logger) ChatOption {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInlineLimits caps inlined page images and extracted text characters.
func WithInlineLimits(maxPages, textBudget int) ChatOption {
	return func(s *ChatService) {
		if maxPages > 0 {
			s.maxPages = maxPages
		}
		if textBudget > 0 {
			s.textBudget = textBudget
		}
	}
}

func WithTextExtractor(fn func([]byte) (string, error)) ChatOption {
	return func(s *ChatService) {
		if fn != nil {
			s.extract = fn
		}
	}
}

// ChatDeps groups the collaborators a ChatService needs. Renderer may be nil,
// in which case documents are inlined as extracted text.
type ChatDeps struct {
	Conversations ConversationStore
	Documents     DocumentStore
	LLM           Completer
	Embedder      Embedder
	Index         VectorIndex
	Objects       ObjectStore
	Renderer      PageRenderer
}

func NewChatService(deps ChatDeps, opts ...ChatOption) (*ChatService, error) {
	switch {
	case deps.Conversations == nil:
		return nil, errors.New("usecase: conversation store must not be nil")
	case deps.Documents == nil:
		return nil, errors.New("usecase: document store must not be nil")
	case deps.LLM == nil:
		return nil, errors.New("usecase: completion client must not be nil")
	case deps.Embedder == nil:
		return nil, errors.New("usecase: embedder must not be nil")
	case deps.Index == nil:
		return nil, errors.New("usecase: vector index must not be nil")
	case deps.Objects == nil:
		return nil, errors.New("usecase: object store must not be nil")
	}
	s := &ChatService{
		conversations: deps.Conversations,
		documents:     deps.Documents,
		llm:           deps.LLM,
		searcher:      searcher{embedder: deps.Embedder, index: deps.Index},
		objects:       deps.Objects,
		renderer:      deps.Renderer,
		extract:       extractor.ExtractText,
		logger:        slog.Default(),
		maxPages:      defaultMaxInlinePages,
		textBudget:    defaultInlineTextBudget,
		maxMessageLen: defaultMaxMessageLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type ChatInput struct {
	Message        string
	ConversationID string
	DocumentID     string
}

type ChatOutput struct {
	ConversationID  string
	Response        string
	RetrievalMode   domain.RetrievalMode
	RetrievedChunks []domain.RetrievedChunk
}

func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return ChatOutput{}, newError(ErrorValidation, "empty_message", nil)
	}
	if len([]rune(text)) > s.maxMessageLen {
		return ChatOutput{}, newError(ErrorValidation, "message_too_long", nil)
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID != "" && !validID(convID) {
		return ChatOutput{}, newError(ErrorValidation, "invalid_conversation_id", nil)
	}
	docID := strings.TrimSpace(in.DocumentID)
	if docID != "" && !validID(docID) {
		return ChatOutput{}, newError(ErrorValidation, "invalid_document_id", nil)
	}

	if docID != "" {
		if _, err := s.documents.GetDocument(ctx, docID); err != nil {
			return ChatOutput{}, storeError("document_lookup_error", err)
		}
	}
	conv, err := s.resolveConversation(ctx, convID)
	if err != nil {
		return ChatOutput{}, err
	}
	logger := s.logger.With("conversation_id", conv.ID)

	if _, err := s.conversations.AppendMessage(ctx, domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        text,
		DocumentID:     docID,
	}); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "message_write_error", err)
	}

	history, err := s.conversations.ListMessages(ctx, conv.ID)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "history_read_error", err)
	}
	docs, completed, err := s.classifyDocuments(ctx, history, logger)
	if err != nil {
		return ChatOutput{}, err
	}

	m := &materializer{
		objects:    s.objects,
		renderer:   s.renderer,
		extract:    s.extract,
		maxPages:   s.maxPages,
		textBudget: s.textBudget,
		logger:     logger,
	}

	var out ChatOutput
	if len(completed) == 0 {
		out, err = s.answerInline(ctx, m, history, docs, logger)
	} else {
		out, err = s.answerRAG(ctx, m, history, docs, completed, text, logger)
	}
	if err != nil {
		return ChatOutput{}, err
	}
	out.ConversationID = conv.ID

	reply := domain.Message{ConversationID: conv.ID, Role: domain.RoleAssistant, Content: out.Response}
	if out.RetrievalMode == domain.ModeRAG {
		reply.RetrievalMode = domain.ModeRAG
		reply.RetrievedChunks = out.RetrievedChunks
	}
	if _, err := s.conversations.AppendMessage(ctx, reply); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "message_write_error", err)
	}
	logger.Info("usecase: chat turn answered", "mode", string(out.RetrievalMode), "chunks", len(out.RetrievedChunks))
	return out, nil
}

// resolveConversation returns the conversation with id, creating it when id
// is empty or unknown.
func (s *ChatService) resolveConversation(ctx context.Context, id string) (domain.Conversation, error) {
	if id != "" {
		conv, err := s.conversations.GetConversation(ctx, id)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Conversation{}, newError(ErrorInternal, "conversation_read_error", err)
		}
	} else {
		id = newUUID()
	}
	conv, err := s.conversations.CreateConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "conversation_write_error", err)
	}
	return conv, nil
}

// classifyDocuments loads every document referenced in history and returns
// them by id along with the completed ones in first-reference order.
func (s *ChatService) classifyDocuments(ctx context.Context, history []domain.Message, logger *slog.Logger) (map[string]domain.Document, []string, error) {
	ids := referencedDocumentIDs(history)
	docs := make(map[string]domain.Document, len(ids))
	var completed []string
	for _, id := range ids {
		doc, err := s.documents.GetDocument(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				logger.Warn("usecase: referenced document no longer exists", "document_id", id)
				continue
			}
			return nil, nil, newError(ErrorInternal, "document_lookup_error", err)
		}
		docs[id] = doc
		if doc.Status == domain.StatusCompleted {
			completed = append(completed, id)
		}
	}
	return docs, completed, nil
}

func (s *ChatService) answerInline(ctx context.Context, m *materializer, history []domain.Message, docs map[string]domain.Document, logger *slog.Logger) (ChatOutput, error) {
	messages := m.buildMessages(ctx, history, docs, false, true)
	resp, err := s.llm.Complete(ctx, messages, nil)
	if err != nil && unsupportedInput(err) {
		logger.Warn("usecase: inlined content rejected, retrying with extracted text", "err", err)
		messages = m.buildMessages(ctx, history, docs, false, false)
		resp, err = s.llm.Complete(ctx, messages, nil)
	}
	if err != nil {
		return ChatOutput{}, completionError("completion_error", err)
	}
	return ChatOutput{Response: resp.Content, RetrievalMode: domain.ModeInline, RetrievedChunks: []domain.RetrievedChunk{}}, nil
}

func (s *ChatService) answerRAG(ctx context.Context, m *materializer, history []domain.Message, docs map[string]domain.Document, completed []string, query string, logger *slog.Logger) (ChatOutput, error) {
	messages := m.buildMessages(ctx, history, docs, true, true)
	ans, err := s.answerWithRetrieval(ctx, messages, completed, query)
	if err == nil {
		chunks := ans.chunks
		if chunks == nil {
			chunks = []domain.RetrievedChunk{}
		}
		return ChatOutput{Response: ans.content, RetrievalMode: domain.ModeRAG, RetrievedChunks: chunks}, nil
	}
	if isAuthError(err) {
		return ChatOutput{}, completionError("completion_error", err)
	}

	logger.Warn("usecase: retrieval flow failed, answering directly", "err", err)
	resp, err := s.llm.Complete(ctx, messages, nil)
	if err != nil {
		return ChatOutput{}, completionError("completion_error", err)
	}
	return ChatOutput{Response: resp.Content, RetrievalMode: domain.ModeInline, RetrievedChunks: []domain.RetrievedChunk{}}, nil
}

func unsupportedInput(err error) bool {
	var unavailable *openai.AllModelsUnavailableError
	return errors.As(err, &unavailable) && unavailable.UnsupportedInput()
}

// ListConversations returns one page of conversation summaries and the total.
func (s *ChatService) ListConversations(ctx context.Context, page domain.Page) ([]domain.ConversationSummary, int, error) {
	page, err := validatePage(page)
	if err != nil {
		return nil, 0, err
	}
	items, total, err := s.conversations.ListConversations(ctx, page)
	if err != nil {
		return nil, 0, newError(ErrorInternal, "conversation_list_error", err)
	}
	return items, total, nil
}

type ConversationDetail struct {
	domain.Conversation
	Messages []domain.Message
}

func (s *ChatService) GetConversation(ctx context.Context, id string) (ConversationDetail, error) {
	if !validID(id) {
		return ConversationDetail{}, newError(ErrorValidation, "invalid_conversation_id", nil)
	}
	conv, err := s.conversations.GetConversation(ctx, id)
	if err != nil {
		return ConversationDetail{}, storeError("conversation_read_error", err)
	}
	msgs, err := s.conversations.ListMessages(ctx, id)
	if err != nil {
		return ConversationDetail{}, newError(ErrorInternal, "history_read_error", err)
	}
	return ConversationDetail{Conversation: conv, Messages: msgs}, nil
}

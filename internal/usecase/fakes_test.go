package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pdf-chat/internal/domain"
)

// memStore implements DocumentStore and ConversationStore in memory.
type memStore struct {
	mu        sync.Mutex
	docs      map[string]domain.Document
	convs     map[string]domain.Conversation
	messages  map[string][]domain.Message
	seq       int
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{
		docs:     make(map[string]domain.Document),
		convs:    make(map[string]domain.Conversation),
		messages: make(map[string][]domain.Message),
	}
}

func (s *memStore) tick() time.Time {
	s.seq++
	return time.Date(2025, 1, 1, 0, 0, s.seq, 0, time.UTC)
}

func (s *memStore) CreateDocument(_ context.Context, doc domain.Document) (domain.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.docs[doc.ID]; ok {
		return existing, false, nil
	}
	doc.CreatedAt = s.tick()
	doc.UpdatedAt = doc.CreatedAt
	s.docs[doc.ID] = doc
	return doc, true, nil
}

func (s *memStore) GetDocument(_ context.Context, id string) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return domain.Document{}, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	return doc, nil
}

func (s *memStore) ListDocuments(_ context.Context, page domain.Page) ([]domain.Document, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	lo := min(page.Offset, total)
	hi := min(lo+page.Limit, total)
	return out[lo:hi], total, nil
}

func (s *memStore) TransitionStatus(ctx context.Context, id string, from, to domain.IngestionStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if doc.Status != from {
		return domain.ErrStatusConflict
	}
	doc.Status = to
	doc.UpdatedAt = s.tick()
	s.docs[id] = doc
	return nil
}

func (s *memStore) ResetStatus(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	doc.Status = domain.StatusUploaded
	s.docs[id] = doc
	return nil
}

func (s *memStore) setStatus(id string, status domain.IngestionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.docs[id]
	doc.Status = status
	s.docs[id] = doc
}

func (s *memStore) CreateConversation(_ context.Context, id string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	c := domain.Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
	s.convs[id] = c
	return c, nil
}

func (s *memStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *memStore) ListConversations(_ context.Context, page domain.Page) ([]domain.ConversationSummary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConversationSummary, 0, len(s.convs))
	for id, c := range s.convs {
		out = append(out, domain.ConversationSummary{Conversation: c, MessageCount: len(s.messages[id])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	total := len(out)
	lo := min(page.Offset, total)
	hi := min(lo+page.Limit, total)
	return out[lo:hi], total, nil
}

func (s *memStore) AppendMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return domain.Message{}, s.appendErr
	}
	c, ok := s.convs[msg.ConversationID]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	msg.CreatedAt = s.tick()
	msg.ID = fmt.Sprintf("msg-%d", s.seq)
	c.UpdatedAt = msg.CreatedAt
	s.convs[c.ID] = c
	s.messages[c.ID] = append(s.messages[c.ID], msg)
	return msg, nil
}

func (s *memStore) ListMessages(_ context.Context, id string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages[id]...), nil
}

type fakeObjects struct {
	blobs        map[string][]byte
	downloads    int
	presignedKey string
	presignedTTL time.Duration
	presignErr   error
	existsErr    error
}

func (f *fakeObjects) Download(_ context.Context, key string) ([]byte, error) {
	f.downloads++
	b, ok := f.blobs[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
	}
	return b, nil
}

func (f *fakeObjects) Exists(_ context.Context, key string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.blobs[key]
	return ok, nil
}

func (f *fakeObjects) PresignUpload(_ context.Context, key string, ttl time.Duration) (string, error) {
	f.presignedKey, f.presignedTTL = key, ttl
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://bucket.example/" + key + "?put", nil
}

func (f *fakeObjects) PresignDownload(_ context.Context, key string, ttl time.Duration) (string, error) {
	f.presignedKey, f.presignedTTL = key, ttl
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://bucket.example/" + key + "?get", nil
}

type fakeRenderer struct {
	images [][]byte
	err    error
	calls  int
}

func (f *fakeRenderer) RenderPages(_ context.Context, _ []byte, maxPages int) ([][]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.images) > maxPages {
		return f.images[:maxPages], nil
	}
	return f.images, nil
}

type llmReply struct {
	completion domain.Completion
	err        error
}

type llmCall struct {
	messages []domain.ChatMessage
	tools    []domain.Tool
}

// scriptedLLM returns replies in order and records every call.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []llmReply
	calls   []llmCall
}

func (l *scriptedLLM) Complete(_ context.Context, messages []domain.ChatMessage, tools []domain.Tool) (domain.Completion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, llmCall{messages: messages, tools: tools})
	if len(l.replies) == 0 {
		return domain.Completion{}, errors.New("no reply scripted")
	}
	r := l.replies[0]
	l.replies = l.replies[1:]
	return r.completion, r.err
}

func answer(content string) llmReply {
	return llmReply{completion: domain.Completion{Content: content, Model: "gpt-4o-mini"}}
}

func toolCalls(calls ...domain.ToolCall) llmReply {
	return llmReply{completion: domain.Completion{ToolCalls: calls, Model: "gpt-4o-mini"}}
}

func failure(err error) llmReply {
	return llmReply{err: err}
}

func searchCall(id, query string, topK int) domain.ToolCall {
	args, _ := json.Marshal(searchArgs{Query: query, TopK: topK})
	return domain.ToolCall{ID: id, Name: semanticSearchTool, Arguments: string(args)}
}

// fakeEmbedder maps each text to a one-dimensional vector; unknown texts get 0.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string]float32
	err     error
	inputs  [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{f.vectors[t]}
	}
	return out, nil
}

type indexQuery struct {
	vector []float32
	topK   int
	filter string
}

// fakeIndex returns matches keyed by the first vector component.
type fakeIndex struct {
	mu        sync.Mutex
	matches   map[float32][]domain.VectorMatch
	delays    map[float32]time.Duration
	queries   []indexQuery
	upserted  map[string]map[string]any
	queryErr  error
	upsertErr error
}

func (f *fakeIndex) Upsert(_ context.Context, ids []string, vectors [][]float32, metadata []map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if len(ids) != len(vectors) || len(ids) != len(metadata) {
		return errors.New("argument mismatch")
	}
	if f.upserted == nil {
		f.upserted = make(map[string]map[string]any)
	}
	for i, id := range ids {
		f.upserted[id] = metadata[i]
	}
	return nil
}

func (f *fakeIndex) Query(_ context.Context, vector []float32, topK int, filter string) ([]domain.VectorMatch, error) {
	f.mu.Lock()
	f.queries = append(f.queries, indexQuery{vector: vector, topK: topK, filter: filter})
	delay := f.delays[vector[0]]
	matches := f.matches[vector[0]]
	err := f.queryErr
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return matches, err
}

func match(id, docID, text string, score float64) domain.VectorMatch {
	return domain.VectorMatch{ID: id, Score: score, Metadata: map[string]any{
		metaDocumentID: docID,
		metaChunkText:  text,
	}}
}

// queueScheduler holds submitted tasks until run is called.
type queueScheduler struct {
	tasks []func(ctx context.Context) error
	names []string
	err   error
}

func (q *queueScheduler) Submit(name string, task func(ctx context.Context) error) error {
	if q.err != nil {
		return q.err
	}
	q.names = append(q.names, name)
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *queueScheduler) run(t *testing.T) {
	t.Helper()
	tasks := q.tasks
	q.tasks = nil
	for _, task := range tasks {
		require.NoError(t, task(context.Background()))
	}
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	var ucErr *Error
	require.True(t, errors.As(err, &ucErr), "expected *usecase.Error, got %T: %v", err, err)
	require.Equal(t, code, ucErr.Code)
}

func fixedUUIDs(t *testing.T, ids ...string) {
	t.Helper()
	orig := newUUID
	i := 0
	newUUID = func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
	t.Cleanup(func() { newUUID = orig })
}

func staticText(text string) func([]byte) (string, error) {
	return func([]byte) (string, error) { return text, nil }
}

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pdf-chat/internal/domain"
	"pdf-chat/internal/integrations/openai"
	"pdf-chat/internal/integrations/upstash"
)

const (
	docA    = "11111111-1111-4111-8111-111111111111"
	convA   = "22222222-2222-4222-8222-222222222222"
	pdfText = "Quarterly revenue grew 12 percent while costs stayed flat."
)

type chatFixture struct {
	store    *memStore
	objects  *fakeObjects
	renderer *fakeRenderer
	llm      *scriptedLLM
	embedder *fakeEmbedder
	index    *fakeIndex
	svc      *ChatService
}

func newChatFixture(t *testing.T, replies ...llmReply) *chatFixture {
	t.Helper()
	f := &chatFixture{
		store:    newMemStore(),
		objects:  &fakeObjects{blobs: map[string][]byte{domain.UploadKey(docA): []byte("%PDF-1.4 fake")}},
		renderer: &fakeRenderer{images: [][]byte{[]byte("page-1"), []byte("page-2")}},
		llm:      &scriptedLLM{replies: replies},
		embedder: &fakeEmbedder{vectors: map[string]float32{}},
		index:    &fakeIndex{matches: map[float32][]domain.VectorMatch{}},
	}
	_, _, err := f.store.CreateDocument(context.Background(), domain.Document{
		ID: docA, StorageKey: domain.UploadKey(docA), Status: domain.StatusUploaded,
	})
	require.NoError(t, err)

	f.svc, err = NewChatService(ChatDeps{
		Conversations: f.store,
		Documents:     f.store,
		LLM:           f.llm,
		Embedder:      f.embedder,
		Index:         f.index,
		Objects:       f.objects,
		Renderer:      f.renderer,
	}, WithTextExtractor(staticText(pdfText)))
	require.NoError(t, err)
	return f
}

func unsupported(models ...string) error {
	attempts := make([]openai.Attempt, 0, len(models))
	for _, m := range models {
		attempts = append(attempts, openai.Attempt{Model: m, Category: openai.CategoryUnsupportedInput, Summary: "invalid image"})
	}
	return &openai.AllModelsUnavailableError{Attempts: attempts}
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	_, err := NewChatService(ChatDeps{})
	require.Error(t, err)
}

func TestChat_WithoutDocumentsAnswersInline(t *testing.T) {
	f := newChatFixture(t, answer("Hello there."))

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "  hello  "})
	require.NoError(t, err)
	require.Equal(t, "Hello there.", out.Response)
	require.Equal(t, domain.ModeInline, out.RetrievalMode)
	require.NotNil(t, out.RetrievedChunks)
	require.Empty(t, out.RetrievedChunks)
	require.True(t, validID(out.ConversationID))

	require.Len(t, f.llm.calls, 1)
	require.Nil(t, f.llm.calls[0].tools)
	msgs := f.llm.calls[0].messages
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleSystem, msgs[0].Role)
	require.NotContains(t, msgs[0].Content, semanticSearchTool)
	require.Equal(t, "hello", msgs[1].Content)

	stored, err := f.store.ListMessages(context.Background(), out.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, domain.RoleAssistant, stored[1].Role)
	require.Empty(t, stored[1].RetrievalMode)
	require.Nil(t, stored[1].RetrievedChunks)
}

func TestChat_InlinesUploadedDocumentAsPageImages(t *testing.T) {
	f := newChatFixture(t, answer("It is a report."))

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "What is this?", DocumentID: docA})
	require.NoError(t, err)
	require.Equal(t, domain.ModeInline, out.RetrievalMode)

	user := f.llm.calls[0].messages[1]
	require.True(t, user.HasImages())
	require.Len(t, user.Parts, 3)
	require.Equal(t, domain.PartText, user.Parts[0].Type)
	require.Equal(t, "What is this?", user.Parts[0].Text)
	require.True(t, strings.HasPrefix(user.Parts[1].ImageURL, "data:image/png;base64,"))
}

func TestChat_FallsBackToExtractedTextWhenRenderingFails(t *testing.T) {
	f := newChatFixture(t, answer("ok"))
	f.renderer.err = errors.New("pdftoppm: not found")

	_, err := f.svc.Chat(context.Background(), ChatInput{Message: "Summarize", DocumentID: docA})
	require.NoError(t, err)

	user := f.llm.calls[0].messages[1]
	require.False(t, user.HasImages())
	require.Contains(t, user.Content, "PDF Content:\n"+pdfText)
	require.Contains(t, user.Content, noteImagesUnavailable)
}

func TestChat_TruncatesInlinedText(t *testing.T) {
	f := newChatFixture(t, answer("ok"))
	f.renderer.err = errors.New("render failed")
	long := strings.Repeat("a", defaultInlineTextBudget+500)
	f.svc.extract = staticText(long)

	_, err := f.svc.Chat(context.Background(), ChatInput{Message: "Summarize", DocumentID: docA})
	require.NoError(t, err)

	content := f.llm.calls[0].messages[1].Content
	require.Contains(t, content, strings.Repeat("a", defaultInlineTextBudget))
	require.NotContains(t, content, strings.Repeat("a", defaultInlineTextBudget+1))
}

func TestChat_NotesMissingContent(t *testing.T) {
	f := newChatFixture(t, answer("ok"))
	f.renderer.err = errors.New("render failed")
	f.svc.extract = func([]byte) (string, error) { return "", errors.New("no text") }

	_, err := f.svc.Chat(context.Background(), ChatInput{Message: "Summarize", DocumentID: docA})
	require.NoError(t, err)
	require.Equal(t, "Summarize\n\n"+noteContentMissing, f.llm.calls[0].messages[1].Content)
}

func TestChat_RetriesTextOnlyOnceWhenImagesRejected(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{name: "every model rejects images", err: unsupported("gpt-4o", "gpt-4o-mini")},
		{
			name: "rejections mixed with unavailable models",
			err: &openai.AllModelsUnavailableError{Attempts: []openai.Attempt{
				{Model: "gpt-4o-mini", Category: openai.CategoryUnsupportedInput, Summary: "invalid image"},
				{Model: "gpt-4.1", Category: openai.CategoryModelUnavailable, Summary: "model_not_found"},
				{Model: "gpt-4o", Category: openai.CategoryUnsupportedInput, Summary: "invalid image"},
			}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newChatFixture(t, failure(tc.err), answer("From the text: revenue grew."))

			out, err := f.svc.Chat(context.Background(), ChatInput{Message: "What grew?", DocumentID: docA})
			require.NoError(t, err)
			require.Equal(t, "From the text: revenue grew.", out.Response)
			require.Equal(t, domain.ModeInline, out.RetrievalMode)

			require.Len(t, f.llm.calls, 2)
			require.True(t, f.llm.calls[0].messages[1].HasImages())
			retry := f.llm.calls[1].messages[1]
			require.False(t, retry.HasImages())
			require.Contains(t, retry.Content, "PDF Content:\n"+pdfText)
			require.NotContains(t, retry.Content, noteImagesUnavailable)

			require.Equal(t, 1, f.objects.downloads)
			require.Equal(t, 1, f.renderer.calls)
		})
	}
}

func TestChat_TextOnlyRetryHappensAtMostOnce(t *testing.T) {
	f := newChatFixture(t,
		failure(unsupported("gpt-4o")),
		failure(unsupported("gpt-4o")),
		answer("never reached"),
	)

	_, err := f.svc.Chat(context.Background(), ChatInput{Message: "What grew?", DocumentID: docA})
	requireCode(t, err, ErrorBackendUnavailable)
	require.Len(t, f.llm.calls, 2)
}

func TestChat_InlineFailuresWithoutRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{
			name: "rate limited everywhere",
			err: &openai.AllModelsUnavailableError{Attempts: []openai.Attempt{
				{Model: "gpt-4o", Category: openai.CategoryRateLimited},
				{Model: "gpt-4o-mini", Category: openai.CategoryModelUnavailable},
			}},
			code: ErrorBackendUnavailable,
		},
		{name: "auth", err: &openai.AuthError{Model: "gpt-4o", Err: errors.New("401")}, code: ErrorAuth},
		{name: "other", err: errors.New("connection reset"), code: ErrorUpstream},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newChatFixture(t, failure(tc.err), answer("never reached"))

			_, err := f.svc.Chat(context.Background(), ChatInput{Message: "hi", DocumentID: docA})
			requireCode(t, err, tc.code)
			require.Len(t, f.llm.calls, 1)
		})
	}
}

func TestChat_CompletedDocumentRunsToolCallsInOrder(t *testing.T) {
	f := newChatFixture(t,
		toolCalls(searchCall("call-1", "revenue", 3), searchCall("call-2", "costs", 0)),
		answer("Revenue grew while costs stayed flat."),
	)
	f.store.setStatus(docA, domain.StatusCompleted)
	f.embedder.vectors = map[string]float32{"revenue": 1, "costs": 2}
	f.index.matches = map[float32][]domain.VectorMatch{
		1: {match(docA+"-chunk-0", docA, "revenue grew 12 percent", 0.92)},
		2: {match(docA+"-chunk-3", docA, "costs stayed flat", 0.88), match(docA+"-chunk-4", docA, "opex", 0.71)},
	}
	// The first call finishes last.
	f.index.delays = map[float32]time.Duration{1: 30 * time.Millisecond}

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "How did the quarter go?", DocumentID: docA})
	require.NoError(t, err)
	require.Equal(t, domain.ModeRAG, out.RetrievalMode)
	require.Equal(t, "Revenue grew while costs stayed flat.", out.Response)

	ids := make([]string, 0, len(out.RetrievedChunks))
	for _, c := range out.RetrievedChunks {
		ids = append(ids, c.ChunkID)
	}
	require.Equal(t, []string{docA + "-chunk-0", docA + "-chunk-3", docA + "-chunk-4"}, ids)

	require.Len(t, f.llm.calls, 2)
	require.Len(t, f.llm.calls[0].tools, 1)
	require.Equal(t, semanticSearchTool, f.llm.calls[0].tools[0].Name)
	require.Contains(t, f.llm.calls[0].messages[0].Content, semanticSearchTool)
	require.Nil(t, f.llm.calls[1].tools)

	followUp := f.llm.calls[1].messages
	n := len(followUp)
	require.Equal(t, domain.RoleAssistant, followUp[n-3].Role)
	require.Len(t, followUp[n-3].ToolCalls, 2)
	require.Equal(t, "call-1", followUp[n-2].ToolCallID)
	require.Equal(t, "call-2", followUp[n-1].ToolCallID)

	var payload toolPayload
	require.NoError(t, json.Unmarshal([]byte(followUp[n-1].Content), &payload))
	require.Equal(t, 2, payload.Count)
	require.Equal(t, toolChunk{ChunkText: "costs stayed flat", SimilarityScore: 0.88}, payload.Chunks[0])

	require.Len(t, f.index.queries, 2)
	topKs := map[float32]int{}
	for _, q := range f.index.queries {
		require.Equal(t, "document_id = '"+docA+"'", q.filter)
		topKs[q.vector[0]] = q.topK
	}
	require.Equal(t, map[float32]int{1: 3, 2: defaultTopK}, topKs)

	// Completed documents are never inlined.
	require.Zero(t, f.objects.downloads)
	require.Zero(t, f.renderer.calls)

	stored, err := f.store.ListMessages(context.Background(), out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, domain.ModeRAG, stored[1].RetrievalMode)
	require.Len(t, stored[1].RetrievedChunks, 3)
}

func TestChat_DirectAnswerGetsForcedRetrieval(t *testing.T) {
	f := newChatFixture(t, answer("Revenue grew 12 percent."))
	f.store.setStatus(docA, domain.StatusCompleted)
	f.embedder.vectors = map[string]float32{"What grew?": 7}
	f.index.matches = map[float32][]domain.VectorMatch{7: {match(docA+"-chunk-0", docA, "revenue grew", 0.9)}}

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "What grew?", DocumentID: docA})
	require.NoError(t, err)
	require.Equal(t, domain.ModeRAG, out.RetrievalMode)
	require.Equal(t, "Revenue grew 12 percent.", out.Response)
	require.Equal(t, []domain.RetrievedChunk{{ChunkID: docA + "-chunk-0", DocumentID: docA, Text: "revenue grew", Score: 0.9}}, out.RetrievedChunks)

	require.Len(t, f.llm.calls, 1)
	require.Len(t, f.index.queries, 1)
	require.Equal(t, defaultTopK, f.index.queries[0].topK)
}

func TestChat_RetrievalFailuresDegradeToDirectAnswer(t *testing.T) {
	cases := []struct {
		name    string
		replies []llmReply
		setup   func(f *chatFixture)
	}{
		{
			name:    "empty direct answer",
			replies: []llmReply{answer("  "), answer("Plain answer.")},
		},
		{
			name:    "index error",
			replies: []llmReply{toolCalls(searchCall("call-1", "revenue", 5)), answer("Plain answer.")},
			setup: func(f *chatFixture) {
				f.index.queryErr = &upstash.IndexError{Op: "query", StatusCode: 500, Err: errors.New("boom")}
			},
		},
		{
			name:    "embedding error",
			replies: []llmReply{toolCalls(searchCall("call-1", "revenue", 5)), answer("Plain answer.")},
			setup: func(f *chatFixture) {
				f.embedder.err = &openai.EmbeddingError{Err: errors.New("rate limited")}
			},
		},
		{
			name:    "final completion error",
			replies: []llmReply{toolCalls(searchCall("call-1", "revenue", 5)), failure(errors.New("reset")), answer("Plain answer.")},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newChatFixture(t, tc.replies...)
			f.store.setStatus(docA, domain.StatusCompleted)
			if tc.setup != nil {
				tc.setup(f)
			}

			out, err := f.svc.Chat(context.Background(), ChatInput{Message: "What grew?", DocumentID: docA})
			require.NoError(t, err)
			require.Equal(t, "Plain answer.", out.Response)
			require.Equal(t, domain.ModeInline, out.RetrievalMode)
			require.NotNil(t, out.RetrievedChunks)
			require.Empty(t, out.RetrievedChunks)

			last := f.llm.calls[len(f.llm.calls)-1]
			require.Nil(t, last.tools)
		})
	}
}

func TestChat_AuthErrorDuringRetrievalIsFatal(t *testing.T) {
	f := newChatFixture(t, failure(&openai.AuthError{Model: "gpt-4o", Err: errors.New("401")}), answer("never reached"))
	f.store.setStatus(docA, domain.StatusCompleted)

	_, err := f.svc.Chat(context.Background(), ChatInput{Message: "What grew?", DocumentID: docA, ConversationID: convA})
	requireCode(t, err, ErrorAuth)
	require.Len(t, f.llm.calls, 1)

	stored, err := f.store.ListMessages(context.Background(), convA)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, domain.RoleUser, stored[0].Role)
}

func TestChat_EmbeddingAuthErrorDuringRetrievalIsFatal(t *testing.T) {
	f := newChatFixture(t, toolCalls(searchCall("call-1", "revenue", 5)), answer("never reached"))
	f.store.setStatus(docA, domain.StatusCompleted)
	f.embedder.err = &openai.AuthError{Model: "text-embedding-3-small", Err: errors.New("401")}

	_, err := f.svc.Chat(context.Background(), ChatInput{Message: "What grew?", DocumentID: docA})
	requireCode(t, err, ErrorAuth)
	require.Len(t, f.llm.calls, 1)
}

func TestChat_StopsInliningOnceDocumentCompletes(t *testing.T) {
	f := newChatFixture(t, answer("inline answer"), answer("rag answer"))

	first, err := f.svc.Chat(context.Background(), ChatInput{Message: "What is this?", DocumentID: docA})
	require.NoError(t, err)
	require.Equal(t, domain.ModeInline, first.RetrievalMode)
	require.True(t, f.llm.calls[0].messages[1].HasImages())

	f.store.setStatus(docA, domain.StatusCompleted)

	second, err := f.svc.Chat(context.Background(), ChatInput{Message: "And the costs?", ConversationID: first.ConversationID})
	require.NoError(t, err)
	require.Equal(t, first.ConversationID, second.ConversationID)
	require.Equal(t, domain.ModeRAG, second.RetrievalMode)
	require.NotNil(t, second.RetrievedChunks)

	replay := f.llm.calls[1].messages
	require.Len(t, replay, 4)
	for _, m := range replay {
		require.False(t, m.HasImages())
		require.NotContains(t, m.Content, "PDF Content:")
	}
	require.Equal(t, "What is this?", replay[1].Content)
	require.Len(t, f.llm.calls[1].tools, 1)
	require.Equal(t, "document_id = '"+docA+"'", f.index.queries[0].filter)
}

func TestChat_Validation(t *testing.T) {
	cases := []struct {
		name string
		in   ChatInput
		code ErrorCode
	}{
		{name: "empty message", in: ChatInput{Message: "   "}, code: ErrorValidation},
		{name: "message too long", in: ChatInput{Message: strings.Repeat("x", defaultMaxMessageLen+1)}, code: ErrorValidation},
		{name: "bad conversation id", in: ChatInput{Message: "hi", ConversationID: "conv-1"}, code: ErrorValidation},
		{name: "bad document id", in: ChatInput{Message: "hi", DocumentID: "doc.pdf"}, code: ErrorValidation},
		{name: "unknown document", in: ChatInput{Message: "hi", DocumentID: "33333333-3333-4333-8333-333333333333"}, code: ErrorNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newChatFixture(t, answer("never reached"))
			_, err := f.svc.Chat(context.Background(), tc.in)
			requireCode(t, err, tc.code)
			require.Empty(t, f.llm.calls)
		})
	}
}

func TestChat_UnknownConversationIDIsCreated(t *testing.T) {
	f := newChatFixture(t, answer("hi"))

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "hello", ConversationID: convA})
	require.NoError(t, err)
	require.Equal(t, convA, out.ConversationID)

	conv, err := f.store.GetConversation(context.Background(), convA)
	require.NoError(t, err)
	require.Equal(t, convA, conv.ID)
}

func TestChat_PersistFailureIsInternal(t *testing.T) {
	f := newChatFixture(t, answer("hi"))
	f.store.appendErr = errors.New("disk full")

	_, err := f.svc.Chat(context.Background(), ChatInput{Message: "hello"})
	requireCode(t, err, ErrorInternal)
}

func TestChat_InlineThenRAGAfterIngestion(t *testing.T) {
	f := newChatFixture(t,
		answer("It is a quarterly report."),
		toolCalls(searchCall("call-1", "revenue growth", 5)),
		answer("Revenue grew 12 percent."),
	)
	// Start from an empty store; the upload event creates the document.
	f.store = newMemStore()
	var err error
	f.svc, err = NewChatService(ChatDeps{
		Conversations: f.store, Documents: f.store, LLM: f.llm, Embedder: f.embedder,
		Index: f.index, Objects: f.objects, Renderer: f.renderer,
	}, WithTextExtractor(staticText(pdfText)))
	require.NoError(t, err)

	ingester, err := NewIngester(f.store, f.objects, f.embedder, f.index, WithIngestExtractor(staticText(pdfText)))
	require.NoError(t, err)
	sched := &queueScheduler{}
	docs, err := NewDocumentService(f.store, f.objects, ingester, sched, "pdf-bucket")
	require.NoError(t, err)

	doc, err := docs.HandleUploadEvent(context.Background(), UploadEvent{Bucket: "pdf-bucket", Key: domain.UploadKey(docA)})
	require.NoError(t, err)
	require.Equal(t, domain.StatusUploaded, doc.Status)
	require.Len(t, sched.tasks, 1)

	first, err := f.svc.Chat(context.Background(), ChatInput{Message: "What is this?", DocumentID: docA})
	require.NoError(t, err)
	require.Equal(t, domain.ModeInline, first.RetrievalMode)
	require.Empty(t, first.RetrievedChunks)

	sched.run(t)
	doc, err = f.store.GetDocument(context.Background(), docA)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, doc.Status)
	require.Contains(t, f.index.upserted, ChunkID(docA, 0))

	f.embedder.vectors["revenue growth"] = 4
	f.index.matches[4] = []domain.VectorMatch{match(ChunkID(docA, 0), docA, pdfText, 0.93)}

	second, err := f.svc.Chat(context.Background(), ChatInput{Message: "How much did revenue grow?", ConversationID: first.ConversationID})
	require.NoError(t, err)
	require.Equal(t, domain.ModeRAG, second.RetrievalMode)
	require.Equal(t, "Revenue grew 12 percent.", second.Response)
	require.Len(t, second.RetrievedChunks, 1)
	require.Equal(t, 0.93, second.RetrievedChunks[0].Score)
}

func TestListConversations(t *testing.T) {
	f := newChatFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.store.CreateConversation(context.Background(), newUUID())
		require.NoError(t, err)
	}

	items, total, err := f.svc.ListConversations(context.Background(), domain.Page{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, items, 2)

	_, _, err = f.svc.ListConversations(context.Background(), domain.Page{Limit: 101})
	requireCode(t, err, ErrorValidation)
	_, _, err = f.svc.ListConversations(context.Background(), domain.Page{Limit: 10, Offset: -1})
	requireCode(t, err, ErrorValidation)
}

func TestGetConversation(t *testing.T) {
	f := newChatFixture(t, answer("hi"))
	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "hello"})
	require.NoError(t, err)

	detail, err := f.svc.GetConversation(context.Background(), out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, out.ConversationID, detail.ID)
	require.Len(t, detail.Messages, 2)

	_, err = f.svc.GetConversation(context.Background(), convA)
	requireCode(t, err, ErrorNotFound)
	_, err = f.svc.GetConversation(context.Background(), "nope")
	requireCode(t, err, ErrorValidation)
}

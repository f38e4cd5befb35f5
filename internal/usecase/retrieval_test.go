package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"pdf-chat/internal/domain"
	"pdf-chat/internal/integrations/openai"
	"pdf-chat/internal/integrations/upstash"
)

func TestParseSearchArgs(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want searchArgs
	}{
		{name: "full", raw: `{"query":"budget","top_k":7}`, want: searchArgs{Query: "budget", TopK: 7}},
		{name: "default top_k", raw: `{"query":"budget"}`, want: searchArgs{Query: "budget", TopK: defaultTopK}},
		{name: "clamped high", raw: `{"query":"budget","top_k":50}`, want: searchArgs{Query: "budget", TopK: maxTopK}},
		{name: "clamped low", raw: `{"query":"budget","top_k":-3}`, want: searchArgs{Query: "budget", TopK: 1}},
		{name: "blank query", raw: `{"query":"  ","top_k":2}`, want: searchArgs{Query: "user question", TopK: 2}},
		{name: "invalid json", raw: `{"query":`, want: searchArgs{Query: "user question", TopK: defaultTopK}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, parseSearchArgs(tc.raw, "user question"))
		})
	}
}

func TestRunTool_UnknownToolGetsErrorPayload(t *testing.T) {
	f := newChatFixture(t)
	chunks, body, err := f.svc.runTool(context.Background(), domain.ToolCall{ID: "c1", Name: "web_search"}, []string{docA}, "q")
	require.NoError(t, err)
	require.Nil(t, chunks)
	require.JSONEq(t, `{"error":"unknown tool web_search"}`, body)
	require.Empty(t, f.index.queries)
}

func TestRetrieve(t *testing.T) {
	docB := "44444444-4444-4444-8444-444444444444"
	f := newChatFixture(t)
	f.embedder.vectors = map[string]float32{"budget": 3}
	f.index.matches = map[float32][]domain.VectorMatch{3: {
		match(docB+"-chunk-2", docB, "the budget was approved", 0.81),
		match(docA+"-chunk-0", docA, "budget overview", 0.77),
	}}

	got, err := f.svc.Retrieve(context.Background(), RetrieveInput{DocumentIDs: []string{docA, docB}, Query: " budget ", TopK: 2})
	require.NoError(t, err)
	require.Equal(t, []domain.RetrievedChunk{
		{ChunkID: docB + "-chunk-2", DocumentID: docB, Text: "the budget was approved", Score: 0.81},
		{ChunkID: docA + "-chunk-0", DocumentID: docA, Text: "budget overview", Score: 0.77},
	}, got)

	require.Len(t, f.index.queries, 1)
	require.Equal(t, 2, f.index.queries[0].topK)
	require.Equal(t, "document_id = '"+docA+"' OR document_id = '"+docB+"'", f.index.queries[0].filter)
	require.Equal(t, [][]string{{"budget"}}, f.embedder.inputs)
}

func TestRetrieve_Validation(t *testing.T) {
	cases := []struct {
		name string
		in   RetrieveInput
	}{
		{name: "empty query", in: RetrieveInput{DocumentIDs: []string{docA}, Query: " "}},
		{name: "no documents", in: RetrieveInput{Query: "q"}},
		{name: "bad document id", in: RetrieveInput{DocumentIDs: []string{"x"}, Query: "q"}},
		{name: "top_k too large", in: RetrieveInput{DocumentIDs: []string{docA}, Query: "q", TopK: 21}},
		{name: "top_k negative", in: RetrieveInput{DocumentIDs: []string{docA}, Query: "q", TopK: -1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newChatFixture(t)
			_, err := f.svc.Retrieve(context.Background(), tc.in)
			requireCode(t, err, ErrorValidation)
			require.Empty(t, f.embedder.inputs)
		})
	}
}

func TestRetrieve_MapsBackendErrors(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *chatFixture)
		code  ErrorCode
	}{
		{
			name: "index",
			setup: func(f *chatFixture) {
				f.index.queryErr = &upstash.IndexError{Op: "query", StatusCode: 500, Err: errors.New("boom")}
			},
			code: ErrorIndex,
		},
		{
			name: "auth",
			setup: func(f *chatFixture) {
				f.embedder.err = &openai.AuthError{Model: "text-embedding-3-small", Err: errors.New("401")}
			},
			code: ErrorAuth,
		},
		{
			name: "embedding",
			setup: func(f *chatFixture) {
				f.embedder.err = &openai.EmbeddingError{Model: "text-embedding-3-small", Err: errors.New("429")}
			},
			code: ErrorBackendUnavailable,
		},
		{
			name: "transport",
			setup: func(f *chatFixture) {
				f.embedder.err = errors.New("connection reset")
			},
			code: ErrorUpstream,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newChatFixture(t)
			tc.setup(f)
			_, err := f.svc.Retrieve(context.Background(), RetrieveInput{DocumentIDs: []string{docA}, Query: "q"})
			requireCode(t, err, tc.code)
		})
	}
}

package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pdf-chat/internal/integrations/openai"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func noFile(string) ([]byte, error) {
	return nil, errors.New("unexpected read")
}

func baseEnv() map[string]string {
	return map[string]string{
		"PARAM_PREFIX":       "/pdf-chat/dev",
		"S3_BUCKET":          "pdf-bucket",
		"UPSTASH_VECTOR_URL": "https://vec.upstash.io",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(baseEnv()), noFile)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, BackendSQLite, cfg.StoreBackend)
	require.Equal(t, 512, cfg.ChunkTokens)
	require.Equal(t, 102, cfg.ChunkOverlap)
	require.Equal(t, 10, cfg.MaxInlinePages)
	require.Equal(t, 8000, cfg.InlineTextBudget)
	require.Equal(t, 15*time.Minute, cfg.PresignTTL)
	require.Equal(t, []string{"*"}, cfg.CORSOrigins)
	require.Equal(t, openai.DefaultCandidates("gpt-4o-mini"), cfg.Candidates)
}

func TestLoad_EnvOverrides(t *testing.T) {
	env := baseEnv()
	env["STORE_BACKEND"] = "Postgres"
	env["DATABASE_URL"] = "postgres://localhost/pdf"
	env["CORS_ORIGINS"] = "https://a.example, https://b.example,"
	env["INGEST_TIMEOUT"] = "90s"
	env["CHUNK_TOKENS"] = "256"
	env["CHUNK_OVERLAP_TOKENS"] = "50"

	cfg, err := load(lookupFrom(env), noFile)
	require.NoError(t, err)
	require.Equal(t, BackendPostgres, cfg.StoreBackend)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	require.Equal(t, 90*time.Second, cfg.IngestTimeout)
	require.Equal(t, 256, cfg.ChunkTokens)
}

func TestLoad_YAMLOverlay(t *testing.T) {
	env := baseEnv()
	env["CONFIG_FILE"] = "/etc/pdf-chat.yaml"
	yamlDoc := []byte(`
chatModel: gpt-4.1
maxInlinePages: 4
candidates:
  - model: gpt-4.1
    vision: true
    tools: true
  - model: gpt-3.5-turbo
    tools: true
`)
	read := func(path string) ([]byte, error) {
		require.Equal(t, "/etc/pdf-chat.yaml", path)
		return yamlDoc, nil
	}

	cfg, err := load(lookupFrom(env), read)
	require.NoError(t, err)
	require.Equal(t, "gpt-4.1", cfg.ChatModel)
	require.Equal(t, 4, cfg.MaxInlinePages)
	require.Equal(t, []openai.Candidate{
		{Model: "gpt-4.1", Vision: true, Tools: true},
		{Model: "gpt-3.5-turbo", Tools: true},
	}, cfg.Candidates)
	require.Equal(t, "pdf-bucket", cfg.S3Bucket)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]string)
		want   string
	}{
		{name: "missing prefix", mutate: func(m map[string]string) { delete(m, "PARAM_PREFIX") }, want: "PARAM_PREFIX is required"},
		{name: "bad int", mutate: func(m map[string]string) { m["CHUNK_TOKENS"] = "lots" }, want: "CHUNK_TOKENS"},
		{name: "bad duration", mutate: func(m map[string]string) { m["PRESIGN_TTL"] = "soon" }, want: "PRESIGN_TTL"},
		{name: "unknown backend", mutate: func(m map[string]string) { m["STORE_BACKEND"] = "mongo" }, want: "unknown STORE_BACKEND"},
		{name: "dynamo without table", mutate: func(m map[string]string) { m["STORE_BACKEND"] = "dynamodb" }, want: "STATE_TABLE"},
		{name: "overlap too large", mutate: func(m map[string]string) { m["CHUNK_OVERLAP_TOKENS"] = "600" }, want: "chunk overlap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := baseEnv()
			tt.mutate(env)
			_, err := load(lookupFrom(env), noFile)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	env := baseEnv()
	env["CONFIG_FILE"] = "/missing.yaml"
	_, err := load(lookupFrom(env), func(string) ([]byte, error) { return nil, errors.New("no such file") })
	require.ErrorContains(t, err, "no such file")
}

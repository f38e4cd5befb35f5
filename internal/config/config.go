// Package config loads process configuration. Only cmd/* calls it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pdf-chat/internal/integrations/openai"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Config holds server settings. Environment variables are read first; a YAML
// file named by CONFIG_FILE then overrides any field it sets.
type Config struct {
	HTTPAddr    string   `yaml:"httpAddr"`
	LogLevel    string   `yaml:"logLevel"`
	CORSOrigins []string `yaml:"corsOrigins"`
	ParamPrefix string   `yaml:"paramPrefix"`

	StoreBackend    string        `yaml:"storeBackend"`
	DatabaseURL     string        `yaml:"databaseURL"`
	SQLitePath      string        `yaml:"sqlitePath"`
	DynamoTable     string        `yaml:"dynamoTable"`
	ConversationTTL time.Duration `yaml:"conversationTTL"`

	S3Bucket    string        `yaml:"s3Bucket"`
	PresignTTL  time.Duration `yaml:"presignTTL"`
	DownloadTTL time.Duration `yaml:"downloadTTL"`

	OpenAIBaseURL  string             `yaml:"openaiBaseURL"`
	ChatModel      string             `yaml:"chatModel"`
	EmbeddingModel string             `yaml:"embeddingModel"`
	Candidates     []openai.Candidate `yaml:"candidates"`

	UpstashURL       string `yaml:"upstashURL"`
	UpstashNamespace string `yaml:"upstashNamespace"`

	ChunkTokens      int           `yaml:"chunkTokens"`
	ChunkOverlap     int           `yaml:"chunkOverlap"`
	MaxInlinePages   int           `yaml:"maxInlinePages"`
	InlineTextBudget int           `yaml:"inlineTextBudget"`
	PdftoppmPath     string        `yaml:"pdftoppmPath"`
	RenderDPI        int           `yaml:"renderDPI"`
	IngestWorkers    int           `yaml:"ingestWorkers"`
	IngestTimeout    time.Duration `yaml:"ingestTimeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
}

// Load reads .env (if present), the environment and CONFIG_FILE, and
// validates the result.
func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return load(os.LookupEnv, os.ReadFile)
}

func load(lookup func(string) (string, bool), readFile func(string) ([]byte, error)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		HTTPAddr:    e.str("HTTP_ADDR", ":8080"),
		LogLevel:    e.str("LOG_LEVEL", "info"),
		CORSOrigins: e.list("CORS_ORIGINS", []string{"*"}),
		ParamPrefix: e.str("PARAM_PREFIX", ""),

		StoreBackend:    strings.ToLower(e.str("STORE_BACKEND", BackendSQLite)),
		DatabaseURL:     e.str("DATABASE_URL", ""),
		SQLitePath:      e.str("SQLITE_PATH", "pdf-chat.db"),
		DynamoTable:     e.str("STATE_TABLE", ""),
		ConversationTTL: e.duration("CONVERSATION_TTL", 0),

		S3Bucket:    e.str("S3_BUCKET", ""),
		PresignTTL:  e.duration("PRESIGN_TTL", 15*time.Minute),
		DownloadTTL: e.duration("DOWNLOAD_TTL", time.Hour),

		OpenAIBaseURL:  e.str("OPENAI_BASE_URL", "https://api.openai.com"),
		ChatModel:      e.str("OPENAI_MODEL", "gpt-4o-mini"),
		EmbeddingModel: e.str("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),

		UpstashURL:       e.str("UPSTASH_VECTOR_URL", ""),
		UpstashNamespace: e.str("UPSTASH_NAMESPACE", ""),

		ChunkTokens:      e.num("CHUNK_TOKENS", 512),
		ChunkOverlap:     e.num("CHUNK_OVERLAP_TOKENS", 102),
		MaxInlinePages:   e.num("MAX_INLINE_PAGES", 10),
		InlineTextBudget: e.num("INLINE_TEXT_BUDGET", 8000),
		PdftoppmPath:     e.str("PDFTOPPM_PATH", "pdftoppm"),
		RenderDPI:        e.num("RENDER_DPI", 100),
		IngestWorkers:    e.num("INGEST_WORKERS", 4),
		IngestTimeout:    e.duration("INGEST_TIMEOUT", 5*time.Minute),
		ShutdownTimeout:  e.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}

	if path, ok := lookup("CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		raw, err := readFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = openai.DefaultCandidates(cfg.ChatModel)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	required := map[string]string{
		"PARAM_PREFIX":       c.ParamPrefix,
		"S3_BUCKET":          c.S3Bucket,
		"UPSTASH_VECTOR_URL": c.UpstashURL,
	}
	for _, k := range []string{"PARAM_PREFIX", "S3_BUCKET", "UPSTASH_VECTOR_URL"} {
		if strings.TrimSpace(required[k]) == "" {
			errs = append(errs, fmt.Errorf("config: %s is required", k))
		}
	}
	switch c.StoreBackend {
	case BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL is required for the postgres backend"))
		}
	case BackendDynamoDB:
		if c.DynamoTable == "" {
			errs = append(errs, errors.New("config: STATE_TABLE is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.ChunkTokens <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkTokens {
		errs = append(errs, fmt.Errorf("config: chunk overlap %d must be in [0, %d)", c.ChunkOverlap, c.ChunkTokens))
	}
	if c.IngestWorkers <= 0 {
		errs = append(errs, errors.New("config: INGEST_WORKERS must be positive"))
	}
	return errors.Join(errs...)
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func (e *env) num(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"pdf-chat/internal/api"
	"pdf-chat/internal/config"
	"pdf-chat/internal/extractor"
	"pdf-chat/internal/integrations/openai"
	"pdf-chat/internal/integrations/paramstore"
	"pdf-chat/internal/integrations/s3"
	"pdf-chat/internal/integrations/upstash"
	"pdf-chat/internal/repository"
	"pdf-chat/internal/usecase"
	"pdf-chat/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg), paramstore.WithPrefix(cfg.ParamPrefix))
	if err != nil {
		fatal("failed to create SSM client", err)
	}

	llm, err := openai.NewClient(ssmClient, cfg.ParamPrefix, cfg.ChatModel,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithCandidates(cfg.Candidates),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
		openai.WithLogger(logger),
	)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}

	index, err := upstash.NewClient(ssmClient, cfg.ParamPrefix, cfg.UpstashURL,
		upstash.WithNamespace(cfg.UpstashNamespace),
		upstash.WithLogger(logger),
	)
	if err != nil {
		fatal("failed to create vector index client", err)
	}

	objects, err := s3.NewFromSDK(awss3.NewFromConfig(awsCfg), cfg.S3Bucket)
	if err != nil {
		fatal("failed to create object storage client", err)
	}

	store, err := openStore(cfg, awsCfg)
	if err != nil {
		fatal("failed to open store", err)
	}

	renderer := extractor.NewRenderer(
		extractor.WithBinary(cfg.PdftoppmPath),
		extractor.WithDPI(cfg.RenderDPI),
	)

	runner := worker.New(cfg.IngestWorkers, cfg.IngestTimeout, worker.WithLogger(logger))

	// ---- Services ----
	ingester, err := usecase.NewIngester(store, objects, llm, index,
		usecase.WithChunking(cfg.ChunkTokens, cfg.ChunkOverlap),
		usecase.WithIngestLogger(logger),
	)
	if err != nil {
		fatal("failed to create ingester", err)
	}

	documents, err := usecase.NewDocumentService(store, objects, ingester, runner, cfg.S3Bucket,
		usecase.WithURLExpiry(cfg.PresignTTL, cfg.DownloadTTL),
		usecase.WithDocumentLogger(logger),
	)
	if err != nil {
		fatal("failed to create document service", err)
	}

	chat, err := usecase.NewChatService(usecase.ChatDeps{
		Conversations: store,
		Documents:     store,
		LLM:           llm,
		Embedder:      llm,
		Index:         index,
		Objects:       objects,
		Renderer:      renderer,
	},
		usecase.WithInlineLimits(cfg.MaxInlinePages, cfg.InlineTextBudget),
		usecase.WithChatLogger(logger),
	)
	if err != nil {
		fatal("failed to create chat service", err)
	}

	// ---- HTTP ----
	router, err := api.NewRouter(api.RouterConfig{
		Chat:        chat,
		Documents:   documents,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	if err != nil {
		fatal("failed to create router", err)
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	case <-ctx.Done():
	}

	// ---- Shutdown ----
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Error("ingestion runner shutdown", "err", err)
	}
}

// openStore builds the repository selected by STORE_BACKEND.
func openStore(cfg config.Config, awsCfg aws.Config) (repository.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		return repository.OpenPostgres(cfg.DatabaseURL)
	case config.BackendDynamoDB:
		return repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.DynamoTable,
			repository.WithTTL(cfg.ConversationTTL))
	default:
		return repository.OpenSQLite(cfg.SQLitePath)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

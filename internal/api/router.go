// Package api exposes the chat and document services over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"pdf-chat/internal/domain"
	"pdf-chat/internal/usecase"
)

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	ListConversations(ctx context.Context, page domain.Page) ([]domain.ConversationSummary, int, error)
	GetConversation(ctx context.Context, id string) (usecase.ConversationDetail, error)
	Retrieve(ctx context.Context, in usecase.RetrieveInput) ([]domain.RetrievedChunk, error)
}

type DocumentUseCase interface {
	Presign(ctx context.Context, filename string) (usecase.PresignOutput, error)
	HandleUploadEvent(ctx context.Context, ev usecase.UploadEvent) (domain.Document, error)
	ListDocuments(ctx context.Context, page domain.Page) ([]domain.Document, int, error)
	GetDocument(ctx context.Context, id string, withDownloadURL bool) (usecase.DocumentDetail, error)
	Reset(ctx context.Context, id string) (domain.Document, error)
}

type RouterConfig struct {
	Chat        ChatUseCase
	Documents   DocumentUseCase
	CORSOrigins []string
	Logger      *slog.Logger
}

type Handler struct {
	chat      ChatUseCase
	documents DocumentUseCase
}

func NewRouter(cfg RouterConfig) (*gin.Engine, error) {
	if cfg.Chat == nil {
		return nil, errors.New("api: chat use case must not be nil")
	}
	if cfg.Documents == nil {
		return nil, errors.New("api: document use case must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{chat: cfg.Chat, documents: cfg.Documents}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), correlationID(logger), requestLogger(), corsMiddleware(cfg.CORSOrigins))
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"})
	})

	router.GET("/health", h.Health)

	files := router.Group("/files")
	{
		files.POST("/presign", h.Presign)
		files.GET("", h.ListFiles)
		files.GET("/:id", h.GetFile)
		files.POST("/:id/reset", h.ResetFile)
	}
	router.POST("/webhook/ingest", h.IngestWebhook)

	router.POST("/chat", h.Chat)
	router.GET("/chats", h.ListChats)
	router.GET("/chats/:id", h.GetChat)
	router.POST("/retrieve", h.Retrieve)

	return router, nil
}

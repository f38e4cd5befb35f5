package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pdf-chat/internal/domain"
	"pdf-chat/internal/usecase"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type presignRequest struct {
	Filename string `json:"filename"`
}

type presignResponse struct {
	FileID           string `json:"file_id"`
	PresignedURL     string `json:"presigned_url"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

type ingestRequest struct {
	S3Bucket string `json:"s3_bucket"`
	S3Key    string `json:"s3_key"`
}

type ingestResponse struct {
	FileID          string `json:"file_id"`
	S3Key           string `json:"s3_key"`
	IngestionStatus string `json:"ingestion_status"`
	Message         string `json:"message"`
}

type fileResponse struct {
	FileID          string    `json:"file_id"`
	S3Key           string    `json:"s3_key"`
	IngestionStatus string    `json:"ingestion_status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	DownloadURL     string    `json:"download_url,omitempty"`
}

type fileListResponse struct {
	Files  []fileResponse `json:"files"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	DocumentID     string `json:"document_id"`
}

type chunkResponse struct {
	ChunkID         string  `json:"chunk_id,omitempty"`
	DocumentID      string  `json:"document_id,omitempty"`
	ChunkText       string  `json:"chunk_text"`
	SimilarityScore float64 `json:"similarity_score"`
}

type chatResponse struct {
	ConversationID  string          `json:"conversation_id"`
	Response        string          `json:"response"`
	RetrievalMode   string          `json:"retrieval_mode"`
	RetrievedChunks []chunkResponse `json:"retrieved_chunks"`
}

type conversationResponse struct {
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	MessageCount   int       `json:"message_count"`
}

type conversationListResponse struct {
	Conversations []conversationResponse `json:"conversations"`
	Total         int                    `json:"total"`
	Limit         int                    `json:"limit"`
	Offset        int                    `json:"offset"`
}

type messageResponse struct {
	MessageID       string          `json:"message_id"`
	Role            string          `json:"role"`
	Content         string          `json:"content"`
	DocumentID      string          `json:"document_id,omitempty"`
	RetrievalMode   string          `json:"retrieval_mode,omitempty"`
	RetrievedChunks []chunkResponse `json:"retrieved_chunks,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type conversationDetailResponse struct {
	ConversationID string            `json:"conversation_id"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Messages       []messageResponse `json:"messages"`
}

type retrieveRequest struct {
	DocumentIDs []string `json:"document_ids"`
	Query       string   `json:"query"`
	TopK        int      `json:"top_k"`
}

type retrieveResult struct {
	ChunkID         string  `json:"chunk_id"`
	DocumentID      string  `json:"document_id"`
	ChunkText       string  `json:"chunk_text"`
	SimilarityScore float64 `json:"similarity_score"`
}

type retrieveResponse struct {
	Results []retrieveResult `json:"results"`
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Presign(c *gin.Context) {
	var req presignRequest
	if !bindJSON(c, &req) {
		return
	}
	out, err := h.documents.Presign(c.Request.Context(), req.Filename)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, presignResponse{
		FileID:           out.DocumentID,
		PresignedURL:     out.URL,
		ExpiresInSeconds: int(out.ExpiresIn / time.Second),
	})
}

func (h *Handler) IngestWebhook(c *gin.Context) {
	var req ingestRequest
	if !bindJSON(c, &req) {
		return
	}
	doc, err := h.documents.HandleUploadEvent(c.Request.Context(), usecase.UploadEvent{Bucket: req.S3Bucket, Key: req.S3Key})
	if err != nil {
		writeError(c, err)
		return
	}
	msg := "ingestion scheduled"
	if doc.Status != domain.StatusUploaded {
		msg = "document already " + string(doc.Status)
	}
	c.JSON(http.StatusOK, ingestResponse{
		FileID:          doc.ID,
		S3Key:           doc.StorageKey,
		IngestionStatus: string(doc.Status),
		Message:         msg,
	})
}

func (h *Handler) ListFiles(c *gin.Context) {
	page, ok := parsePage(c)
	if !ok {
		return
	}
	docs, total, err := h.documents.ListDocuments(c.Request.Context(), page)
	if err != nil {
		writeError(c, err)
		return
	}
	files := make([]fileResponse, 0, len(docs))
	for _, d := range docs {
		files = append(files, toFileResponse(d, ""))
	}
	c.JSON(http.StatusOK, fileListResponse{Files: files, Total: total, Limit: page.Limit, Offset: page.Offset})
}

func (h *Handler) GetFile(c *gin.Context) {
	withURL, err := strconv.ParseBool(c.DefaultQuery("include_download_url", "false"))
	if err != nil {
		writeError(c, &usecase.Error{Code: usecase.ErrorValidation, Reason: "invalid_include_download_url"})
		return
	}
	detail, err := h.documents.GetDocument(c.Request.Context(), c.Param("id"), withURL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFileResponse(detail.Document, detail.DownloadURL))
}

func (h *Handler) ResetFile(c *gin.Context) {
	doc, err := h.documents.Reset(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFileResponse(doc, ""))
}

func (h *Handler) Chat(c *gin.Context) {
	var req chatRequest
	if !bindJSON(c, &req) {
		return
	}
	out, err := h.chat.Chat(c.Request.Context(), usecase.ChatInput{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		DocumentID:     req.DocumentID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chatResponse{
		ConversationID:  out.ConversationID,
		Response:        out.Response,
		RetrievalMode:   string(out.RetrievalMode),
		RetrievedChunks: toChunkResponses(out.RetrievedChunks),
	})
}

func (h *Handler) ListChats(c *gin.Context) {
	page, ok := parsePage(c)
	if !ok {
		return
	}
	items, total, err := h.chat.ListConversations(c.Request.Context(), page)
	if err != nil {
		writeError(c, err)
		return
	}
	convs := make([]conversationResponse, 0, len(items))
	for _, it := range items {
		convs = append(convs, conversationResponse{
			ConversationID: it.ID,
			CreatedAt:      it.CreatedAt,
			UpdatedAt:      it.UpdatedAt,
			MessageCount:   it.MessageCount,
		})
	}
	c.JSON(http.StatusOK, conversationListResponse{Conversations: convs, Total: total, Limit: page.Limit, Offset: page.Offset})
}

func (h *Handler) GetChat(c *gin.Context) {
	detail, err := h.chat.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	msgs := make([]messageResponse, 0, len(detail.Messages))
	for _, m := range detail.Messages {
		mr := messageResponse{
			MessageID:     m.ID,
			Role:          string(m.Role),
			Content:       m.Content,
			DocumentID:    m.DocumentID,
			RetrievalMode: string(m.RetrievalMode),
			CreatedAt:     m.CreatedAt,
		}
		if len(m.RetrievedChunks) > 0 {
			mr.RetrievedChunks = toChunkResponses(m.RetrievedChunks)
		}
		msgs = append(msgs, mr)
	}
	c.JSON(http.StatusOK, conversationDetailResponse{
		ConversationID: detail.ID,
		CreatedAt:      detail.CreatedAt,
		UpdatedAt:      detail.UpdatedAt,
		Messages:       msgs,
	})
}

func (h *Handler) Retrieve(c *gin.Context) {
	var req retrieveRequest
	if !bindJSON(c, &req) {
		return
	}
	chunks, err := h.chat.Retrieve(c.Request.Context(), usecase.RetrieveInput{
		DocumentIDs: req.DocumentIDs,
		Query:       req.Query,
		TopK:        req.TopK,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	results := make([]retrieveResult, 0, len(chunks))
	for _, ch := range chunks {
		results = append(results, retrieveResult{
			ChunkID:         ch.ChunkID,
			DocumentID:      ch.DocumentID,
			ChunkText:       ch.Text,
			SimilarityScore: ch.Score,
		})
	}
	c.JSON(http.StatusOK, retrieveResponse{Results: results})
}

func toFileResponse(d domain.Document, downloadURL string) fileResponse {
	return fileResponse{
		FileID:          d.ID,
		S3Key:           d.StorageKey,
		IngestionStatus: string(d.Status),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		DownloadURL:     downloadURL,
	}
}

func toChunkResponses(chunks []domain.RetrievedChunk) []chunkResponse {
	out := make([]chunkResponse, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, chunkResponse{
			ChunkID:         ch.ChunkID,
			DocumentID:      ch.DocumentID,
			ChunkText:       ch.Text,
			SimilarityScore: ch.Score,
		})
	}
	return out
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		loggerFrom(c).Warn("api: invalid request body", "err", err)
		c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorValidation), Reason: "invalid_body"})
		return false
	}
	return true
}

// parsePage reads limit and offset. Absent values use the defaults; present
// values must be integers with limit at least 1.
func parsePage(c *gin.Context) (domain.Page, bool) {
	page := domain.Page{Limit: usecase.DefaultPageLimit}
	if raw, ok := c.GetQuery("limit"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(c, &usecase.Error{Code: usecase.ErrorValidation, Reason: "invalid_limit"})
			return domain.Page{}, false
		}
		page.Limit = n
	}
	if raw, ok := c.GetQuery("offset"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, &usecase.Error{Code: usecase.ErrorValidation, Reason: "invalid_offset"})
			return domain.Page{}, false
		}
		page.Offset = n
	}
	return page, true
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorBackendUnavailable:
		return http.StatusServiceUnavailable
	case usecase.ErrorExtraction, usecase.ErrorNoContent:
		return http.StatusUnprocessableEntity
	case usecase.ErrorIndex, usecase.ErrorAuth, usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {error, reason}. The wrapped cause is logged only.
func writeError(c *gin.Context, err error) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		ucErr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	status := statusFor(ucErr.Code)
	logger := loggerFrom(c)
	if status >= http.StatusInternalServerError {
		logger.Error("api: request error", "code", string(ucErr.Code), "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		logger.Warn("api: request error", "code", string(ucErr.Code), "reason", ucErr.Reason, "err", ucErr.Err)
	}
	c.JSON(status, errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason})
}

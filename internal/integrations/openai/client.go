package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pdf-chat/internal/domain"
	"pdf-chat/internal/integrations/paramstore"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultTemperature    = 0.7
)

// chatRequest is the request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

// wireMessage carries Content as a string, a list of parts or null.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string         `json:"role"`
			Content   *string        `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// apiErrorEnvelope is the error body returned on non-2xx responses.
type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware
// context and the structured error code when the body carries one.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	Code       string
	Type       string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai: unexpected status %d from %s (%s): %s", e.StatusCode, e.URL, e.Code, e.Message)
	}
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for chat completions and
// embeddings, with a capability-aware model fallback ladder.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	token          *paramstore.Token
	candidates     []Candidate
	embeddingModel string
	temperature    float64
	retry          retryPolicy
	logger         *slog.Logger
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithCandidates replaces the model ladder. Empty lists are ignored.
func WithCandidates(candidates []Candidate) Option {
	return func(c *Client) {
		if len(candidates) > 0 {
			c.candidates = dedupe(candidates)
		}
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.embeddingModel = m
		}
	}
}

// WithEmbeddingRetry sets the exponential backoff used for embedding calls.
func WithEmbeddingRetry(initial time.Duration, maxRetries uint64) Option {
	return func(c *Client) {
		c.retry = retryPolicy{initial: initial, maxRetries: maxRetries}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client whose API key is read from SSM at
// paramPrefix+"/open-ai-token" on first use. primaryModel heads the default
// fallback ladder.
func NewClient(ps paramstore.Getter, paramPrefix, primaryModel string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	token, err := paramstore.NewToken(ps, paramstore.ParameterName(paramPrefix, "open-ai-token"))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	c := &Client{
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		token:          token,
		candidates:     DefaultCandidates(primaryModel),
		embeddingModel: defaultEmbeddingModel,
		temperature:    defaultTemperature,
		retry:          defaultRetryPolicy,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.candidates) == 0 {
		return nil, errors.New("openai: at least one model candidate is required")
	}
	return c, nil
}

// Candidates returns a copy of the configured ladder.
func (c *Client) Candidates() []Candidate {
	return append([]Candidate(nil), c.candidates...)
}

// httpClient returns the configured HTTP client, or a default with a 60s
// timeout if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

func chatURL(baseURL string) string {
	return endpointURL(baseURL, "/chat/completions")
}

func embeddingsURL(baseURL string) string {
	return endpointURL(baseURL, "/embeddings")
}

// completeWithModel performs one Chat Completions call against a single model.
func (c *Client) completeWithModel(ctx context.Context, apiKey, model string, messages []domain.ChatMessage, tools []domain.Tool) (domain.Completion, error) {
	if model == "" {
		return domain.Completion{}, errors.New("openai: model must not be empty")
	}

	temp := c.temperature
	reqBody := chatRequest{
		Model:       model,
		Messages:    toWireMessages(messages),
		Temperature: &temp,
		Tools:       toWireTools(tools),
	}
	if len(reqBody.Tools) > 0 {
		reqBody.ToolChoice = "auto"
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)
	raw, err := c.postJSON(ctx, apiKey, url, body)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.Completion{}, fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return domain.Completion{}, errors.New("openai: no choices in response")
	}

	msg := payload.Choices[0].Message
	out := domain.Completion{Model: payload.Model}
	if out.Model == "" {
		out.Model = model
	}
	if msg.Content != nil {
		out.Content = *msg.Content
	}
	if len(tools) > 0 {
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, apiKey, url string, body []byte) ([]byte, error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return c.doJSONRequest(req, url)
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, newHTTPStatusError(res.StatusCode, url, buf)
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func newHTTPStatusError(status int, url string, body []byte) *HTTPStatusError {
	e := &HTTPStatusError{StatusCode: status, URL: url, Body: string(body)}
	var env apiErrorEnvelope
	if json.Unmarshal(body, &env) == nil {
		e.Type = env.Error.Type
		e.Message = env.Error.Message
		if code, ok := env.Error.Code.(string); ok {
			e.Code = code
		}
	}
	return e
}

func toWireMessages(msgs []domain.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}
		switch {
		case len(m.Parts) > 0:
			parts := make([]wirePart, 0, len(m.Parts))
			for _, p := range m.Parts {
				if p.Type == domain.PartImage {
					parts = append(parts, wirePart{Type: domain.PartImage, ImageURL: &wireImageURL{URL: p.ImageURL}})
					continue
				}
				parts = append(parts, wirePart{Type: domain.PartText, Text: p.Text})
			}
			wm.Content = parts
		case len(m.ToolCalls) > 0 && m.Content == "":
			wm.Content = nil
		default:
			wm.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []domain.Tool) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// Package upstash is a REST client for the Upstash Vector index.
package upstash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pdf-chat/internal/domain"
	"pdf-chat/internal/integrations/paramstore"
)

// BatchSize caps the vectors sent per upsert request to stay under the
// payload limit.
const BatchSize = 20

// Vector is one record to upsert.
type Vector struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type queryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
	Filter          string    `json:"filter,omitempty"`
}

type envelope[T any] struct {
	Result T      `json:"result"`
	Error  string `json:"error"`
}

// ArgumentMismatchError is returned by Upsert when ids, vectors and metadata
// differ in length.
type ArgumentMismatchError struct {
	IDs, Vectors, Metadata int
}

func (e *ArgumentMismatchError) Error() string {
	return fmt.Sprintf("upstash: argument length mismatch: ids=%d vectors=%d metadata=%d", e.IDs, e.Vectors, e.Metadata)
}

// IndexError wraps a failed index operation.
type IndexError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *IndexError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstash: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstash: %s: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

func (e *IndexError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to one index and namespace.
type Client struct {
	baseURL    string
	namespace  string
	httpClient *http.Client
	token      *paramstore.Token
	logger     *slog.Logger
}

type Option func(*Client)

func WithNamespace(ns string) Option {
	return func(c *Client) {
		c.namespace = strings.Trim(strings.TrimSpace(ns), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client for the index at baseURL. The REST token is read
// from SSM at paramPrefix+"/upstash-vector-token" on first use.
func NewClient(ps paramstore.Getter, paramPrefix, baseURL string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("upstash: paramstore getter must not be nil")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash: base URL must not be empty")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("upstash: parameter prefix must not be empty")
	}
	token, err := paramstore.NewToken(ps, paramstore.ParameterName(paramPrefix, "upstash-vector-token"))
	if err != nil {
		return nil, fmt.Errorf("upstash: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upsert writes vectors in batches of BatchSize. A failed batch aborts the
// call; batches already sent are not rolled back.
func (c *Client) Upsert(ctx context.Context, ids []string, vectors [][]float32, metadata []map[string]any) error {
	if len(ids) != len(vectors) || len(ids) != len(metadata) {
		return &ArgumentMismatchError{IDs: len(ids), Vectors: len(vectors), Metadata: len(metadata)}
	}

	for start := 0; start < len(ids); start += BatchSize {
		end := min(start+BatchSize, len(ids))
		batch := make([]Vector, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, Vector{ID: ids[i], Vector: vectors[i], Metadata: metadata[i]})
		}
		if _, err := doJSON[string](ctx, c, "upsert", batch); err != nil {
			return err
		}
		c.logger.Debug("upstash: upserted batch", "batch", start/BatchSize+1, "size", len(batch))
	}
	return nil
}

// Query returns at most topK matches with metadata, highest score first. filter uses the index's
// SQL-like filter syntax and is passed through unvalidated.
func (c *Client) Query(ctx context.Context, vector []float32, topK int, filter string) ([]domain.VectorMatch, error) {
	if topK <= 0 {
		return nil, &IndexError{Op: "query", Err: errors.New("topK must be positive")}
	}
	matches, err := doJSON[[]domain.VectorMatch](ctx, c, "query", queryRequest{
		Vector:          vector,
		TopK:            topK,
		IncludeMetadata: true,
		Filter:          filter,
	})
	if err != nil {
		return nil, err
	}
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (c *Client) endpoint(op string) string {
	u := c.baseURL + "/" + op
	if c.namespace != "" {
		u += "/" + url.PathEscape(c.namespace)
	}
	return u
}

func doJSON[T any](ctx context.Context, c *Client, op string, payload any) (T, error) {
	var zero T
	token, err := c.token.Resolve(ctx)
	if err != nil {
		return zero, &IndexError{Op: op, Err: err}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return zero, &IndexError{Op: op, Err: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(op), bytes.NewReader(body))
	if err != nil {
		return zero, &IndexError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return zero, &IndexError{Op: op, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return zero, &IndexError{Op: op, Err: fmt.Errorf("read response body: %w", err)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return zero, &IndexError{Op: op, StatusCode: res.StatusCode, Err: errors.New(truncate(string(raw), 512))}
	}

	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, &IndexError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if env.Error != "" {
		return zero, &IndexError{Op: op, StatusCode: res.StatusCode, Err: errors.New(env.Error)}
	}
	return env.Result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

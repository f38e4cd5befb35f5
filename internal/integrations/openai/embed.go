package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxEmbeddingBatch is the per-request input cap of the Embeddings endpoint.
const maxEmbeddingBatch = 2048

type retryPolicy struct {
	initial    time.Duration
	maxRetries uint64
}

var defaultRetryPolicy = retryPolicy{initial: 500 * time.Millisecond, maxRetries: 3}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbeddingError reports an embedding call that failed after retries or was
// given no input.
type EmbeddingError struct {
	Model string
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("openai: embedding with %s failed: %v", e.Model, e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// Embed returns one vector per input text, in input order. Rate limits,
// server errors and transport failures are retried with exponential backoff.
// A rejected credential is returned as *AuthError.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &EmbeddingError{Model: c.embeddingModel, Err: errors.New("no input texts")}
	}
	apiKey, err := c.token.Resolve(ctx)
	if err != nil {
		return nil, &EmbeddingError{Model: c.embeddingModel, Err: err}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxEmbeddingBatch {
		end := min(start+maxEmbeddingBatch, len(texts))
		vecs, err := c.embedBatch(ctx, apiKey, texts[start:end])
		if err != nil {
			if Classify(err) == CategoryAuth {
				return nil, &AuthError{Model: c.embeddingModel, Err: err}
			}
			return nil, &EmbeddingError{Model: c.embeddingModel, Err: err}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, apiKey string, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.embeddingModel, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}
	url := embeddingsURL(c.baseURL)

	var raw []byte
	op := func() error {
		b, err := c.postJSON(ctx, apiKey, url, body)
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		raw = b
		return nil
	}
	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return nil, err
	}

	var payload embeddingResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(payload.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(payload.Data))
	}
	sort.SliceStable(payload.Data, func(i, j int) bool { return payload.Data[i].Index < payload.Data[j].Index })

	vecs := make([][]float32, len(payload.Data))
	for i, d := range payload.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if c.retry.initial > 0 {
		eb.InitialInterval = c.retry.initial
	}
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, c.retry.maxRetries), ctx)
}

func retryable(err error) bool {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

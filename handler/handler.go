// Package handler forwards S3 object-created notifications to the ingest
// webhook of the API server.
package handler

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

	"github.com/aws/aws-lambda-go/events"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 2
	maxErrorBody      = 512
)

type webhookRequest struct {
	S3Bucket string `json:"s3_bucket"`
	S3Key    string `json:"s3_key"`
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("handler: webhook returned status %d: %s", e.StatusCode, e.Body)
}

type Forwarder struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
	maxRetries uint64
	retryWait  time.Duration
}

type Option func(*Forwarder)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) {
		if c != nil {
			f.client = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRetry sets how often a failed delivery is retried and the initial wait.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(f *Forwarder) {
		f.maxRetries = maxRetries
		if initial > 0 {
			f.retryWait = initial
		}
	}
}

func NewForwarder(webhookURL string, opts ...Option) (*Forwarder, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, errors.New("handler: webhook url must not be empty")
	}
	if u, err := url.Parse(webhookURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("handler: invalid webhook url %q", webhookURL)
	}
	f := &Forwarder{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
		maxRetries: defaultMaxRetries,
		retryWait:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Handle forwards every object-created record. A failing record does not
// stop the others; all failures are returned together.
func (f *Forwarder) Handle(ctx context.Context, event events.S3Event) error {
	if len(event.Records) == 0 {
		return errors.New("handler: event has no records")
	}
	var errs []error
	for _, rec := range event.Records {
		if rec.EventName != "" && !strings.HasPrefix(rec.EventName, "ObjectCreated") {
			f.logger.Info("handler: ignoring record", "event", rec.EventName)
			continue
		}
		bucket := rec.S3.Bucket.Name
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			errs = append(errs, fmt.Errorf("handler: decode key %q: %w", rec.S3.Object.Key, err))
			continue
		}
		if !strings.HasPrefix(key, "uploads/") || !strings.HasSuffix(key, ".pdf") {
			f.logger.Warn("handler: key outside the upload layout, forwarding anyway", "key", key)
		}
		if err := f.forward(ctx, bucket, key); err != nil {
			f.logger.Error("handler: forward failed", "bucket", bucket, "key", key, "err", err)
			errs = append(errs, err)
			continue
		}
		f.logger.Info("handler: upload forwarded", "bucket", bucket, "key", key)
	}
	return errors.Join(errs...)
}

func (f *Forwarder) forward(ctx context.Context, bucket, key string) error {
	body, err := json.Marshal(webhookRequest{S3Bucket: bucket, S3Key: key})
	if err != nil {
		return fmt.Errorf("handler: encode payload: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("handler: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("handler: post webhook: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		// Client errors are the webhook rejecting the object; retrying cannot help.
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retryWait
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, f.maxRetries), ctx))
}

package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"pdf-chat/internal/domain"
)

// Candidate is one rung of the model fallback ladder.
type Candidate struct {
	Model  string `yaml:"model"`
	Vision bool   `yaml:"vision"`
	Tools  bool   `yaml:"tools"`
}

// DefaultFallbacks is tried in order after the primary model.
var DefaultFallbacks = []Candidate{
	{Model: "gpt-4.1", Vision: true, Tools: true},
	{Model: "gpt-4o", Vision: true, Tools: true},
	{Model: "gpt-4-turbo", Vision: true, Tools: true},
	{Model: "gpt-4", Vision: false, Tools: true},
	{Model: "gpt-3.5-turbo", Vision: false, Tools: true},
}

// DefaultCandidates puts primary ahead of DefaultFallbacks. The primary model
// is assumed to support vision and tools unless it is a known fallback.
func DefaultCandidates(primary string) []Candidate {
	primary = strings.TrimSpace(primary)
	out := make([]Candidate, 0, len(DefaultFallbacks)+1)
	if primary != "" {
		c := Candidate{Model: primary, Vision: true, Tools: true}
		for _, fb := range DefaultFallbacks {
			if fb.Model == primary {
				c = fb
			}
		}
		out = append(out, c)
	}
	return dedupe(append(out, DefaultFallbacks...))
}

func dedupe(in []Candidate) []Candidate {
	seen := make(map[string]bool, len(in))
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		c.Model = strings.TrimSpace(c.Model)
		if c.Model == "" || seen[c.Model] {
			continue
		}
		seen[c.Model] = true
		out = append(out, c)
	}
	return out
}

// Category is the classified cause of a failed completion attempt.
type Category string

const (
	CategoryModelUnavailable Category = "model_unavailable"
	CategoryUnsupportedInput Category = "unsupported_input"
	CategoryRateLimited      Category = "rate_limited"
	CategoryTimeout          Category = "timeout"
	CategoryAuth             Category = "auth"
	CategoryOther            Category = "other"
)

// Action is what the ladder does after a failed attempt.
type Action int

const (
	ActionNext Action = iota
	ActionAbort
)

// Decide maps an error category to a ladder action. Only authentication
// failures stop the ladder.
func Decide(c Category) Action {
	switch c {
	case CategoryAuth:
		return ActionAbort
	case CategoryModelUnavailable, CategoryUnsupportedInput, CategoryRateLimited, CategoryTimeout:
		return ActionNext
	default:
		return ActionNext
	}
}

var (
	modelUnavailableCodes = map[string]bool{
		"model_not_found":     true,
		"model_not_available": true,
	}
	unsupportedInputCodes = map[string]bool{
		"invalid_image_format":    true,
		"invalid_image":           true,
		"image_parse_error":       true,
		"invalid_image_url":       true,
		"unsupported_content":     true,
		"unsupported_file_format": true,
	}
	authCodes = map[string]bool{
		"invalid_api_key":        true,
		"invalid_authentication": true,
		"account_deactivated":    true,
	}
	rateLimitCodes = map[string]bool{
		"rate_limit_exceeded": true,
		"insufficient_quota":  true,
	}
)

// Classify derives a Category from a completion error. Structured fields
// (error code, then HTTP status) win; message patterns are the last resort.
func Classify(err error) Category {
	if err == nil {
		return CategoryOther
	}

	var se *HTTPStatusError
	if errors.As(err, &se) {
		switch {
		case authCodes[se.Code]:
			return CategoryAuth
		case modelUnavailableCodes[se.Code]:
			return CategoryModelUnavailable
		case unsupportedInputCodes[se.Code]:
			return CategoryUnsupportedInput
		case rateLimitCodes[se.Code]:
			return CategoryRateLimited
		}
		switch se.StatusCode {
		case http.StatusUnauthorized:
			return CategoryAuth
		case http.StatusForbidden, http.StatusNotFound:
			return CategoryModelUnavailable
		case http.StatusTooManyRequests:
			return CategoryRateLimited
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return CategoryTimeout
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CategoryTimeout
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

func classifyMessage(msg string) Category {
	switch {
	case strings.Contains(msg, "invalid api key") || strings.Contains(msg, "unauthorized"):
		return CategoryAuth
	case strings.Contains(msg, "model_not_found") || strings.Contains(msg, "does not have access"):
		return CategoryModelUnavailable
	case strings.Contains(msg, "invalid mime type") || strings.Contains(msg, "invalid_image_format"):
		return CategoryUnsupportedInput
	case strings.Contains(msg, "rate_limit") || strings.Contains(msg, "rate limit"):
		return CategoryRateLimited
	case strings.Contains(msg, "timeout"):
		return CategoryTimeout
	}
	return CategoryOther
}

// Attempt records one failed or skipped candidate.
type Attempt struct {
	Model    string
	Category Category
	Summary  string
}

// AllModelsUnavailableError is returned when every candidate failed.
type AllModelsUnavailableError struct {
	Attempts []Attempt
}

func (e *AllModelsUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Model, a.Summary))
	}
	return "openai: all models unavailable: " + strings.Join(parts, "; ")
}

// UnsupportedInput reports whether any attempt rejected the input format.
// Other candidates may have failed for unrelated reasons, such as a model the
// key cannot use.
func (e *AllModelsUnavailableError) UnsupportedInput() bool {
	for _, a := range e.Attempts {
		if a.Category == CategoryUnsupportedInput {
			return true
		}
	}
	return false
}

// Models lists the attempted models in order.
func (e *AllModelsUnavailableError) Models() []string {
	out := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Model)
	}
	return out
}

// AuthError is returned when the backend rejected the credentials. The ladder
// stops at the first one.
type AuthError struct {
	Model string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("openai: authentication rejected (model %s): %v", e.Model, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

const maxSummaryLen = 120

func summarize(err error) string {
	s := err.Error()
	if len(s) > maxSummaryLen {
		return s[:maxSummaryLen] + "..."
	}
	return s
}

// Complete sends messages through the model ladder. With tools, the result
// may carry ToolCalls instead of (or alongside) Content. Candidates lacking a
// needed capability are skipped and recorded as unsupported input.
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage, tools []domain.Tool) (domain.Completion, error) {
	apiKey, err := c.token.Resolve(ctx)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("openai: %w", err)
	}

	needVision := false
	for _, m := range messages {
		if m.HasImages() {
			needVision = true
			break
		}
	}

	attempts := make([]Attempt, 0, len(c.candidates))
	for i, cand := range c.candidates {
		if needVision && !cand.Vision {
			attempts = append(attempts, Attempt{Model: cand.Model, Category: CategoryUnsupportedInput, Summary: "skipped: no vision support"})
			continue
		}
		if len(tools) > 0 && !cand.Tools {
			attempts = append(attempts, Attempt{Model: cand.Model, Category: CategoryUnsupportedInput, Summary: "skipped: no tool support"})
			continue
		}
		if err := ctx.Err(); err != nil {
			return domain.Completion{}, err
		}

		out, err := c.completeWithModel(ctx, apiKey, cand.Model, messages, tools)
		if err == nil {
			if i > 0 {
				c.logger.Warn("openai: using fallback model", "model", cand.Model, "primary", c.candidates[0].Model)
			}
			return out, nil
		}

		cat := Classify(err)
		c.logger.Warn("openai: model attempt failed", "model", cand.Model, "category", string(cat), "err", err)
		if Decide(cat) == ActionAbort {
			return domain.Completion{}, &AuthError{Model: cand.Model, Err: err}
		}
		attempts = append(attempts, Attempt{Model: cand.Model, Category: cat, Summary: summarize(err)})
	}
	return domain.Completion{}, &AllModelsUnavailableError{Attempts: attempts}
}

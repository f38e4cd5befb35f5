package usecase

import (
	"errors"
	"fmt"

	"pdf-chat/internal/domain"
	"pdf-chat/internal/integrations/openai"
	"pdf-chat/internal/integrations/upstash"
)

type ErrorCode string

const (
	ErrorValidation         ErrorCode = "VALIDATION_ERROR"
	ErrorNotFound           ErrorCode = "NOT_FOUND"
	ErrorBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrorExtraction         ErrorCode = "EXTRACTION_ERROR"
	ErrorNoContent          ErrorCode = "NO_CONTENT"
	ErrorIndex              ErrorCode = "INDEX_ERROR"
	ErrorAuth               ErrorCode = "AUTH_ERROR"
	ErrorUpstream           ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal           ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// completionError maps a completion backend failure to a usecase error.
func completionError(reason string, err error) *Error {
	var authErr *openai.AuthError
	if errors.As(err, &authErr) {
		return newError(ErrorAuth, reason, err)
	}
	var unavailable *openai.AllModelsUnavailableError
	if errors.As(err, &unavailable) {
		return newError(ErrorBackendUnavailable, reason, err)
	}
	return newError(ErrorUpstream, reason, err)
}

// retrievalError maps an embedding or index failure to a usecase error.
func retrievalError(reason string, err error) *Error {
	var indexErr *upstash.IndexError
	if errors.As(err, &indexErr) {
		return newError(ErrorIndex, reason, err)
	}
	var authErr *openai.AuthError
	if errors.As(err, &authErr) {
		return newError(ErrorAuth, reason, err)
	}
	var embedErr *openai.EmbeddingError
	if errors.As(err, &embedErr) {
		return newError(ErrorBackendUnavailable, reason, err)
	}
	return newError(ErrorUpstream, reason, err)
}

// storeError maps a repository failure, keeping not-found distinct.
func storeError(reason string, err error) *Error {
	if errors.Is(err, domain.ErrNotFound) {
		return newError(ErrorNotFound, reason, err)
	}
	return newError(ErrorInternal, reason, err)
}

func isAuthError(err error) bool {
	var authErr *openai.AuthError
	return errors.As(err, &authErr)
}

package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the JSON shape stored in SSM for API tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// Token lazily resolves an API token stored as {"token": "..."} under one
// parameter name. A successful lookup is cached for the process lifetime;
// failures are retried on the next call.
type Token struct {
	getter Getter
	name   string

	mu    sync.Mutex
	value string
}

func NewToken(g Getter, name string) (*Token, error) {
	if g == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("paramstore: token parameter name must not be empty")
	}
	return &Token{getter: g, name: name}, nil
}

// Name returns the parameter the token is read from.
func (t *Token) Name() string {
	return t.name
}

func (t *Token) Resolve(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.value != "" {
		return t.value, nil
	}

	raw, err := t.getter.GetParameter(ctx, t.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	v, err := parseToken(raw)
	if err != nil {
		return "", err
	}
	t.value = v
	return v, nil
}

func parseToken(raw string) (string, error) {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("paramstore: API token is empty")
	}
	return tp.Token, nil
}

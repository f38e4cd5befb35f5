// Package paramstore reads secrets from AWS Systems Manager Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrParameterNotFound is returned when the named parameter does not exist.
var ErrParameterNotFound = errors.New("paramstore: parameter not found")

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is what the OpenAI and Upstash clients need to fetch their tokens.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client fetches decrypted parameter values. Relative names are resolved
// against the configured prefix.
type Client struct {
	api    ssmAPI
	prefix string
}

type Option func(*Client)

// WithPrefix resolves names without a leading slash under prefix.
func WithPrefix(prefix string) Option {
	return func(c *Client) {
		c.prefix = strings.TrimSpace(prefix)
	}
}

func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{api: api}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	full, err := c.resolve(name)
	if err != nil {
		return "", err
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(full),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", ErrParameterNotFound, full)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", full, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", full)
	}
	return *out.Parameter.Value, nil
}

func (c *Client) resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if strings.HasPrefix(name, "/") || c.prefix == "" {
		return name, nil
	}
	return ParameterName(c.prefix, name), nil
}

// ParameterName joins a prefix such as "/pdf-chat" with a leaf name.
func ParameterName(prefix, leaf string) string {
	return strings.TrimRight(strings.TrimSpace(prefix), "/") + "/" + strings.TrimLeft(leaf, "/")
}

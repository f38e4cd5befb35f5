// Package s3 stores uploaded PDFs and issues time-limited URLs for them.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"pdf-chat/internal/domain"
)

const (
	pdfContentType = "application/pdf"
	// maxObjectSize bounds Download reads.
	maxObjectSize = 100 << 20
)

// objectAPI is the minimal S3 interface required by Client.
// *s3.Client from aws-sdk-go-v2 satisfies this interface.
type objectAPI interface {
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
}

// presignAPI is satisfied by *s3.PresignClient.
type presignAPI interface {
	PresignPutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Client wraps one bucket.
type Client struct {
	api     objectAPI
	presign presignAPI
	bucket  string
}

// NewFromSDK builds a Client around an SDK client and its presigner.
func NewFromSDK(c *awss3.Client, bucket string) (*Client, error) {
	if c == nil {
		return nil, errors.New("s3: client must not be nil")
	}
	return New(c, awss3.NewPresignClient(c), bucket)
}

func New(api objectAPI, presign presignAPI, bucket string) (*Client, error) {
	if api == nil || presign == nil {
		return nil, errors.New("s3: api must not be nil")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("s3: bucket must not be empty")
	}
	return &Client{api: api, presign: presign, bucket: bucket}, nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// Download reads the whole object. A missing key yields domain.ErrNotFound.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3: get %q: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("s3: read %q: %w", key, err)
	}
	if len(data) > maxObjectSize {
		return nil, fmt.Errorf("s3: object %q exceeds %d bytes", key, maxObjectSize)
	}
	return data, nil
}

// Exists reports whether key is present in the bucket.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("s3: head %q: %w", key, err)
}

// PresignUpload returns a PUT URL for a PDF at key.
func (c *Client) PresignUpload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := c.presign.PresignPutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(pdfContentType),
	}, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3: presign put %q: %w", key, err)
	}
	return req.URL, nil
}

// PresignDownload returns a GET URL for key.
func (c *Client) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3: presign get %q: %w", key, err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

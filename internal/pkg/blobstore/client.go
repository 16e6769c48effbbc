// Package blobstore uploads booking images to S3-compatible storage. Only
// the resulting URLs are persisted.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// MaxImageSize caps a single attachment.
const MaxImageSize = 10 << 20

var (
	ErrDisabled           = errors.New("blob store is disabled")
	ErrUnsupportedType    = errors.New("unsupported image type")
	ErrAttachmentTooLarge = errors.New("attachment too large")
)

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

// Extension returns the file extension for an accepted image content type.
func Extension(contentType string) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	ext, ok := imageExtensions[ct]
	if !ok {
		return "", ErrUnsupportedType
	}
	return ext, nil
}

type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client wraps the S3 client with attachment upload helpers
type Client struct {
	s3     putter
	config *Config
	now    func() time.Time
}

// NewClient creates a new S3 client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	if _, err := s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.BucketName)}); err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.BucketName, err)
	}

	log.Infof("[BlobStore] Initialized S3 client for bucket: %s", cfg.BucketName)
	return &Client{s3: s3Client, config: cfg, now: time.Now}, nil
}

// PutImage stores one booking image and returns its public URL.
func (c *Client) PutImage(ctx context.Context, reference, contentType string, body io.Reader, size int64) (string, error) {
	if c == nil {
		return "", ErrDisabled
	}
	ext, err := Extension(contentType)
	if err != nil {
		return "", err
	}
	if size <= 0 || size > MaxImageSize {
		return "", ErrAttachmentTooLarge
	}

	key := ObjectKey(reference, uuid.New().String(), ext, c.now())
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.config.BucketName),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
		Metadata: map[string]string{
			"reference":     reference,
			"upload-source": "rmb-booking",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Infof("[BlobStore] Uploaded s3://%s/%s", c.config.BucketName, key)
	return c.config.PublicURL(key), nil
}

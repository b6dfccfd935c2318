package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/config"
	"github.com/sirupsen/logrus"
)

// S3Store keeps objects in an S3 (or S3-compatible) bucket
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	logger    *logrus.Logger
}

// NewS3Store creates a client with static credentials. A custom endpoint
// points it at MinIO or another S3-compatible server.
func NewS3Store(ctx context.Context, bucket string, cfg config.S3Config, logger *logrus.Logger) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("access key credentials are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	awsCfg := aws.Config{
		Region:           cfg.Region,
		Credentials:      credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		RetryMode:        aws.RetryModeStandard,
		RetryMaxAttempts: 3,
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.WithFields(logrus.Fields{
		"bucket":   bucket,
		"region":   cfg.Region,
		"endpoint": cfg.Endpoint,
	}).Info("S3 object store initialized")

	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		logger:    logger,
	}, nil
}

// Put uploads the object in a single PutObject call
func (s *S3Store) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	if err := validateKey(key); err != nil {
		return apperr.Store("failed to store object", err)
	}

	// The SDK needs a seekable body to compute payload checksums; uploads are
	// bounded by the upload size limit so buffering is acceptable
	body, ok := data.(io.ReadSeeker)
	if !ok {
		buf, err := io.ReadAll(data)
		if err != nil {
			return apperr.Store("failed to read object data", err)
		}
		body = bytes.NewReader(buf)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		s.logger.WithFields(logrus.Fields{
			"bucket": s.bucket,
			"key":    key,
			"error":  err,
		}).Error("Failed to put object to S3")
		return apperr.Store("failed to put object", err)
	}
	return nil
}

// SignedGetURL presigns a GetObject request
func (s *S3Store) SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", apperr.Store("failed to presign URL", fmt.Errorf("expiration must be positive"))
	}

	request, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", apperr.Store("failed to presign URL", err)
	}
	return request.URL, nil
}

// Close is a no-op, the SDK client holds no resources that need releasing
func (s *S3Store) Close() error {
	return nil
}

var _ ObjectStore = (*S3Store)(nil)

package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store implements Store over an S3-compatible bucket.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

// S3Config describes the bucket and how to reach it. Endpoint is optional
// and used for S3-compatible stores (MinIO and friends).
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Expiry    time.Duration
}

// S3ConfigFromEnv reads the blob configuration.
//
// RELAY_S3_BUCKET enables the store; RELAY_S3_REGION, RELAY_S3_ENDPOINT,
// RELAY_S3_ACCESS_KEY and RELAY_S3_SECRET_KEY refine it. When the bucket is
// unset, ok is false and the caller should use the Disabled store.
func S3ConfigFromEnv() (cfg S3Config, ok bool) {
	bucket := strings.TrimSpace(os.Getenv("RELAY_S3_BUCKET"))
	if bucket == "" {
		return S3Config{}, false
	}
	return S3Config{
		Bucket:    bucket,
		Region:    strings.TrimSpace(os.Getenv("RELAY_S3_REGION")),
		Endpoint:  strings.TrimSpace(os.Getenv("RELAY_S3_ENDPOINT")),
		AccessKey: strings.TrimSpace(os.Getenv("RELAY_S3_ACCESS_KEY")),
		SecretKey: strings.TrimSpace(os.Getenv("RELAY_S3_SECRET_KEY")),
		Expiry:    DefaultPresignExpiry,
	}, true
}

// NewS3Store constructs the S3 blob store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: empty bucket")
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultPresignExpiry
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Compatible stores generally want path-style addressing.
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		expiry:  cfg.Expiry,
	}, nil
}

// PresignPut returns a bounded-lifetime upload URL for the object.
func (s *S3Store) PresignPut(ctx context.Context, key, contentType string) (string, error) {
	if key == "" {
		return "", errors.New("blob: empty key")
	}

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("blob: presign put: %w", err)
	}
	return req.URL, nil
}

// PresignGet returns a bounded-lifetime download URL for the object.
func (s *S3Store) PresignGet(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", errors.New("blob: empty key")
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("blob: presign get: %w", err)
	}
	return req.URL, nil
}

// Delete removes the object from the bucket.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("blob: empty key")
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("blob: delete: %w", err)
	}
	return nil
}

package mediastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

// S3Config holds the S3 backend configuration.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // optional, for S3-compatible services
	PublicBaseURL   string // CDN or bucket URL objects are served from
	Timeout         time.Duration
}

// LoadS3Config loads the S3 backend configuration from S3_* variables.
func LoadS3Config() (*S3Config, error) {
	cfg := &S3Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		PublicBaseURL:   env.GetEnv("S3_PUBLIC_BASE_URL", ""),
		Timeout:         env.GetEnvDuration("S3_TIMEOUT", 60*time.Second),
	}

	if cfg.AccessKeyID == "" {
		return nil, errors.New("S3_ACCESS_KEY_ID is required for the s3 media backend")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("S3_SECRET_ACCESS_KEY is required for the s3 media backend")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("S3_BUCKET_NAME is required for the s3 media backend")
	}
	return cfg, nil
}

// publicBase falls back to the path-style bucket URL.
func (c *S3Config) publicBase() string {
	if c.PublicBaseURL != "" {
		return strings.TrimRight(c.PublicBaseURL, "/")
	}
	if c.EndpointURL != "" {
		return strings.TrimRight(c.EndpointURL, "/") + "/" + c.BucketName
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", c.BucketName, c.Region)
}

// S3Store stores media in an S3 bucket.
type S3Store struct {
	s3Client *s3.Client
	config   *S3Config
	now      func() time.Time
}

// NewS3Store creates the S3 client. No request is made.
func NewS3Store(ctx context.Context, cfg *S3Config) (*S3Store, error) {
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
			o.UseAccelerate = false
		}
	})

	log.Infof("[MediaStore] S3 backend ready for bucket: %s", cfg.BucketName)
	return &S3Store{s3Client: s3Client, config: cfg, now: time.Now}, nil
}

func (s *S3Store) Put(ctx context.Context, userID, name, contentType string, body io.Reader) (*Object, error) {
	data, err := readAll(body)
	if err != nil {
		return nil, err
	}
	key := ObjectKey(userID, name, contentType, s.now())
	if contentType == "" {
		contentType = ContentTypeFor(keyExt(key))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	_, err = s.s3Client.PutObject(callCtx, &s3.PutObjectInput{
		Bucket:        aws.String(s.config.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"user-id":       userID,
			"upload-source": "renderfox",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Debugf("[MediaStore] Uploaded s3://%s/%s (%d bytes)", s.config.BucketName, key, len(data))
	return &Object{Key: key, URL: s.PublicURL(key), Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	_, err := s.s3Client.DeleteObject(callCtx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

func (s *S3Store) PublicURL(key string) string {
	return s.config.publicBase() + "/" + (&url.URL{Path: key}).EscapedPath()
}

func keyExt(key string) string {
	if i := strings.LastIndex(key, "."); i >= 0 && !strings.Contains(key[i:], "/") {
		return key[i:]
	}
	return ""
}

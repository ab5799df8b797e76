package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/pipeweave/restcall/logger"
)

const presignExpiry = 15 * time.Minute

// S3Store is a blob store backed by an S3-compatible bucket (AWS, MinIO,
// lakeFS). Upload targets are presigned PUT/GET URL pairs; uploads go through
// PutObject directly.
type S3Store struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
	endpoint string
	log      logger.Logger
}

// S3StoreConfig configures an S3-compatible blob store.
type S3StoreConfig struct {
	// Endpoint overrides the AWS endpoint for MinIO/lakeFS style deployments.
	// Leave empty for AWS S3 proper.
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// NewS3Store creates a blob store on top of an S3-compatible bucket.
func NewS3Store(ctx context.Context, cfg S3StoreConfig, log logger.Logger) (*S3Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("blob: failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO
		}
	})

	return &S3Store{
		client:   client,
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		endpoint: cfg.Endpoint,
		log:      log,
	}, nil
}

// CreateUploadTarget issues a presigned PUT/GET URL pair for a fresh object key.
func (s *S3Store) CreateUploadTarget(ctx context.Context) (*UploadTarget, error) {
	key := uuid.New().String()

	put, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return nil, fmt.Errorf("blob: failed to presign put: %w", err)
	}

	get, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return nil, fmt.Errorf("blob: failed to presign get: %w", err)
	}

	return &UploadTarget{PutURL: put.URL, GetURL: get.URL}, nil
}

// Upload writes content under a generated key and returns its reference.
func (s *S3Store) Upload(ctx context.Context, content io.Reader, size int64, contentType string) (*Reference, error) {
	key := uuid.New().String()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   content,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("blob: failed to upload object %s: %w", key, err)
	}
	s.log.Debug().Str("bucket", s.bucket).Str("key", key).Msg("Uploaded object")

	get, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return nil, fmt.Errorf("blob: failed to presign get: %w", err)
	}

	return &Reference{
		URL:         get.URL,
		Size:        size,
		ContentType: contentType,
	}, nil
}

// Resolve opens a stored object for reading by its presigned or key URL.
func (s *S3Store) Resolve(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	key := s.keyFromURL(url)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("blob: failed to fetch object %s: %w", key, err)
	}
	length := int64(-1)
	if out.ContentLength != nil {
		length = *out.ContentLength
	}
	return out.Body, length, nil
}

// IsReference reports whether url points into this store's bucket.
func (s *S3Store) IsReference(url string) bool {
	if s.endpoint != "" && strings.HasPrefix(url, s.endpoint) {
		return true
	}
	return strings.Contains(url, s.bucket+".s3.") || strings.Contains(url, "/"+s.bucket+"/")
}

func (s *S3Store) keyFromURL(url string) string {
	trimmed := url
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

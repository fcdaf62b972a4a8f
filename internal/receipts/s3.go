package receipts

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the subset of the S3 client used for uploads.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3 receipt store.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, for MinIO/LocalStack
	AccessKey string // optional static credentials
	SecretKey string
	// PublicBaseURL prefixes returned references; defaults to s3://bucket.
	PublicBaseURL string
}

// S3 stores receipts as S3 objects.
type S3 struct {
	client  PutObjectAPI
	bucket  string
	baseURL string
	now     func() time.Time
}

func NewS3(client PutObjectAPI, bucket, publicBaseURL string) *S3 {
	base := strings.TrimRight(publicBaseURL, "/")
	if base == "" {
		base = "s3://" + bucket
	}
	return &S3{client: client, bucket: bucket, baseURL: base, now: time.Now}
}

// NewS3FromConfig loads AWS configuration and builds the client.
func NewS3FromConfig(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("receipts: bucket is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return NewS3(client, cfg.Bucket, cfg.PublicBaseURL), nil
}

func (s *S3) Store(ctx context.Context, f File, ownerID string) (string, error) {
	if err := validate(f, ownerID); err != nil {
		return "", err
	}
	key := ObjectKey(ownerID, f.Name, s.now())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(f.Data),
		ContentType:   aws.String(contentType(f)),
		ContentLength: aws.Int64(int64(len(f.Data))),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return s.baseURL + "/" + key, nil
}

// Package assets stores rendered videos, narration audio and posters.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config selects the bucket host. Endpoint is set for S3-compatible stores
// (MinIO, Supabase storage, R2); empty means AWS.
type S3Config struct {
	Region    string
	Endpoint  string
	PathStyle bool
	PublicURL string
}

// S3Store is a blob store on any S3-compatible service.
type S3Store struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3 loads AWS credentials from the default chain and builds the client.
func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &S3Store{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the bucket when HeadBucket cannot see it. A bucket
// created concurrently by someone else is not an error.
func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", bucket, err)
}

// Upload streams body into bucket/name and returns its public URL.
func (s *S3Store) Upload(ctx context.Context, bucket, name string, body io.Reader, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(name),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s/%s: %w", bucket, name, err)
	}
	return s.PublicURL(bucket, name), nil
}

// Remove deletes names from bucket in one request.
func (s *S3Store) Remove(ctx context.Context, bucket string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	objects := make([]types.ObjectIdentifier, 0, len(names))
	for _, name := range names {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(name)})
	}
	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("delete objects in %s: %w", bucket, err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("delete objects in %s: %d failed, first %s: %s",
			bucket, len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return nil
}

// PublicURL builds the address clients fetch the object from.
func (s *S3Store) PublicURL(bucket, name string) string {
	key := escapeKey(name)
	switch {
	case s.cfg.PublicURL != "":
		return fmt.Sprintf("%s/%s/%s", s.cfg.PublicURL, bucket, key)
	case s.cfg.Endpoint != "" && s.cfg.PathStyle:
		return fmt.Sprintf("%s/%s/%s", s.cfg.Endpoint, bucket, key)
	case s.cfg.Endpoint != "":
		u, err := url.Parse(s.cfg.Endpoint)
		if err != nil || u.Host == "" {
			return fmt.Sprintf("%s/%s/%s", s.cfg.Endpoint, bucket, key)
		}
		return fmt.Sprintf("%s://%s.%s/%s", u.Scheme, bucket, u.Host, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.cfg.Region, key)
	}
}

func escapeKey(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

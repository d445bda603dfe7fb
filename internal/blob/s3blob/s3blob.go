// Package s3blob stores overflow payloads in S3 (or any S3 compatible
// endpoint). URLs take the form s3://bucket/key.
package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mohammed-shakir/tileindex/internal/blob"
	"github.com/mohammed-shakir/tileindex/internal/core/observability"
)

const backend = "s3"

// API is the subset of the S3 client the store calls.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// PathStyle addresses buckets as endpoint/bucket, needed by most local
	// S3 emulators.
	PathStyle bool
}

type Store struct {
	api API
}

var _ blob.Store = (*Store)(nil)

func Open(ctx context.Context, c Config) (*Store, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(c.Region))
	if err != nil {
		return nil, &blob.BackendError{Backend: backend, Op: "load config", Err: err}
	}
	if c.SecretAccessKey != "" && c.AccessKeyID != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, "")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		o.UsePathStyle = c.PathStyle
	})
	return New(client), nil
}

func New(api API) *Store {
	return &Store{api: api}
}

func parse(rawURL string) (blob.Ref, error) {
	ref, err := blob.ParseURL(rawURL)
	if err != nil {
		return blob.Ref{}, err
	}
	if ref.Scheme != backend {
		return blob.Ref{}, fmt.Errorf("s3 blob store cannot serve %q", rawURL)
	}
	return ref, nil
}

func (s *Store) Put(ctx context.Context, rawURL string, body []byte) error {
	ref, err := parse(rawURL)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(ref.Bucket),
		Key:           aws.String(ref.Key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/octet-stream"),
	})
	observability.ObserveBlobOp(backend, "put", err, time.Since(start).Seconds())
	if err != nil {
		return &blob.BackendError{Backend: backend, Op: "put " + rawURL, Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, rawURL string) ([]byte, error) {
	ref, err := parse(rawURL)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			observability.ObserveBlobOp(backend, "get", nil, time.Since(start).Seconds())
			return nil, fmt.Errorf("s3 get %s: %w", rawURL, blob.ErrNotFound)
		}
		observability.ObserveBlobOp(backend, "get", err, time.Since(start).Seconds())
		return nil, &blob.BackendError{Backend: backend, Op: "get " + rawURL, Err: err}
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	observability.ObserveBlobOp(backend, "get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, &blob.BackendError{Backend: backend, Op: "read " + rawURL, Err: err}
	}
	return b, nil
}

func (s *Store) Delete(ctx context.Context, rawURL string) error {
	ref, err := parse(rawURL)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	observability.ObserveBlobOp(backend, "delete", err, time.Since(start).Seconds())
	if err != nil {
		return &blob.BackendError{Backend: backend, Op: "delete " + rawURL, Err: err}
	}
	return nil
}

package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// S3Store is the production Store backed by Amazon S3.
type S3Store struct {
	client    *s3.Client
	uploader  *manager.Uploader
	presigner *s3.PresignClient
	bucket    string
	log       zerolog.Logger
}

// NewS3Store wraps an already-configured *s3.Client.
func NewS3Store(client *s3.Client, bucket string, logger zerolog.Logger) *S3Store {
	return &S3Store{
		client:    client,
		uploader:  manager.NewUploader(client),
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		log:       logger.With().Str("component", "objectstore").Logger(),
	}
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader) (PutResult, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return PutResult{}, fmt.Errorf("s3 put read: %w", err)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(raw),
	})
	if err != nil {
		return PutResult{}, fmt.Errorf("s3 put: %w", err)
	}

	return PutResult{
		Bucket: s.bucket,
		Key:    key,
		SHA256: sha256Hex(raw),
		Size:   int64(len(raw)),
	}, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("s3 head object: %w", err)
}

func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3 presign get: %w", err)
	}
	return req.URL, nil
}

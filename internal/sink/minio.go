package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/digdir/erproxy-sync/internal/config"
)

// Minio stores objects in a MinIO bucket
type Minio struct {
	client *minio.Client
	bucket string
	region string
	hints  Hints
}

var _ Sink = (*Minio)(nil)

// NewMinio creates a MinIO sink
func NewMinio(bucket string, cfg *config.MinioConfig, hints Hints) (*Minio, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}

	secretKey, err := cfg.GetSecretKey()
	if err != nil {
		return nil, err
	}

	transport, err := minio.DefaultTransport(cfg.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio transport: %w", err)
	}
	if hints.MaxConcurrency > 0 {
		transport.MaxIdleConnsPerHost = hints.MaxConcurrency
		transport.MaxConnsPerHost = hints.MaxConcurrency
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.GetAccessKey(), secretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Minio{client: client, bucket: bucket, region: cfg.Region, hints: hints}, nil
}

// Put implements Sink
func (m *Minio) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := m.hints.checkSize(key, len(data)); err != nil {
		return err
	}

	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", m.bucket, key, err)
	}
	return nil
}

// Get implements Sink
func (m *Minio) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.translateError(key, err)
	}
	defer func() {
		_ = obj.Close()
	}()

	reader := io.Reader(obj)
	if m.hints.MaxTransferSize > 0 {
		reader = io.LimitReader(obj, m.hints.MaxTransferSize+1)
	}
	// Object errors such as NoSuchKey surface on the first read
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, m.translateError(key, err)
	}
	if err := m.hints.checkSize(key, len(data)); err != nil {
		return nil, err
	}
	return data, nil
}

// Delete implements Sink
func (m *Minio) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isMinioNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete %s/%s: %w", m.bucket, key, err)
	}
	return nil
}

// ContainerExists implements Sink
func (m *Minio) ContainerExists(ctx context.Context) (bool, error) {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return false, fmt.Errorf("failed to check bucket %s: %w", m.bucket, err)
	}
	return exists, nil
}

// CreateContainer implements Sink
func (m *Minio) CreateContainer(ctx context.Context) error {
	err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region})
	if err == nil {
		return nil
	}
	if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" {
		return nil
	}
	return fmt.Errorf("failed to create bucket %s: %w", m.bucket, err)
}

func (m *Minio) translateError(key string, err error) error {
	if isMinioNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("failed to get %s/%s: %w", m.bucket, key, err)
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || (resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket")
}

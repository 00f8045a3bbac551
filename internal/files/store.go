package files

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/qiyuhang/multisolve/internal/common"
)

// Metadata describes an uploaded problem attachment as persisted alongside
// the problem statement.
type Metadata struct {
	Key          string `json:"key"`
	OriginalName string `json:"originalname"`
	ContentType  string `json:"mimetype"`
	Size         int64  `json:"size"`
}

// Store is the file-content collaborator: it keeps attachments and hands the
// orchestrator their extracted text. Extraction failures are non-fatal to the
// solve chain; callers receive empty text and proceed.
type Store interface {
	Upload(ctx context.Context, originalName, contentType string, r io.Reader, size int64) (*Metadata, error)
	ExtractText(ctx context.Context, meta *Metadata) (string, error)
	SignedURL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

const maxUploadSize = 5 * 1024 * 1024

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinioStore struct {
	client   *minio.Client
	bucket   string
	initOnce sync.Once
	initErr  error
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access key and secret key are required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	})
	return s.initErr
}

func (s *MinioStore) Upload(ctx context.Context, originalName, contentType string, r io.Reader, size int64) (*Metadata, error) {
	if size > maxUploadSize {
		return nil, &common.ValidationError{Field: "file", Msg: fmt.Sprintf("file size exceeds limit of %dMB", maxUploadSize/(1024*1024))}
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	key := "uploads/" + id + path.Ext(originalName)

	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return nil, err
	}

	return &Metadata{
		Key:          key,
		OriginalName: originalName,
		ContentType:  contentType,
		Size:         size,
	}, nil
}

func (s *MinioStore) ExtractText(ctx context.Context, meta *Metadata) (string, error) {
	if meta == nil || meta.Key == "" {
		return "", nil
	}
	if !textExtractable(meta.ContentType, meta.Key) {
		return "", nil
	}

	obj, err := s.client.GetObject(ctx, s.bucket, meta.Key, minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer obj.Close()

	raw, err := io.ReadAll(io.LimitReader(obj, maxUploadSize))
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

func (s *MinioStore) SignedURL(ctx context.Context, key string) (string, error) {
	reqParams := make(url.Values)
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, 15*time.Minute, reqParams)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// textExtractable limits prompt injection of file bodies to plain-text
// formats. Binary formats are stored and served but contribute no prompt
// text.
func textExtractable(contentType, key string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "text/"):
		return true
	case ct == "application/json", ct == "application/xml":
		return true
	}
	switch strings.ToLower(path.Ext(key)) {
	case ".txt", ".md", ".csv", ".json", ".xml", ".log":
		return true
	}
	return false
}

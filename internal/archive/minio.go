// Package archive copies committed snapshots into object storage. It is
// strictly best-effort: a failed archive write is logged and never fails
// the commit that triggered it.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/AaraikAI/Abode-AI-sub013/internal/store"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Service struct {
	client *minio.Client
	bucket string
	logger *log.Logger
}

func New(cfg Config, logger *log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Service{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// ArchiveSnapshot writes one commit's snapshot to object storage.
func (s *Service) ArchiveSnapshot(ctx context.Context, scope store.Scope, commitID string, snapshot json.RawMessage) error {
	object := ObjectName(scope, commitID)
	reader := bytes.NewReader(snapshot)
	_, err := s.client.PutObject(ctx, s.bucket, object, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("archive snapshot %s: %w", object, err)
	}
	return nil
}

// ArchiveAsync runs ArchiveSnapshot in the background with its own
// timeout, logging failures instead of surfacing them.
func (s *Service) ArchiveAsync(scope store.Scope, commitID string, snapshot json.RawMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.ArchiveSnapshot(ctx, scope, commitID, snapshot); err != nil {
			s.logger.Printf("archive: %v", err)
		}
	}()
}

// ObjectName is the bucket key for a commit's snapshot.
func ObjectName(scope store.Scope, commitID string) string {
	return path.Join(scope.OrgID, scope.EntityType, scope.EntityID, commitID+".json")
}

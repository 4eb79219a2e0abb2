package archive

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3PutAPI is the slice of the S3 client the archiver needs.
type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes snapshots to an S3 bucket.
type S3Archiver struct {
	client s3PutAPI
	bucket string
	prefix string
	logger *log.Logger
}

// NewS3 builds an archiver against the configured bucket, resolving AWS
// credentials from the default chain.
func NewS3(ctx context.Context, bucket, region, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive: ARCHIVE_BUCKET is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		logger: log.New(log.Writer(), "[ARCHIVE] ", log.LstdFlags),
	}, nil
}

// Store writes the payload under its content-addressed key.
func (a *S3Archiver) Store(ctx context.Context, tenantID, dataset string, payload []byte) (string, error) {
	key := Key(a.prefix, tenantID, dataset, time.Now(), payload)
	contentType := "application/json"
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(payload),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}

// MemoryArchiver keeps snapshots in memory. Used by tests and as the
// degraded fallback when no bucket is configured.
type MemoryArchiver struct {
	mu      sync.Mutex
	Objects map[string][]byte

	// FailWith, when set, makes every Store return this error.
	FailWith error
}

// NewMemory creates an empty in-memory archiver.
func NewMemory() *MemoryArchiver {
	return &MemoryArchiver{Objects: make(map[string][]byte)}
}

// Store records the payload under its content-addressed key.
func (m *MemoryArchiver) Store(_ context.Context, tenantID, dataset string, payload []byte) (string, error) {
	key := Key("mem", tenantID, dataset, time.Now(), payload)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return "", m.FailWith
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.Objects[key] = cp
	return key, nil
}

// Len reports the number of archived objects.
func (m *MemoryArchiver) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Objects)
}

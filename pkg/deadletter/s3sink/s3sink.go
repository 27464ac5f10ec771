// Package s3sink implements an optional pkg/deadletter.Sink that uploads
// each spilled dead-letter file to S3, for installations that want
// rejected rows retained off-host. Client construction and the
// PutObject call are adapted from
// DrisanJames-project-jarvis's internal/agent/s3_storage.go.
package s3sink

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dataloom/etlcore/pkg/etlerr"
)

// Config configures the S3 archival sink.
type Config struct {
	Bucket string
	Prefix string // e.g. "etl/deadletters/"
	Region string
}

// Sink implements pkg/deadletter.Sink by uploading the spilled file's
// bytes to S3 under Prefix + the file's base name.
type Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// New loads the default AWS credential chain (env vars, shared config,
// EC2/ECS role) the way s3_storage.go does, and verifies bucket access
// with a non-fatal warning on failure — a fresh bucket may not exist yet.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, etlerr.NewConfigError(fmt.Errorf("load AWS config: %w", err), "s3sink")
	}

	client := s3.NewFromConfig(awsCfg)

	sink := &Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		// Don't fail construction: the bucket may be provisioned out of band.
		fmt.Fprintf(os.Stderr, "s3sink: bucket access check failed for %q: %v\n", cfg.Bucket, err)
	}

	return sink, nil
}

// Archive uploads the file at path to S3 and satisfies
// pkg/deadletter.Sink.
func (s *Sink) Archive(path string) error {
	return s.ArchiveContext(context.Background(), path)
}

// ArchiveContext is the context-aware form of Archive.
func (s *Sink) ArchiveContext(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return etlerr.NewDeadLetterIoError(fmt.Errorf("read spill file: %w", err), "s3sink")
	}

	key := s.prefix + filepath.Base(path)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"uploaded_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return etlerr.NewDeadLetterIoError(fmt.Errorf("upload %s to s3://%s/%s: %w", path, s.bucket, key, err), "s3sink")
	}
	return nil
}

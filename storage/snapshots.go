// Package storage holds compacted document snapshots in S3-compatible
// object storage. Snapshots are strictly an optimization: when the
// store is absent or unavailable, documents load by full update-log
// replay instead.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/config"
)

const snapshotContentType = "application/octet-stream"

// SnapshotKey derives the deterministic object key for a snapshot.
func SnapshotKey(documentID uuid.UUID, seq int64) string {
	return fmt.Sprintf("docs/%s/snapshots/%d.bin", documentID, seq)
}

// Snapshots stores snapshot blobs under deterministic keys. Objects are
// immutable once written.
type Snapshots struct {
	client S3Client
	bucket string
}

// NewSnapshots wraps an S3Client. Use NewS3Client for the real thing.
func NewSnapshots(client S3Client, bucket string) *Snapshots {
	return &Snapshots{client: client, bucket: bucket}
}

// NewS3Client builds the AWS client from blob configuration. A custom
// endpoint switches to path-style addressing, which MinIO requires.
func NewS3Client(ctx context.Context, cfg config.BlobConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true, // important for MinIO
				}, nil
			})))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true // required for MinIO
		}
		o.HTTPClient = &http.Client{}
	}), nil
}

// Ping verifies the bucket is reachable. Called once at startup so a
// misconfigured store is logged, not discovered mid-snapshot.
func (s *Snapshots) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return common.Wrap(common.KindTransient, "snapshot bucket unreachable", err)
	}
	return nil
}

// Put uploads snapshot bytes and returns the object key.
func (s *Snapshots) Put(ctx context.Context, documentID uuid.UUID, seq int64, data []byte) (string, error) {
	key := SnapshotKey(documentID, seq)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(snapshotContentType),
	})
	if err != nil {
		return "", common.Wrap(common.KindTransient, "uploading snapshot", err)
	}
	return key, nil
}

// Get fetches snapshot bytes by object key. Missing objects map to
// NotFound so the hub can distinguish "never snapshotted" from a
// storage outage.
func (s *Snapshots) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, common.E(common.KindNotFound, "snapshot object missing")
		}
		return nil, common.Wrap(common.KindTransient, "fetching snapshot", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "reading snapshot body", err)
	}
	return data, nil
}

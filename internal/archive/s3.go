// Package archive keeps a copy of raw CI log archives in object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3 mirror.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror uploads downloaded log archives to AWS S3.
type S3Mirror struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Mirror loads AWS config and prepares a mirror.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return newS3Mirror(s3.NewFromConfig(awsCfg), cfg), nil
}

func newS3Mirror(client objectPutter, cfg S3Config) *S3Mirror {
	return &S3Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// MirrorArchive stores the zip archive of a run and returns its s3:// URI.
func (m *S3Mirror) MirrorArchive(ctx context.Context, runID string, data []byte) (string, error) {
	if runID == "" {
		return "", errors.New("run id required")
	}
	key := m.objectKey("runs", runID, "logs.zip")

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &m.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: ptr(int64(len(data))),
		ContentType:   ptr("application/zip"),
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

func (m *S3Mirror) objectKey(parts ...string) string {
	if m.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{m.prefix}, parts...)...)
}

func ptr[T any](v T) *T {
	return &v
}

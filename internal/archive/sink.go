// Package archive exports audit snapshots of threats and policy rules to a
// local directory or an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/joshsymonds/sentinel/pkg/logger"
	"github.com/joshsymonds/sentinel/pkg/pathutil"
)

// Sink stores an archive object under a slash-separated key.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
	// Location describes where key ends up, for display.
	Location(key string) string
}

// DirSink writes objects as files beneath a base directory.
type DirSink struct {
	logger  logger.Logger
	baseDir string
}

// NewDirSink creates a sink rooted at baseDir.
func NewDirSink(baseDir string, log logger.Logger) (*DirSink, error) {
	abs, err := pathutil.Clean(baseDir)
	if err != nil {
		return nil, fmt.Errorf("invalid archive directory: %w", err)
	}
	return &DirSink{baseDir: abs, logger: log}, nil
}

// Put writes data to baseDir/key, creating directories as needed.
func (d *DirSink) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := pathutil.JoinAndValidate(d.baseDir, strings.Split(key, "/")...)
	if err != nil {
		return fmt.Errorf("invalid archive key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", target, err)
	}
	d.logger.Debug("Wrote archive object", "path", target, "bytes", len(data))
	return nil
}

// Location returns the file path for key.
func (d *DirSink) Location(key string) string {
	return filepath.Join(d.baseDir, filepath.FromSlash(key))
}

// putObjectAPI is the part of the S3 client the sink uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the bucket snapshots are written to.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint, e.g. for LocalStack or MinIO.
	Endpoint string
}

// S3Sink uploads objects to S3.
type S3Sink struct {
	client putObjectAPI
	logger logger.Logger
	bucket string
	prefix string
}

// NewS3Sink loads AWS credentials from the environment and returns a sink
// for cfg.Bucket.
func NewS3Sink(ctx context.Context, cfg S3Config, log logger.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Sink(client, cfg.Bucket, cfg.Prefix, log), nil
}

func newS3Sink(client putObjectAPI, bucket, prefix string, log logger.Logger) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: log,
	}
}

// Put uploads data as a JSON object.
func (s *S3Sink) Put(ctx context.Context, key string, data []byte) error {
	objectKey := s.objectKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", s.bucket, objectKey, err)
	}
	s.logger.Debug("Uploaded archive object", "bucket", s.bucket, "key", objectKey, "bytes", len(data))
	return nil
}

// Location returns the s3:// URL for key.
func (s *S3Sink) Location(key string) string {
	return "s3://" + s.bucket + "/" + s.objectKey(key)
}

func (s *S3Sink) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

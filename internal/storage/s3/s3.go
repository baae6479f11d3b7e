// Package s3 is the storage backend for Amazon S3 and compatible services.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
)

// Config holds bucket location and credentials.
type Config struct {
	Bucket     string
	Prefix     string
	Region     string
	Endpoint   string // empty uses AWS
	PathStyle  bool
	AccessKey  string
	SecretKey  string
	PartSize   int64 // multipart upload part size (default: s3manager.DefaultUploadPartSize)
	CloseDelay time.Duration
	Logger     zerolog.Logger
}

// Backend stores blobs as bucket objects under an optional key prefix.
type Backend struct {
	cfg      Config
	client   *s3.S3
	uploader *s3manager.Uploader
	logger   zerolog.Logger
}

var _ storage.Backend = (*Backend)(nil)

// Open is the storage.BackendOpener for KindS3 descriptors.
func Open(_ context.Context, desc *registry.Storage, opts storage.OpenOptions) (storage.Backend, error) {
	pathStyle, _ := strconv.ParseBool(desc.Config["path_style"])
	return New(Config{
		Bucket:     desc.Config["bucket"],
		Prefix:     desc.Config["prefix"],
		Region:     desc.Config["region"],
		Endpoint:   desc.Config["endpoint"],
		PathStyle:  pathStyle,
		AccessKey:  desc.Config["access_key"],
		SecretKey:  desc.Config["secret_key"],
		CloseDelay: opts.CloseDelay,
		Logger:     opts.Logger,
	})
}

// New creates an S3 backend. No request is made until first use.
func New(cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = s3manager.DefaultUploadPartSize
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	awsCfg := aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	client := s3.New(sess)
	return &Backend{
		cfg:    cfg,
		client: client,
		uploader: s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
			u.PartSize = cfg.PartSize
		}),
		logger: cfg.Logger.With().Str("backend", "s3").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

func (b *Backend) key(k string) string {
	if b.cfg.Prefix == "" {
		return k
	}
	return path.Join(b.cfg.Prefix, k)
}

// countingReader tracks bytes handed to the uploader.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Put streams r into the bucket. The uploader splits large payloads into
// parts, so r need not be seekable.
func (b *Backend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
		Body:   cr,
	})
	if err != nil {
		return cr.n, fmt.Errorf("upload %s: %w", key, err)
	}
	return cr.n, nil
}

func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return storage.WithCloseDelay(out.Body, b.cfg.CloseDelay), nil
}

// Delete removes key. S3 reports success for absent keys already.
func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// EnsurePrefix is a no-op; bucket keys need no directories.
func (b *Backend) EnsurePrefix(context.Context, string) error {
	return nil
}

// Ping heads the bucket.
func (b *Backend) Ping(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.cfg.Bucket),
	})
	if err != nil {
		b.logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("S3 backend unavailable")
		return fmt.Errorf("%w: head bucket %s: %v", storage.ErrUnreachable, b.cfg.Bucket, err)
	}
	return nil
}

// Capacity is unknown for object stores; buckets have no fixed size.
func (b *Backend) Capacity(context.Context) (storage.Capacity, error) {
	return storage.Capacity{}, storage.ErrCapacityUnknown
}

func (b *Backend) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

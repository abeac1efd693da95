// Package s3 stores reconstructed logs and checkpoints in S3 or an
// S3-compatible service.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	rerrors "github.com/logflow/logrecon/pkg/errors"
)

// MinPartSize is the smallest part S3 accepts for all but the last part.
const MinPartSize = 5 * 1024 * 1024

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (e.g., "us-east-1")
	Region string

	// Bucket is the default bucket name
	Bucket string

	// Endpoint overrides the default S3 endpoint (for S3-compatible services)
	Endpoint string

	// UsePathStyle forces path-style addressing (for MinIO, LocalStack)
	UsePathStyle bool

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Timeouts
	OperationTimeout time.Duration
	UploadTimeout    time.Duration

	// PartSize is the multipart chunk size in bytes (default: 5MB)
	PartSize int64
}

// DefaultConfig returns sensible defaults for S3 configuration.
func DefaultConfig(bucket, region string) Config {
	return Config{
		Bucket:           bucket,
		Region:           region,
		OperationTimeout: 30 * time.Second,
		UploadTimeout:    5 * time.Minute,
		PartSize:         MinPartSize,
	}
}

// API is the subset of the S3 client used by logrecon. *s3.Client
// satisfies it.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// NewAPI builds an SDK client from cfg and the default credential chain.
func NewAPI(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	// Use explicit credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeInvalidConfig, "failed to load AWS config")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Client reads and writes objects in one bucket.
type Client struct {
	cfg Config
	api API
}

// New wraps an API with the bucket and timeouts from cfg.
func New(api API, cfg Config) *Client {
	if cfg.PartSize < MinPartSize {
		cfg.PartSize = MinPartSize
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	return &Client{cfg: cfg, api: api}
}

// Connect loads AWS configuration and returns a Client.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	api, err := NewAPI(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(api, cfg), nil
}

// API returns the underlying S3 API.
func (c *Client) API() API {
	return c.api
}

// Bucket returns the default bucket name.
func (c *Client) Bucket() string {
	return c.cfg.Bucket
}

// URL returns the s3:// URL of key.
func (c *Client) URL(key string) string {
	return "s3://" + c.cfg.Bucket + "/" + key
}

// Reader returns the object body for key. Closing it releases the request.
func (c *Client) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)

	output, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		cancel()
		return nil, rerrors.Wrap(err, rerrors.CodeSinkOpen, "failed to get object").
			WithContext("url", c.URL(key))
	}

	return &cancelOnCloseReader{ReadCloser: output.Body, cancel: cancel}, nil
}

type cancelOnCloseReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelOnCloseReader) Close() error {
	r.cancel()
	return r.ReadCloser.Close()
}

// WriteOptions configures uploads.
type WriteOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Writer returns a buffered multipart writer for key.
func (c *Client) Writer(key string, opts WriteOptions) *Writer {
	return &Writer{
		api:    c.api,
		bucket: c.cfg.Bucket,
		key:    key,
		cfg:    c.cfg,
		opts:   opts,
		buf:    make([]byte, 0, c.cfg.PartSize),
	}
}

// Writer streams data to one object. Data is buffered until a full part is
// available; small objects are sent with a single PutObject on Close.
type Writer struct {
	api    API
	bucket string
	key    string
	cfg    Config
	opts   WriteOptions

	mu       sync.Mutex
	buf      []byte
	parts    []types.CompletedPart
	uploadID string
	partNum  int32
	written  int64
	closed   bool
	err      error
}

// Write buffers p and uploads every complete part.
func (w *Writer) Write(ctx context.Context, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return rerrors.New(rerrors.CodeWriteFailed, "writer is closed")
	}
	if w.err != nil {
		return w.err
	}

	w.buf = append(w.buf, p...)
	w.written += int64(len(p))

	for int64(len(w.buf)) >= w.cfg.PartSize {
		if err := w.uploadPartLocked(ctx, w.buf[:w.cfg.PartSize]); err != nil {
			w.err = err
			w.abortLocked(ctx)
			return err
		}
		w.buf = w.buf[w.cfg.PartSize:]
	}
	return nil
}

// Written returns the number of bytes accepted so far.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Writer) uploadPartLocked(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.UploadTimeout)
	defer cancel()

	if w.uploadID == "" {
		input := &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(w.bucket),
			Key:         aws.String(w.key),
			ContentType: aws.String(w.contentType()),
		}
		if len(w.opts.Metadata) > 0 {
			input.Metadata = w.opts.Metadata
		}

		output, err := w.api.CreateMultipartUpload(ctx, input)
		if err != nil {
			return rerrors.Wrap(err, rerrors.CodeUploadFailed, "failed to create multipart upload").
				WithContext("key", w.key)
		}
		w.uploadID = aws.ToString(output.UploadId)
	}

	w.partNum++
	output, err := w.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(w.partNum),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return rerrors.Wrap(err, rerrors.CodeUploadFailed, fmt.Sprintf("failed to upload part %d", w.partNum)).
			WithContext("key", w.key)
	}

	w.parts = append(w.parts, types.CompletedPart{
		ETag:       output.ETag,
		PartNumber: aws.Int32(w.partNum),
	})
	return nil
}

// abortLocked drops a started multipart upload so its parts are not billed.
func (w *Writer) abortLocked(ctx context.Context) {
	if w.uploadID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.OperationTimeout)
	defer cancel()
	_, _ = w.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	w.uploadID = ""
}

// Close uploads the remaining data and completes the object.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.err != nil {
		return w.err
	}

	// Small object: one PUT.
	if w.uploadID == "" {
		putCtx, cancel := context.WithTimeout(ctx, w.cfg.UploadTimeout)
		defer cancel()

		input := &s3.PutObjectInput{
			Bucket:      aws.String(w.bucket),
			Key:         aws.String(w.key),
			Body:        bytes.NewReader(w.buf),
			ContentType: aws.String(w.contentType()),
		}
		if len(w.opts.Metadata) > 0 {
			input.Metadata = w.opts.Metadata
		}
		if _, err := w.api.PutObject(putCtx, input); err != nil {
			return rerrors.Wrap(err, rerrors.CodeUploadFailed, "failed to put object").
				WithContext("key", w.key)
		}
		return nil
	}

	if len(w.buf) > 0 {
		if err := w.uploadPartLocked(ctx, w.buf); err != nil {
			w.abortLocked(ctx)
			return err
		}
		w.buf = w.buf[:0]
	}

	completeCtx, cancel := context.WithTimeout(ctx, w.cfg.UploadTimeout)
	defer cancel()

	_, err := w.api.CompleteMultipartUpload(completeCtx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		w.abortLocked(ctx)
		return rerrors.Wrap(err, rerrors.CodeUploadFailed, "failed to complete multipart upload").
			WithContext("key", w.key)
	}
	return nil
}

func (w *Writer) contentType() string {
	if w.opts.ContentType != "" {
		return w.opts.ContentType
	}
	return "application/octet-stream"
}

// ParseURL splits s3://bucket/key into its parts.
func ParseURL(raw string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return "", "", errors.New("not an s3:// URL: " + raw)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", errors.New("s3 URL needs a bucket and a key: " + raw)
	}
	return bucket, key, nil
}

// IsURL reports whether raw uses the s3:// scheme.
func IsURL(raw string) bool {
	return strings.HasPrefix(raw, "s3://")
}

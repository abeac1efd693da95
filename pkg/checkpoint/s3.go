package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	rerrors "github.com/logflow/logrecon/pkg/errors"
)

// S3API is the subset of the S3 client used by S3Backend.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures the S3 checkpoint backend.
type S3Config struct {
	// Bucket is the S3 bucket for storing checkpoints
	Bucket string

	// Prefix is prepended to all checkpoint keys (e.g., "checkpoints/")
	Prefix string

	// Timeout for S3 operations
	Timeout time.Duration

	// ServerSideEncryption enables SSE-S3 encryption
	ServerSideEncryption bool
}

// DefaultS3Config returns sensible defaults.
func DefaultS3Config(bucket string) S3Config {
	return S3Config{
		Bucket:  bucket,
		Prefix:  "logrecon/checkpoints/",
		Timeout: 30 * time.Second,
	}
}

// S3Backend stores checkpoints as JSON objects in S3.
type S3Backend struct {
	cfg    S3Config
	client S3API
}

// NewS3Backend creates a backend on top of an S3 client.
func NewS3Backend(client S3API, cfg S3Config) *S3Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &S3Backend{cfg: cfg, client: client}
}

func (b *S3Backend) key(id string) string {
	return b.cfg.Prefix + id + ".json"
}

// Save writes the checkpoint object.
func (b *S3Backend) Save(ctx context.Context, cp *Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(cp)
	if err != nil {
		return rerrors.Wrap(err, rerrors.CodeCheckpointSave, "failed to marshal checkpoint")
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(b.key(cp.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if b.cfg.ServerSideEncryption {
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return rerrors.Wrap(err, rerrors.CodeCheckpointSave, "failed to save checkpoint to S3").
			WithContext("key", b.key(cp.ID))
	}
	return nil
}

// Load reads a checkpoint object.
func (b *S3Backend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, rerrors.CheckpointNotFound(id)
		}
		return nil, rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to load checkpoint from S3").
			WithContext("key", b.key(id))
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to read checkpoint data")
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to unmarshal checkpoint")
	}
	return &cp, nil
}

// Delete removes a checkpoint object.
func (b *S3Backend) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		return rerrors.Wrap(err, rerrors.CodeCheckpointSave, "failed to delete checkpoint from S3").
			WithContext("key", b.key(id))
	}
	return nil
}

// List pages through all checkpoint objects under the prefix.
func (b *S3Backend) List(ctx context.Context) ([]*Checkpoint, error) {
	var checkpoints []*Checkpoint
	var token *string

	for {
		listCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		output, err := b.client.ListObjectsV2(listCtx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.cfg.Bucket),
			Prefix:            aws.String(b.cfg.Prefix),
			ContinuationToken: token,
		})
		cancel()
		if err != nil {
			return nil, rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to list checkpoints")
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(key, b.cfg.Prefix), ".json")
			cp, err := b.Load(ctx, id)
			if err != nil {
				continue // Skip invalid checkpoints
			}
			checkpoints = append(checkpoints, cp)
		}

		if !aws.ToBool(output.IsTruncated) {
			break
		}
		token = output.NextContinuationToken
	}

	return checkpoints, nil
}

// Name returns "s3".
func (b *S3Backend) Name() string {
	return "s3"
}

var _ Backend = (*S3Backend)(nil)

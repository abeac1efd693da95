package sink

import (
	"context"

	s3store "github.com/logflow/logrecon/pkg/storage/s3"
)

// S3Sink streams lines into one S3 object. Parts are uploaded as they fill;
// the object becomes visible on Close.
type S3Sink struct {
	key string
	url string
	w   *s3store.Writer
}

// NewS3Sink creates a sink writing to key in the client's bucket.
func NewS3Sink(client *s3store.Client, key string) *S3Sink {
	return &S3Sink{
		key: key,
		url: client.URL(key),
		w:   client.Writer(key, s3store.WriteOptions{ContentType: "text/plain; charset=utf-8"}),
	}
}

// URL returns the s3:// URL of the object.
func (s *S3Sink) URL() string {
	return s.url
}

// WriteLine appends line and a newline.
func (s *S3Sink) WriteLine(ctx context.Context, line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	return s.w.Write(ctx, buf)
}

// Close completes the upload.
func (s *S3Sink) Close(ctx context.Context) error {
	return s.w.Close(ctx)
}

var _ Sink = (*S3Sink)(nil)

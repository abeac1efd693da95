// Package fakes3 is an in-memory S3 used by tests.
package fakes3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrInjected is returned by operations listed in Server.FailOn.
var ErrInjected = errors.New("fakes3: injected failure")

type upload struct {
	bucket, key string
	parts       map[int32][]byte
}

// Server implements the S3 operations used by logrecon.
type Server struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]*upload
	nextID  int

	// PageSize limits ListObjectsV2 results per call. Zero means 1000.
	PageSize int

	// FailOn names operations that return ErrInjected, e.g. "UploadPart".
	FailOn map[string]bool

	// Calls counts invocations per operation.
	Calls map[string]int
}

// New creates an empty server.
func New() *Server {
	return &Server{
		objects: make(map[string][]byte),
		uploads: make(map[string]*upload),
		FailOn:  make(map[string]bool),
		Calls:   make(map[string]int),
	}
}

func objectKey(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

func (s *Server) call(op string) error {
	s.Calls[op]++
	if s.FailOn[op] {
		return ErrInjected
	}
	return nil
}

// Object returns a stored object.
func (s *Server) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	return data, ok
}

// PendingUploads returns the number of multipart uploads neither completed
// nor aborted.
func (s *Server) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func (s *Server) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("PutObject"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.objects[objectKey(in.Bucket, in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (s *Server) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("GetObject"); err != nil {
		return nil, err
	}
	data, ok := s.objects[objectKey(in.Bucket, in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (s *Server) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("DeleteObject"); err != nil {
		return nil, err
	}
	delete(s.objects, objectKey(in.Bucket, in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (s *Server) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListObjectsV2"); err != nil {
		return nil, err
	}

	bucketPrefix := aws.ToString(in.Bucket) + "/"
	prefix := aws.ToString(in.Prefix)
	var keys []string
	for k := range s.objects {
		key, ok := strings.CutPrefix(k, bucketPrefix)
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start = sort.SearchStrings(keys, *in.ContinuationToken)
	}
	size := s.PageSize
	if size <= 0 {
		size = 1000
	}
	end := start + size
	truncated := end < len(keys)
	if !truncated {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(truncated)}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(s.objects[bucketPrefix+k]))),
		})
	}
	if truncated {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (s *Server) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("CreateMultipartUpload"); err != nil {
		return nil, err
	}
	s.nextID++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.uploads[id] = &upload{
		bucket: aws.ToString(in.Bucket),
		key:    aws.ToString(in.Key),
		parts:  make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (s *Server) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("UploadPart"); err != nil {
		return nil, err
	}
	u, ok := s.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	n := aws.ToInt32(in.PartNumber)
	u.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (s *Server) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	u, ok := s.uploads[id]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}

	var buf bytes.Buffer
	for _, p := range in.MultipartUpload.Parts {
		data, ok := u.parts[aws.ToInt32(p.PartNumber)]
		if !ok {
			return nil, fmt.Errorf("fakes3: part %d was never uploaded", aws.ToInt32(p.PartNumber))
		}
		buf.Write(data)
	}
	s.objects[u.bucket+"/"+u.key] = buf.Bytes()
	delete(s.uploads, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (s *Server) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("AbortMultipartUpload"); err != nil {
		return nil, err
	}
	delete(s.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

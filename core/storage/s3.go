// Package storage provides file sources backed by remote object stores.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/stream"
)

// S3API is the part of the S3 client S3Source uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Source serves files from a bucket. Paths are object keys below prefix;
// "directories" are key prefixes ending in '/'.
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	src := storage.NewS3Source(s3.NewFromConfig(cfg), "my-bucket", "public/")
type S3Source struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Source(client S3API, bucket, prefix string) *S3Source {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

// NewS3SourceFromEnv builds the client from the default AWS configuration
// chain (environment, shared config, instance role).
func NewS3SourceFromEnv(ctx context.Context, region, bucket, prefix string) (*S3Source, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return NewS3Source(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (s *S3Source) key(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	return s.prefix + p
}

func (s *S3Source) Stat(ctx context.Context, p string) (http.FileInfo, error) {
	key := s.key(p)
	name := path.Base("/" + strings.TrimSuffix(key, "/"))

	if key != "" && !strings.HasSuffix(key, "/") {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return http.FileInfo{
				Name:    name,
				Size:    aws.ToInt64(out.ContentLength),
				ModTime: aws.ToTime(out.LastModified),
			}, nil
		}
		if !isNotFound(err) {
			return http.FileInfo{}, http.Transport(err, "head s3://"+s.bucket+"/"+key)
		}
	}

	dir := strings.TrimSuffix(key, "/")
	if dir != "" {
		dir += "/"
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(dir),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return http.FileInfo{}, http.Transport(err, "list s3://"+s.bucket+"/"+dir)
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return http.FileInfo{}, errors.Mark(errors.Newf("s3://%s/%s does not exist", s.bucket, key), http.ErrNotFound)
	}
	return http.FileInfo{Name: name, IsDir: true}, nil
}

func (s *S3Source) Open(ctx context.Context, p string) (stream.ReadAtCloser, error) {
	return &object{ctx: ctx, client: s.client, bucket: s.bucket, key: s.key(p)}, nil
}

func (s *S3Source) ReadDir(ctx context.Context, p string) ([]http.FileInfo, error) {
	dir := s.key(p)
	if dir != "" && !strings.HasSuffix(dir, "/") {
		dir += "/"
	}

	var out []http.FileInfo
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(dir),
		Delimiter: aws.String("/"),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, http.Transport(err, "list s3://"+s.bucket+"/"+dir)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dir), "/")
			out = append(out, http.FileInfo{Name: name, IsDir: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), dir)
			if name == "" {
				continue
			}
			out = append(out, http.FileInfo{
				Name:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

// object reads byte ranges of one key with ranged GetObject calls.
type object struct {
	ctx    context.Context
	client S3API
	bucket string
	key    string
}

func (o *object) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	out, err := o.client.GetObject(o.ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, http.NotFound(err, "get s3://"+o.bucket+"/"+o.key)
		}
		return 0, http.Transport(err, "get s3://"+o.bucket+"/"+o.key)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

func (o *object) Close() error { return nil }

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cache

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
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 layout: <prefix>/<key>, one object per artifact.
// S3 does not support append; writers buffer and upload on Close.

func init() {
	BackendRegistry["s3"] = func(cfg BackendConfig) (Engine, error) {
		if cfg.Bucket == "" {
			return nil, errors.New("s3 backend: no bucket")
		}
		return NewS3Storage(cfg), nil
	}
}

type S3Storage struct {
	cfg    BackendConfig
	prefix string

	mu     sync.Mutex
	client *s3.Client
}

func NewS3Storage(cfg BackendConfig) *S3Storage {
	return &S3Storage{cfg: cfg, prefix: strings.TrimSuffix(cfg.Prefix, "/")}
}

func (s *S3Storage) ensureOpen() (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	ctx := context.Background()

	// Build AWS config with custom credentials
	var opts []func(*config.LoadOptions) error

	if s.cfg.Region != "" {
		opts = append(opts, config.WithRegion(s.cfg.Region))
	}

	if s.cfg.AccessKeyID != "" && s.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				s.cfg.AccessKeyID,
				s.cfg.SecretAccessKey,
				"", // session token
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 backend: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	if s.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
		})
	}

	if s.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	s.client = s3.NewFromConfig(awsCfg, s3Opts...)
	return s.client, nil
}

func (s *S3Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *S3Storage) ReadArtifact(key string) io.ReadCloser {
	client, err := s.ensureOpen()
	if err != nil {
		return ErrorReader{err}
	}
	resp, err := client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(key)),
	})
	var missing *types.NoSuchKey
	if errors.As(err, &missing) {
		return ErrorReader{fmt.Errorf("%w: %s", ErrNotFound, key)}
	} else if err != nil {
		return ErrorReader{err}
	}
	return resp.Body
}

type s3WriteCloser struct {
	s      *S3Storage
	client *s3.Client
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *s3WriteCloser) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *s3WriteCloser) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	_, err := w.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(w.s.cfg.Bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	return err
}

func (s *S3Storage) WriteArtifact(key string) (io.WriteCloser, error) {
	client, err := s.ensureOpen()
	if err != nil {
		return nil, err
	}
	return &s3WriteCloser{s: s, client: client, key: s.key(key)}, nil
}

func (s *S3Storage) RemoveArtifact(key string) {
	client, err := s.ensureOpen()
	if err != nil {
		return
	}
	_, _ = client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(key)),
	})
}

// each calls f for every object below the prefix.
func (s *S3Storage) each(f func(client *s3.Client, obj types.Object)) error {
	client, err := s.ensureOpen()
	if err != nil {
		return err
	}
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.cfg.Bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}
	paginator := s3.NewListObjectsV2Paginator(client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			f(client, obj)
		}
	}
	return nil
}

func (s *S3Storage) ListArtifacts() ([]string, error) {
	var keys []string
	err := s.each(func(_ *s3.Client, obj types.Object) {
		name := aws.ToString(obj.Key)
		if s.prefix != "" {
			name = strings.TrimPrefix(name, s.prefix+"/")
		}
		keys = append(keys, name)
	})
	sort.Strings(keys)
	return keys, err
}

func (s *S3Storage) Remove() {
	_ = s.each(func(client *s3.Client, obj types.Object) {
		_, _ = client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    obj.Key,
		})
	})
}

// Package objectstore wraps S3-compatible object storage behind the small
// surface the sync engine needs: recursive listing and streaming reads.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Default timeouts for object-store operations.
const (
	DefaultListTimeout = 2 * time.Minute  // full recursive listings can be large
	DefaultDataTimeout = 10 * time.Minute // bounds one object download end to end
)

// ObjectInfo is the listing metadata the sync engine keys its skip decisions on.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

// Client is the object-store surface consumed by the sync engine.
type Client interface {
	// ListObjects returns metadata for every object under prefix, recursively.
	// Returns an empty slice (never nil) when nothing matches.
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// GetObject opens a streaming read of one object. The returned reader must
	// be closed by the caller.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Config holds connection and timeout settings for the S3 client.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string

	// ListTimeout bounds one recursive listing. Defaults to 2m if zero.
	ListTimeout time.Duration

	// DataTimeout bounds one object download. Defaults to 10m if zero.
	DataTimeout time.Duration
}

// S3Client implements Client using MinIO / S3-compatible storage.
type S3Client struct {
	client      *minio.Client
	listTimeout time.Duration
	dataTimeout time.Duration
}

// New creates an S3Client connected to the configured endpoint. The HTTP
// transport carries explicit dial and TLS timeouts; per-operation context
// timeouts bound every call.
func New(cfg Config) (*S3Client, error) {
	listTimeout := cfg.ListTimeout
	if listTimeout == 0 {
		listTimeout = DefaultListTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &S3Client{
		client:      client,
		listTimeout: listTimeout,
		dataTimeout: dataTimeout,
	}, nil
}

// ListObjects returns metadata for every object under prefix, recursively.
func (s *S3Client) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.listTimeout)
	defer cancel()

	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}

	objects := make([]ObjectInfo, 0)
	for obj := range s.client.ListObjects(ctx, bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects %s/%s: %w", bucket, prefix, obj.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			ETag:         strings.Trim(obj.ETag, `"`),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return objects, nil
}

// GetObject opens a streaming read of one object. The data timeout covers the
// whole download; closing the reader releases it.
func (s *S3Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}

	// Stat forces the request so missing keys surface here, not mid-read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		cancel()
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("get object %s/%s: object does not exist", bucket, key)
		}
		return nil, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
	}

	return &cancelReadCloser{ReadCloser: obj, cancel: cancel}, nil
}

// cancelReadCloser ties the download context to the reader's lifetime.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

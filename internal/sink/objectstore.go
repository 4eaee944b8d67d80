package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seantiz/forge/internal/model"
)

// RunIDPlaceholder in an object key is replaced by the run id on upload.
const RunIDPlaceholder = "{run_id}"

// ObjectStoreConfig locates an S3-compatible endpoint.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// ObjectStore uploads encoded rows as a single object.
type ObjectStore struct {
	client  *minio.Client
	cfg     ObjectStoreConfig
	key     string
	encoder Encoder
}

// NewObjectStore builds the client. No request is made until Write.
func NewObjectStore(cfg ObjectStoreConfig, key string, enc Encoder) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("object store config: %w", err)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &ObjectStore{client: client, cfg: cfg, key: key, encoder: enc}, nil
}

// Key returns the object key for run.
func (s *ObjectStore) Key(run *model.Run) string {
	return strings.ReplaceAll(s.key, RunIDPlaceholder, run.ID)
}

func (s *ObjectStore) Write(ctx context.Context, run *model.Run, rows []model.Row) error {
	var buf bytes.Buffer
	if err := s.encoder.Encode(&buf, rows); err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", s.cfg.Bucket, err)
	}
	key := s.Key(run)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{ContentType: s.encoder.ContentType()})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", s.cfg.Bucket, key, err)
	}
	return nil
}

func (s *ObjectStore) String() string {
	return "s3://" + s.cfg.Bucket + "/" + s.key
}

func (s *ObjectStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

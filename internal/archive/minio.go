package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// LinkTTL is how long a presigned report link stays valid.
const LinkTTL = 15 * time.Minute

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		missing = append(missing, "access key")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		missing = append(missing, "secret key")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return errors.New("archive config missing " + strings.Join(missing, ", "))
	}
	return nil
}

// Stored describes an archived report.
type Stored struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MinioArchive writes reports to an S3-compatible bucket.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinio connects to the bucket named in cfg and creates it when missing.
func NewMinio(ctx context.Context, cfg Config) (*MinioArchive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioArchive{client: client, bucket: cfg.Bucket}, nil
}

// Store uploads body under key and returns a presigned download link.
func (a *MinioArchive) Store(ctx context.Context, key string, body []byte, now time.Time) (Stored, error) {
	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return Stored{}, fmt.Errorf("put object %s: %w", key, err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", "attachment; filename=\"report.json\"")
	link, err := a.client.PresignedGetObject(ctx, a.bucket, key, LinkTTL, params)
	if err != nil {
		return Stored{}, fmt.Errorf("presign %s: %w", key, err)
	}
	return Stored{Key: key, Size: info.Size, URL: link.String(), ExpiresAt: now.Add(LinkTTL).UTC()}, nil
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
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Package objstore writes migrated content to the S3-compatible destination
// bucket and issues long-lived signed retrieval URLs.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// maxSignTTL is the SigV4 ceiling for presigned URLs. The configured link
// lifetime is "on the order of a year"; the protocol caps what a single
// signature can carry, so requests beyond the cap are clamped.
const maxSignTTL = 7 * 24 * time.Hour

// DefaultLinkTTL is the requested retrieval-link lifetime.
const DefaultLinkTTL = 365 * 24 * time.Hour

// Config holds destination credentials. Endpoint may carry an http(s) scheme
// or be a bare host.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	LinkTTL   time.Duration // 0 means DefaultLinkTTL
}

// Client is a thin wrapper over one destination bucket.
type Client struct {
	mc      *minio.Client
	bucket  string
	linkTTL time.Duration
	logger  *slog.Logger
}

// New validates credentials and builds a client. Missing credentials are a
// configuration error and abort the run.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("objstore: endpoint, access key, secret key and bucket are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	secure := !strings.HasPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: init client: %w", err)
	}

	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}
	return &Client{mc: mc, bucket: cfg.Bucket, linkTTL: ttl, logger: logger}, nil
}

// Put uploads one object.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("objstore: put %s: %w", key, err)
	}
	return nil
}

// SignedURL issues a time-limited GET URL for an uploaded object, clamped to
// the signing protocol's ceiling.
func (c *Client) SignedURL(ctx context.Context, key string) (string, error) {
	ttl := c.linkTTL
	if ttl > maxSignTTL {
		ttl = maxSignTTL
	}
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("objstore: sign %s: %w", key, err)
	}
	return u.String(), nil
}

// List returns the keys under a prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("objstore: list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// CheckBucket verifies the bucket exists and the credentials can see it.
func (c *Client) CheckBucket(ctx context.Context) error {
	ok, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("objstore: head bucket %s: %w", c.bucket, err)
	}
	if !ok {
		return fmt.Errorf("objstore: bucket %s not found", c.bucket)
	}
	return nil
}

// ObjectKey derives the destination key for one migrated file:
// <UTC-date>/<ticketID>_<filename>. A filename that already carries the
// ticket prefix is not prefixed again, so re-runs on the same day reproduce
// the same key while re-runs on a later date produce a distinct dated key.
func ObjectKey(ticketID int64, now time.Time, filename string) string {
	prefix := fmt.Sprintf("%d_", ticketID)
	if !strings.HasPrefix(filename, prefix) {
		filename = prefix + filename
	}
	return now.UTC().Format("20060102") + "/" + filename
}

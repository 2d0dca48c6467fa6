package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// UploadOptions describe the object written by Uploader.
type UploadOptions struct {
	ContentType  string
	CacheControl string
	Metadata     map[string]string
}

// Uploader writes rendered assets to Cloud Storage.
type Uploader struct {
	client *gcs.Client
}

// NewUploader constructs an Uploader backed by the provided Cloud Storage client.
func NewUploader(client *gcs.Client) (*Uploader, error) {
	if client == nil {
		return nil, errors.New("storage uploader: client is required")
	}
	return &Uploader{client: client}, nil
}

// Upload writes data to bucket/object, replacing any existing object.
func (u *Uploader) Upload(ctx context.Context, bucket, object string, data []byte, opts UploadOptions) error {
	if u == nil || u.client == nil {
		return errors.New("storage uploader: client is not initialised")
	}
	bucket = strings.TrimSpace(bucket)
	object = strings.TrimSpace(object)
	if bucket == "" {
		return errInvalidBucket
	}
	if object == "" {
		return errInvalidObject
	}

	w := u.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.CacheControl = opts.CacheControl
	if len(opts.Metadata) > 0 {
		w.Metadata = opts.Metadata
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage uploader: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage uploader: finalize %s: %w", object, err)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (u *Uploader) Ping(ctx context.Context, bucket string) error {
	if u == nil || u.client == nil {
		return errors.New("storage uploader: client is not initialised")
	}
	if _, err := u.client.Bucket(bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("storage uploader: bucket %s: %w", bucket, err)
	}
	return nil
}

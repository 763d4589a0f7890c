package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"callsync/internal/services"
)

// GCSStore writes recordings into a Cloud Storage bucket.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	prefix  string
	baseURL string
}

// GCSOptions configures NewGCS.
type GCSOptions struct {
	Bucket          string
	Prefix          string
	PublicBaseURL   string
	CredentialsFile string
}

// NewGCS creates a storage client using application default credentials
// unless a credentials file is given.
func NewGCS(ctx context.Context, opts GCSOptions) (*GCSStore, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "object-store", "gcs", "bucket is required", nil)
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{
		client:  client,
		bucket:  opts.Bucket,
		prefix:  opts.Prefix,
		baseURL: opts.PublicBaseURL,
	}, nil
}

// Put uploads body as prefix/name.
func (s *GCSStore) Put(ctx context.Context, name string, body io.Reader, size int64) (Object, error) {
	object := ObjectName(s.prefix, name)
	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = ContentType(name)

	written, err := io.Copy(writer, body)
	if err != nil {
		writer.Close()
		return Object{}, services.Wrap(services.ErrTransient, "object-store", "gcs write", object, err)
	}
	if err := writer.Close(); err != nil {
		return Object{}, services.Wrap(services.ErrTransient, "object-store", "gcs close", object, err)
	}
	if written == 0 {
		written = size
	}
	return Object{URL: PublicURL(s.baseURL, s.bucket, object), Size: written}, nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// ObjectName joins prefix and the file's base name.
func ObjectName(prefix, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return base
	}
	return prefix + "/" + base
}

// PublicURL builds the download URL for object, using baseURL when set.
func PublicURL(baseURL, bucket, object string) string {
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		return baseURL + "/" + object
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, object)
}

package rawstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// GCSSink writes blobs to a Cloud Storage bucket under an optional prefix.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink wraps an existing storage client. The caller owns the client.
func NewGCSSink(client *storage.Client, bucket, prefix string) *GCSSink {
	return &GCSSink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ObjectName returns the object path used for name.
func (s *GCSSink) ObjectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Save uploads data as application/json.
func (s *GCSSink) Save(ctx context.Context, name string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(s.ObjectName(name)).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", s.bucket, s.ObjectName(name), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, s.ObjectName(name), err)
	}
	return nil
}

// UploadFile copies a local file to the bucket and returns its gs:// URI.
func (s *GCSSink) UploadFile(ctx context.Context, name, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open file %q: %w", filePath, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	object := s.ObjectName(name)
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/pdf"

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("copy file to GCS writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize upload: %w", err)
	}
	return "gs://" + s.bucket + "/" + object, nil
}

// IsGCSURI reports whether uri has the gs:// scheme.
func IsGCSURI(uri string) bool {
	return strings.HasPrefix(uri, "gs://")
}

// SplitGCSURI splits gs://bucket/object into its parts.
func SplitGCSURI(uri string) (bucket, object string, err error) {
	if !IsGCSURI(uri) {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// FetchToFile downloads a gs:// object into dir and returns the local path.
// The file keeps the object's base name so document names survive.
func FetchToFile(ctx context.Context, client *storage.Client, uri, dir string) (string, error) {
	bucket, object, err := SplitGCSURI(uri)
	if err != nil {
		return "", fmt.Errorf("FetchToFile: %w", err)
	}

	rc, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("FetchToFile: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	local := filepath.Join(dir, path.Base(object))
	f, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("FetchToFile: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", fmt.Errorf("FetchToFile: reading bytes: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("FetchToFile: %w", err)
	}
	return local, nil
}

// GCSFetcher downloads gs:// documents with a shared storage client.
type GCSFetcher struct {
	client *storage.Client
}

// NewGCSFetcher wraps client. The caller owns the client.
func NewGCSFetcher(client *storage.Client) *GCSFetcher {
	return &GCSFetcher{client: client}
}

// Fetch downloads uri into dir.
func (f *GCSFetcher) Fetch(ctx context.Context, uri, dir string) (string, error) {
	return FetchToFile(ctx, f.client, uri, dir)
}

var _ Sink = (*GCSSink)(nil)

// Package upload keeps wizard file uploads in a gocloud.dev blob bucket.
// The wizard state only ever holds a FileRef handle; the bytes live here
// until the session expires or is reset.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	"gocloud.dev/gcerrors"

	"github.com/pitabwire/droponboard/internal/observability"
	"github.com/pitabwire/droponboard/model"
)

// sniffLen is how many leading bytes content sniffing considers.
const sniffLen = 512

// Store writes and reads uploaded documents.
type Store struct {
	bucket   *blob.Bucket
	maxBytes int64
	metrics  *observability.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records upload sizes.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// OpenBucket opens the bucket at url, e.g. "mem://" or
// "file:///var/lib/drop/uploads".
func OpenBucket(ctx context.Context, url string) (*blob.Bucket, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open upload bucket %q: %w", url, err)
	}
	return b, nil
}

// NewStore creates a Store over bucket. Uploads larger than maxBytes are
// refused outright; per-field size rules are checked later by validation.
func NewStore(bucket *blob.Bucket, maxBytes int64, opts ...Option) *Store {
	s := &Store{bucket: bucket, maxBytes: maxBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores one document for sessionID and returns its reference. The MIME
// type is sniffed from content; the declared type is used only when the
// content is not recognisable.
func (s *Store) Put(ctx context.Context, sessionID, category, filename, declaredType string, r io.Reader) (model.FileRef, error) {
	limit := s.maxBytes
	if limit <= 0 {
		limit = 5 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return model.FileRef{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return model.FileRef{}, model.NewBadRequestError(
			fmt.Sprintf("file exceeds the %s upload limit", humanize.IBytes(uint64(limit))),
		)
	}
	if len(data) == 0 {
		return model.FileRef{}, model.NewBadRequestError("file is empty")
	}

	name := cleanFilename(filename)
	mimeType := detectType(data, declaredType)
	handle := path.Join(sessionID, uuid.New().String()+strings.ToLower(path.Ext(name)))

	err = s.bucket.WriteAll(ctx, handle, data, &blob.WriterOptions{
		ContentType: mimeType,
		Metadata: map[string]string{
			"filename": name,
			"category": category,
		},
	})
	if err != nil {
		return model.FileRef{}, fmt.Errorf("write upload %q: %w", handle, err)
	}
	if s.metrics != nil {
		s.metrics.RecordUpload(int64(len(data)))
	}

	return model.FileRef{
		Handle:   handle,
		Filename: name,
		MIMEType: mimeType,
		Size:     int64(len(data)),
		Category: category,
	}, nil
}

// Open returns a reader for the document behind handle.
func (s *Store) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, handle, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, model.NewNotFoundError(fmt.Sprintf("upload %q not found", handle))
		}
		return nil, fmt.Errorf("open upload %q: %w", handle, err)
	}
	return r, nil
}

// DeleteSession removes every document stored for sessionID.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: sessionID + "/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list uploads for %q: %w", sessionID, err)
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("delete upload %q: %w", obj.Key, err)
		}
	}
}

// HealthCheck reports whether the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	ok, err := s.bucket.IsAccessible(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("upload bucket is not accessible")
	}
	return nil
}

// Close closes the underlying bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

func detectType(data []byte, declared string) string {
	sniffed := baseType(http.DetectContentType(data[:min(len(data), sniffLen)]))
	declared = baseType(declared)
	if sniffed == "application/octet-stream" && declared != "" {
		return declared
	}
	// Plain text sniffing cannot tell CSV or JSON apart from text.
	if sniffed == "text/plain" && strings.HasPrefix(declared, "text/") {
		return declared
	}
	if sniffed == "text/plain" && declared == "application/json" && bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return declared
	}
	return sniffed
}

func baseType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

func cleanFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

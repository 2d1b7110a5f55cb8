package upload

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/droponboard/internal/observability"
	"github.com/pitabwire/droponboard/model"
)

func newMemStore(t *testing.T, maxBytes int64, opts ...Option) *Store {
	t.Helper()
	bucket, err := OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("OpenBucket: %v", err)
	}
	s := NewStore(bucket, maxBytes, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutOpen(t *testing.T) {
	s := newMemStore(t, 1024)
	ctx := context.Background()

	ref, err := s.Put(ctx, "sess-1", "fssai", "Licence.PDF", "application/octet-stream",
		strings.NewReader("%PDF-1.7 body"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if !strings.HasPrefix(ref.Handle, "sess-1/") || !strings.HasSuffix(ref.Handle, ".pdf") {
		t.Errorf("Handle = %q, want sess-1/<uuid>.pdf", ref.Handle)
	}
	if ref.Filename != "Licence.PDF" {
		t.Errorf("Filename = %q", ref.Filename)
	}
	if ref.MIMEType != "application/pdf" {
		t.Errorf("MIMEType = %q, want sniffed application/pdf", ref.MIMEType)
	}
	if ref.Size != int64(len("%PDF-1.7 body")) {
		t.Errorf("Size = %d", ref.Size)
	}
	if ref.Category != "fssai" {
		t.Errorf("Category = %q", ref.Category)
	}

	rc, err := s.Open(ctx, ref.Handle)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "%PDF-1.7 body" {
		t.Errorf("content = %q", data)
	}
}

func TestStore_Put_rejectsOversizeAndEmpty(t *testing.T) {
	s := newMemStore(t, 8)
	ctx := context.Background()

	_, err := s.Put(ctx, "s", "c", "big.txt", "text/plain", strings.NewReader("123456789"))
	if !model.HasCode(err, model.ErrBadRequest) {
		t.Errorf("oversize: err = %v, want BAD_REQUEST", err)
	}
	_, err = s.Put(ctx, "s", "c", "empty.txt", "text/plain", strings.NewReader(""))
	if !model.HasCode(err, model.ErrBadRequest) {
		t.Errorf("empty: err = %v, want BAD_REQUEST", err)
	}
}

func TestStore_Open_missing(t *testing.T) {
	s := newMemStore(t, 1024)
	_, err := s.Open(context.Background(), "sess-1/nothing.pdf")
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestStore_DeleteSession(t *testing.T) {
	s := newMemStore(t, 1024)
	ctx := context.Background()

	a, _ := s.Put(ctx, "sess-1", "c", "a.txt", "text/plain", strings.NewReader("a"))
	s.Put(ctx, "sess-1", "c", "b.txt", "text/plain", strings.NewReader("b"))
	other, _ := s.Put(ctx, "sess-2", "c", "c.txt", "text/plain", strings.NewReader("c"))

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.Open(ctx, a.Handle); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("sess-1 upload still readable: %v", err)
	}
	rc, err := s.Open(ctx, other.Handle)
	if err != nil {
		t.Fatalf("sess-2 upload removed: %v", err)
	}
	rc.Close()
}

func TestStore_recordsUploadBytes(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	s := newMemStore(t, 1024, WithMetrics(m))

	s.Put(context.Background(), "s", "c", "a.txt", "text/plain", strings.NewReader("hello"))
	if n := testutil.CollectAndCount(m.UploadBytes); n != 1 {
		t.Errorf("UploadBytes series = %d, want 1", n)
	}
}

func TestStore_HealthCheck(t *testing.T) {
	s := newMemStore(t, 1024)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestDetectType(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		declared string
		want     string
	}{
		{"sniffed pdf wins", "%PDF-1.4", "image/png", "application/pdf"},
		{"unknown binary uses declared", "\x00\x01\x02", "application/vnd.ms-excel", "application/vnd.ms-excel"},
		{"csv declared over text", "a,b\n1,2\n", "text/csv; charset=utf-8", "text/csv"},
		{"json declared over text", `{"a":1}`, "application/json", "application/json"},
		{"text without declared", "hello", "", "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectType([]byte(tt.data), tt.declared); got != tt.want {
				t.Errorf("detectType = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCleanFilename(t *testing.T) {
	tests := map[string]string{
		"licence.pdf":           "licence.pdf",
		"../../etc/passwd":      "passwd",
		`C:\Users\me\photo.jpg`: "photo.jpg",
		"":                      "upload",
		"/":                     "upload",
	}
	for in, want := range tests {
		if got := cleanFilename(in); got != want {
			t.Errorf("cleanFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

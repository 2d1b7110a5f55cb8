package submission

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"slices"
	"testing"

	"github.com/pitabwire/droponboard/internal/backend"
	"github.com/pitabwire/droponboard/internal/openapi"
	"github.com/pitabwire/droponboard/internal/upload"
	"github.com/pitabwire/droponboard/model"
)

// captured is what the fake backend received.
type captured struct {
	contentType string
	json        map[string]any
	form        map[string][]string
	files       map[string]string // part name -> content
	filenames   map[string]string
}

func newBackend(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.contentType = r.Header.Get("Content-Type")
		mediaType, params, _ := mime.ParseMediaType(got.contentType)
		switch mediaType {
		case "application/json":
			json.NewDecoder(r.Body).Decode(&got.json)
		case "multipart/form-data":
			got.form = map[string][]string{}
			got.files = map[string]string{}
			got.filenames = map[string]string{}
			mr := multipart.NewReader(r.Body, params["boundary"])
			for {
				p, err := mr.NextPart()
				if err != nil {
					break
				}
				data, _ := io.ReadAll(p)
				if p.FileName() != "" {
					got.files[p.FormName()] = string(data)
					got.filenames[p.FormName()] = p.FileName()
				} else {
					got.form[p.FormName()] = append(got.form[p.FormName()], string(data))
				}
			}
		}
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func newUploads(t *testing.T) *upload.Store {
	t.Helper()
	bucket, err := upload.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("OpenBucket: %v", err)
	}
	s := upload.NewStore(bucket, 1<<20)
	t.Cleanup(func() { s.Close() })
	return s
}

func loadContract(t *testing.T) *openapi.Index {
	t.Helper()
	idx := openapi.NewIndex()
	if err := idx.Load("../openapi/testdata/registration.yaml", ""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return idx
}

func TestGateway_Submit_json(t *testing.T) {
	srv, got := newBackend(t, 200, `{"success":true,"message":"Registered","data":{"id":"v-100"}}`)
	gw := NewGateway(backend.NewClient("create", srv.URL))

	receipt, err := gw.Submit(context.Background(), vendorDefinition(model.FileModeMultipart), vendorFields())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if receipt.ID != "v-100" || receipt.Message != "Registered" {
		t.Errorf("receipt = %+v", receipt)
	}
	if receipt.SubmittedAt.IsZero() {
		t.Error("receipt must carry a submission time")
	}

	if got.contentType != "application/json" {
		t.Errorf("content type = %q", got.contentType)
	}
	want := map[string]any{
		"avgCost":          450.0,
		"avg_cost_for_two": 450.0,
		"open_time":        "09:30:00",
	}
	for k, v := range want {
		if got.json[k] != v {
			t.Errorf("%s = %v, want %v", k, got.json[k], v)
		}
	}
	if _, ok := got.json["otp"]; ok {
		t.Error("otp must not be sent")
	}
}

func TestGateway_Submit_multipartWhenFilePresent(t *testing.T) {
	uploads := newUploads(t)
	ref, err := uploads.Put(context.Background(), "s1", "fssai", "licence.pdf", "application/pdf",
		strings.NewReader("%PDF-1.4 licence"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	srv, got := newBackend(t, 200, `{"success":true,"data":{"vendor_id":42}}`)
	gw := NewGateway(backend.NewClient("create", srv.URL), WithFileSource(uploads))

	fields := vendorFields()
	fields["fssaiProof"] = model.File(ref)

	receipt, err := gw.Submit(context.Background(), vendorDefinition(model.FileModeMultipart), fields)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.ID != "42" {
		t.Errorf("receipt ID = %q, want 42", receipt.ID)
	}

	if !strings.HasPrefix(got.contentType, "multipart/form-data") {
		t.Fatalf("content type = %q", got.contentType)
	}
	form := map[string][]string{
		"avgCost":      {"450"},
		"open_time":    {"09:30:00"},
		"cuisines[]":   {"Chinese", "Italian"},
		"accept_terms": {"true"},
	}
	for k, v := range form {
		if !slices.Equal(got.form[k], v) {
			t.Errorf("form[%s] = %v, want %v", k, got.form[k], v)
		}
	}
	if got.files["fssaiProof"] != "%PDF-1.4 licence" || got.filenames["fssaiProof"] != "licence.pdf" {
		t.Errorf("file part = %q (%q)", got.files["fssaiProof"], got.filenames["fssaiProof"])
	}
	if _, ok := got.form["otp"]; ok {
		t.Error("otp must not be sent")
	}
}

func TestGateway_Submit_multipartWithoutFileSource(t *testing.T) {
	srv, _ := newBackend(t, 200, `{"success":true}`)
	gw := NewGateway(backend.NewClient("create", srv.URL))

	fields := vendorFields()
	fields["fssaiProof"] = model.File(model.FileRef{Handle: "s1/x.pdf", Filename: "x.pdf"})

	_, err := gw.Submit(context.Background(), vendorDefinition(model.FileModeMultipart), fields)
	if !model.HasCode(err, model.ErrConfiguration) {
		t.Errorf("error = %v, want CONFIGURATION_ERROR", err)
	}
}

func TestGateway_Submit_pathModeSendsJSON(t *testing.T) {
	srv, got := newBackend(t, 200, `{"success":true}`)
	gw := NewGateway(backend.NewClient("create", srv.URL))

	fields := vendorFields()
	fields["fssaiProof"] = model.File(model.FileRef{Handle: "s1/x.pdf", Filename: "licence.pdf"})

	if _, err := gw.Submit(context.Background(), vendorDefinition(model.FileModePath), fields); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.contentType != "application/json" {
		t.Errorf("content type = %q", got.contentType)
	}
	if got.json["fssaiProof"] != "uploads/fssai/licence.pdf" {
		t.Errorf("fssaiProof = %v", got.json["fssaiProof"])
	}
}

func TestGateway_Submit_rejected(t *testing.T) {
	srv, _ := newBackend(t, 200, `{"success":false,"message":"Email already registered"}`)
	gw := NewGateway(backend.NewClient("create", srv.URL))

	_, err := gw.Submit(context.Background(), vendorDefinition(model.FileModeMultipart), vendorFields())
	ee, ok := model.AsEnvelope(err)
	if !ok {
		t.Fatalf("error = %v, want an envelope", err)
	}
	if ee.Code != model.ErrSubmissionRejected || ee.Message != "Email already registered" {
		t.Errorf("envelope = %s %q", ee.Code, ee.Message)
	}
}

func TestGateway_Submit_contractMismatchIsNotSent(t *testing.T) {
	idx := loadContract(t)

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	gw := NewGateway(backend.NewClient("create", srv.URL), WithContract(idx))

	fields := vendorFields()
	delete(fields, "email")

	_, err := gw.Submit(context.Background(), vendorDefinition(model.FileModeMultipart), fields)
	ee, ok := model.AsEnvelope(err)
	if !ok {
		t.Fatalf("error = %v, want an envelope", err)
	}
	if ee.Code != model.ErrConfiguration || len(ee.Details) == 0 {
		t.Errorf("envelope = %s details %v", ee.Code, ee.Details)
	}
	if calls != 0 {
		t.Errorf("backend calls = %d, want 0", calls)
	}
}

func TestGateway_Submit_contractMatch(t *testing.T) {
	idx := loadContract(t)

	srv, _ := newBackend(t, 200, `{"success":true}`)
	gw := NewGateway(backend.NewClient("create", srv.URL), WithContract(idx))

	fields := vendorFields()
	fields["restaurant_name"] = model.Text("Spice Route")
	def := vendorDefinition(model.FileModeMultipart)
	def.Fields = append(def.Fields, model.FieldDefinition{Name: "restaurant_name", Type: model.KindText})

	if _, err := gw.Submit(context.Background(), def, fields); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestReceiptID(t *testing.T) {
	tests := []struct {
		data map[string]any
		want string
	}{
		{map[string]any{"id": "a", "vendor_id": "b"}, "a"},
		{map[string]any{"vendor_id": "b"}, "b"},
		{map[string]any{"id": 7.0}, "7"},
		{map[string]any{}, ""},
	}
	for _, tt := range tests {
		if got := receiptID(tt.data); got != tt.want {
			t.Errorf("receiptID(%v) = %q, want %q", tt.data, got, tt.want)
		}
	}
}

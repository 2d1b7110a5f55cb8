package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/droponboard/internal/backend"
	"github.com/pitabwire/droponboard/internal/observability"
	"github.com/pitabwire/droponboard/internal/openapi"
	"github.com/pitabwire/droponboard/model"
)

// FileSource opens uploaded binaries by handle.
type FileSource interface {
	Open(ctx context.Context, handle string) (io.ReadCloser, error)
}

// Gateway posts the shaped record to the create endpoint. Each Submit issues
// exactly one HTTP request and never retries.
type Gateway struct {
	client   *backend.Client
	files    FileSource
	contract *openapi.Index
	logger   *zap.Logger
	now      func() time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithFileSource sets where multipart file parts are read from. Without one,
// a request carrying binary parts fails with CONFIGURATION_ERROR.
func WithFileSource(fs FileSource) GatewayOption {
	return func(g *Gateway) { g.files = fs }
}

// WithContract checks JSON bodies against the backend's OpenAPI request
// schema before dispatch.
func WithContract(idx *openapi.Index) GatewayOption {
	return func(g *Gateway) { g.contract = idx }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a Gateway over a backend client.
func NewGateway(client *backend.Client, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		client: client,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit shapes fields per def, sends them, and returns the receipt or an
// *model.ErrorEnvelope (SUBMISSION_REJECTED, BACKEND_UNAVAILABLE or
// MALFORMED_RESPONSE).
func (g *Gateway) Submit(ctx context.Context, def model.WizardDefinition, fields map[string]model.FieldValue) (model.SubmissionReceipt, error) {
	req := Shape(def, fields)

	encoding := "json"
	if req.Multipart() {
		encoding = "multipart"
	}
	ctx, span := observability.StartSpan(ctx, "submission.dispatch",
		observability.AttrWizardID.String(def.ID),
		observability.AttrOperationID.String(def.Submission.OperationID),
		observability.AttrEncoding.String(encoding),
	)
	var spanErr error
	defer func() { observability.Finish(span, spanErr) }()

	log := observability.RequestLogger(ctx, g.logger)
	if ce := log.Check(zap.DebugLevel, "shaped submission"); ce != nil {
		ce.Write(
			zap.String("encoding", encoding),
			zap.Any("values", observability.RedactBody(req.Values, sensitiveFields(def))),
			zap.Int("files", len(req.Files)),
		)
	}

	var (
		contentType string
		body        []byte
		err         error
	)
	if req.Multipart() {
		contentType, body, err = g.encodeMultipart(ctx, req)
	} else {
		if err = g.checkContract(def, req); err == nil {
			contentType = "application/json"
			body, err = json.Marshal(req.Values)
		}
	}
	if err != nil {
		spanErr = err
		return model.SubmissionReceipt{}, err
	}

	resp, err := g.client.Post(ctx, contentType, body)
	if err != nil {
		spanErr = err
		return model.SubmissionReceipt{}, err
	}

	data := resp.DataMap()
	return model.SubmissionReceipt{
		ID:          receiptID(data),
		Message:     resp.Message,
		Data:        data,
		SubmittedAt: g.now(),
	}, nil
}

func (g *Gateway) checkContract(def model.WizardDefinition, req Request) error {
	opID := def.Submission.OperationID
	if g.contract == nil || opID == "" {
		return nil
	}
	if _, ok := g.contract.GetOperation(opID); !ok {
		return nil
	}

	// Round-trip through JSON so the schema sees the wire types.
	raw, err := json.Marshal(req.Values)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("unmarshal submission: %w", err)
	}

	verrs := g.contract.ValidateRequest(opID, body)
	if len(verrs) == 0 {
		return nil
	}
	env := model.NewConfigurationError(
		fmt.Sprintf("submission does not match the %s request schema", opID),
	)
	for _, ve := range verrs {
		env.Details = append(env.Details, model.FieldError{
			Field:   ve.Field,
			Code:    "SCHEMA",
			Message: ve.Message,
		})
	}
	return env
}

// encodeMultipart writes scalar values as form fields (string sets as
// repeated "name[]" fields) and binaries as file parts.
func (g *Gateway) encodeMultipart(ctx context.Context, req Request) (string, []byte, error) {
	if g.files == nil {
		return "", nil, model.NewConfigurationError("file parts present but no upload store is configured")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	names := make([]string, 0, len(req.Values))
	for name := range req.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		switch v := req.Values[name].(type) {
		case []any:
			for _, m := range v {
				if err := w.WriteField(name+"[]", fmt.Sprint(m)); err != nil {
					return "", nil, fmt.Errorf("write field %q: %w", name, err)
				}
			}
		default:
			if err := w.WriteField(name, formValue(v)); err != nil {
				return "", nil, fmt.Errorf("write field %q: %w", name, err)
			}
		}
	}

	for _, part := range req.Files {
		if err := g.writeFile(ctx, w, part); err != nil {
			return "", nil, err
		}
	}

	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("close multipart writer: %w", err)
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

func (g *Gateway) writeFile(ctx context.Context, w *multipart.Writer, part FilePart) error {
	rc, err := g.files.Open(ctx, part.Ref.Handle)
	if err != nil {
		return fmt.Errorf("open upload %q: %w", part.Ref.Handle, err)
	}
	defer rc.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, part.Name, part.Ref.Filename))
	ct := part.Ref.MIMEType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	dst, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part %q: %w", part.Name, err)
	}
	if _, err := io.Copy(dst, rc); err != nil {
		return fmt.Errorf("copy upload %q: %w", part.Ref.Handle, err)
	}
	return nil
}

func formValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func receiptID(data map[string]any) string {
	for _, key := range []string{"id", "vendor_id"} {
		switch v := data[key].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func sensitiveFields(def model.WizardDefinition) []string {
	var out []string
	for _, f := range def.Fields {
		if f.Sensitive {
			out = append(out, f.Name)
			out = append(out, def.Submission.Aliases[f.Name]...)
			if renamed := def.Submission.Rename[f.Name]; renamed != "" {
				out = append(out, strings.TrimSpace(renamed))
			}
		}
	}
	return out
}

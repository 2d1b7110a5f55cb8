package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/droponboard/internal/config"
	"github.com/pitabwire/droponboard/model"
)

// Redacted replaces the value of a sensitive field in debug output.
const Redacted = "[REDACTED]"

type loggerKey struct{}

// NewLogger builds the service's JSON logger. An unparseable level falls
// back to info.
//
// Levels: error for infrastructure failures and 5xx; warn for 4xx, backend
// rejections and superseded attempts; info for sessions, step transitions
// and submissions; debug for shaped request bodies (redacted).
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.OutputPaths = []string{"stdout"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zc.Build(zap.Fields(zap.String("service", "droponboard")))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with whatever the request
// context knows. Requests without a session cookie log no session fields.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rc := model.RequestContextFrom(ctx)
	if rc == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 5)
	if rc.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rc.CorrelationID))
	}
	if rc.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rc.TraceID))
	}
	if rc.SessionID != "" {
		fields = append(fields,
			zap.String("session_id", rc.SessionID),
			zap.String("wizard_id", rc.WizardID),
			zap.Bool("verified", rc.Verified),
		)
	}
	return logger.With(fields...)
}

// vendorSecrets are redacted whether or not a wizard marks them sensitive.
var vendorSecrets = []string{"otp", "pan", "account_number", "ifsc", "gst_number", "password", "token"}

// RedactBody returns a copy of body with every sensitive key masked. Keys
// match case-insensitively; nested objects and lists of objects are walked.
// body itself is never modified.
func RedactBody(body map[string]any, sensitive []string) map[string]any {
	if body == nil {
		return nil
	}
	mask := make(map[string]struct{}, len(vendorSecrets)+len(sensitive))
	for _, k := range vendorSecrets {
		mask[k] = struct{}{}
	}
	for _, k := range sensitive {
		mask[strings.ToLower(k)] = struct{}{}
	}
	return redactMap(body, mask)
}

func redactMap(in map[string]any, mask map[string]struct{}) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, hit := mask[strings.ToLower(k)]; hit {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v, mask)
	}
	return out
}

func redactValue(v any, mask map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, mask)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, mask)
		}
		return out
	default:
		return v
	}
}

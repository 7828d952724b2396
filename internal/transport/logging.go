package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

const tracerName = "github.com/and161185/atelier/internal/transport"

// Logging records one zap entry and one client span per outbound request.
type Logging struct {
	Next   http.RoundTripper
	Log    *zap.Logger
	Tracer trace.Tracer
}

// NewLogging wraps next. A nil tracer uses the global provider.
func NewLogging(next http.RoundTripper, log *zap.Logger, tracer trace.Tracer) *Logging {
	if next == nil {
		next = http.DefaultTransport
	}
	if log == nil {
		log = zap.NewNop()
	}
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Logging{Next: next, Log: log, Tracer: tracer}
}

var _ http.RoundTripper = (*Logging)(nil)

// RoundTrip implements http.RoundTripper.
func (l *Logging) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	out := req.Clone(req.Context())
	out.Body = req.Body
	requestID := strings.TrimSpace(out.Header.Get(RequestIDHeader))
	if requestID == "" {
		requestID = newRequestID()
		out.Header.Set(RequestIDHeader, requestID)
	}

	ctx, span := l.Tracer.Start(out.Context(), "HTTP "+out.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(out.Method),
			semconv.URLPath(out.URL.Path),
			semconv.ServerAddress(out.URL.Hostname()),
			attribute.String("request.id", requestID),
		),
	)
	defer span.End()
	out = out.WithContext(ctx)
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(out.Header))

	resp, err := l.Next.RoundTrip(out)

	// metadata only, never bodies or headers
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", out.Method),
		zap.String("path", out.URL.Path),
		zap.Duration("latency", time.Since(start)),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		l.Log.Warn("http_request", append(fields, zap.Error(err))...)
		return nil, err
	}

	status := resp.StatusCode
	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	fields = append(fields, zap.Int("status", status))
	switch {
	case status >= 500:
		span.SetStatus(codes.Error, http.StatusText(status))
		l.Log.Error("http_request", fields...)
	case status >= 400:
		l.Log.Warn("http_request", fields...)
	default:
		l.Log.Info("http_request", fields...)
	}
	return resp, nil
}

func newRequestID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return ""
	}
	return id.String()
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName        = "event-store/api"
	eventDomain       = "app"
	eventNamePrefix   = "eventstore.api."
	spanNamePrefix    = "eventstore."
	observabilityName = "observability.event"

	attrHTTPRoute      = "http.route"
	attrHTTPMethod     = "http.method"
	attrHTTPStatusCode = "http.status_code"
	attrTotalMillis    = "eventstore.total_ms"
	attrExecuteMillis  = "eventstore.execute_ms"
	attrEncodeMillis   = "eventstore.encode_ms"
	attrErrorStage     = "eventstore.error_stage"
	attrErrorMessage   = "error.message"

	metricsContextKey = "eventstore.metrics"
)

// requestMetrics collects timings and attributes for one request and emits
// them as a log record and a span when the request finishes.
type requestMetrics struct {
	logger     *log.Logger
	span       trace.Span
	operation  string
	route      string
	method     string
	start      time.Time
	execute    time.Duration
	encode     time.Duration
	errorStage string
	failure    error
	attrs      map[string]any
	order      []string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, operation, route, method string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, spanNamePrefix+operation,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(attrHTTPRoute, route),
			attribute.String(attrHTTPMethod, method),
		),
	)
	return &requestMetrics{
		logger:    logger,
		span:      span,
		operation: operation,
		route:     route,
		method:    method,
		start:     time.Now(),
		attrs:     make(map[string]any),
	}, spanCtx
}

func (m *requestMetrics) ObserveExecute(d time.Duration) {
	if d > 0 {
		m.execute = d
	}
}

func (m *requestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encode = d
	}
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Fail records the error a handler answered with.
func (m *requestMetrics) Fail(stage string, err error) {
	m.SetErrorStage(stage)
	m.failure = err
}

// Set records an operation specific attribute under the eventstore.<op>. prefix.
func (m *requestMetrics) Set(name string, value any) {
	key := "eventstore." + m.operation + "." + name
	if _, ok := m.attrs[key]; !ok {
		m.order = append(m.order, key)
	}
	m.attrs[key] = value
}

func (m *requestMetrics) eventName() string {
	return eventNamePrefix + m.operation + ".request"
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.failure
	}

	attrs := map[string]any{
		attrHTTPRoute:      m.route,
		attrHTTPMethod:     m.method,
		attrHTTPStatusCode: status,
		attrTotalMillis:    durationToMillis(time.Since(m.start)),
	}
	if m.execute > 0 {
		attrs[attrExecuteMillis] = durationToMillis(m.execute)
	}
	if m.encode > 0 {
		attrs[attrEncodeMillis] = durationToMillis(m.encode)
	}
	if m.errorStage != "" {
		attrs[attrErrorStage] = m.errorStage
	}
	if err != nil {
		attrs[attrErrorMessage] = err.Error()
	}
	for _, k := range m.order {
		attrs[k] = m.attrs[k]
	}

	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		spanAttrs := make([]attribute.KeyValue, 0, len(attrs)+4)
		for k, v := range attrs {
			spanAttrs = append(spanAttrs, toAttribute(k, v))
		}
		m.span.SetAttributes(spanAttrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", m.eventName()),
			attribute.String("event.domain", eventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, spanAttrs...)
		m.span.AddEvent(observabilityName, trace.WithAttributes(eventAttrs...))
		switch {
		case err != nil:
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      m.eventName(),
		"event.domain":    eventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityName)
	case "WARN":
		entry.Warn(observabilityName)
	default:
		entry.Info(observabilityName)
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case err != nil:
		return "ERROR", 17
	default:
		return "INFO", 9
	}
}

func toAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case uint64:
		return attribute.Int64(key, int64(val))
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, fmt.Sprint(val))
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// Observe wraps a route so every request produces one observability event.
// Errors returned by later handlers are rendered here so the recorded status
// is the one sent.
func Observe(operation string, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			m, ctx := newRequestMetrics(req.Context(), logger, operation, c.Path(), req.Method)
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsContextKey, m)

			err := next(c)
			if err != nil {
				if m.errorStage == "" {
					m.SetErrorStage("middleware")
				}
				c.Error(err)
			}
			m.Log(c.Response().Status, err)
			return nil
		}
	}
}

// metricsFrom returns the request's metrics, or a detached collector when the
// route is not observed.
func metricsFrom(c echo.Context) *requestMetrics {
	if m, ok := c.Get(metricsContextKey).(*requestMetrics); ok {
		return m
	}
	return &requestMetrics{attrs: make(map[string]any), start: time.Now()}
}

package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const requestMetricsMessage = "request.metrics"

// requestMetrics records one request as a span and a structured log line.
// A nil *requestMetrics ignores every call.
type requestMetrics struct {
	logger       *log.Logger
	span         trace.Span
	route        string
	start        time.Time
	authDur      time.Duration
	authorizeDur time.Duration
	opDur        time.Duration
	projectID    string
	errorStage   string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, tracer trace.Tracer, route string) (*requestMetrics, context.Context) {
	ctx, span := tracer.Start(ctx, "api "+route, trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)))
	return &requestMetrics{logger: logger, span: span, route: route, start: time.Now()}, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if m != nil && d > 0 {
		m.authDur = d
	}
}

func (m *requestMetrics) ObserveAuthorize(d time.Duration) {
	if m != nil && d > 0 {
		m.authorizeDur = d
	}
}

func (m *requestMetrics) ObserveOp(d time.Duration) {
	if m != nil && d > 0 {
		m.opDur = d
	}
}

func (m *requestMetrics) SetProject(id string) {
	if m != nil {
		m.projectID = id
	}
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m != nil && stage != "" {
		m.errorStage = stage
	}
}

// Finish ends the span and writes the log line.
func (m *requestMetrics) Finish(status int, err error) {
	if m == nil {
		return
	}
	level := levelForStatus(status, err)
	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDur > 0 {
		fields["auth_ms"] = durationToMillis(m.authDur)
	}
	if m.authorizeDur > 0 {
		fields["authorize_ms"] = durationToMillis(m.authorizeDur)
	}
	if m.opDur > 0 {
		fields["op_ms"] = durationToMillis(m.opDur)
	}
	if m.projectID != "" {
		fields["project"] = m.projectID
		m.span.SetAttributes(attribute.String("board.project_id", m.projectID))
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
		m.span.SetAttributes(attribute.String("board.error_stage", m.errorStage))
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}

	m.span.SetAttributes(attribute.Int("http.status_code", status))
	if level <= log.ErrorLevel {
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	if m.logger != nil {
		m.logger.WithFields(fields).Log(level, requestMetricsMessage)
	}
}

// levelForStatus logs server errors at error level and client errors at warn.
func levelForStatus(status int, err error) log.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return log.ErrorLevel
	case status >= http.StatusBadRequest:
		return log.WarnLevel
	case err != nil && status == 0:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

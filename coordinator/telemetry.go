package coordinator

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-board/domain"
)

const (
	tracerName       = "prism-board/coordinator"
	mutationDomain   = "prism.board"
	observedEvent    = "observability.event"
	attrBoard        = "prism.board.id"
	attrList         = "prism.list.id"
	attrTask         = "prism.task.id"
	attrDestList     = "prism.list.destination_id"
	attrActor        = "prism.actor.id"
	attrItems        = "prism.items"
	attrDuration     = "prism.duration_ms"
	attrErrorKind    = "error.kind"
	attrErrorMessage = "error.message"
)

// mutation tracks one coordinator operation: its span and the single log
// entry written when it ends.
type mutation struct {
	logger *log.Logger
	span   trace.Span
	op     string
	start  time.Time
	attrs  []attribute.KeyValue
}

func (c *Coordinator) begin(ctx context.Context, op string, actor domain.Actor, attrs ...attribute.KeyValue) (context.Context, *mutation) {
	attrs = append(attrs, attribute.String(attrActor, actor.UserID))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "coordinator."+op, trace.WithAttributes(attrs...))
	return ctx, &mutation{logger: c.logger, span: span, op: op, start: time.Now(), attrs: attrs}
}

// Set adds attributes learned while the operation runs.
func (m *mutation) Set(attrs ...attribute.KeyValue) {
	m.attrs = append(m.attrs, attrs...)
	m.span.SetAttributes(attrs...)
}

// End closes the span and logs the outcome.
func (m *mutation) End(err error) {
	attrs := append([]attribute.KeyValue{}, m.attrs...)
	attrs = append(attrs, attribute.Float64(attrDuration, durationToMillis(time.Since(m.start))))

	level, text := severityForError(err)
	attrs = append(attrs, attribute.String("severity_text", text))
	if err != nil {
		attrs = append(attrs,
			attribute.String(attrErrorKind, domain.Kind(err)),
			attribute.String(attrErrorMessage, err.Error()))
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.AddEvent(observedEvent, trace.WithAttributes(attrs...))
	m.span.End()

	fields := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		fields[string(kv.Key)] = kv.Value.AsInterface()
	}
	m.logger.WithFields(log.Fields{
		"event.name":   "coordinator." + m.op,
		"event.domain": mutationDomain,
		"attributes":   fields,
	}).Log(level, observedEvent)
}

// severityForError maps client errors to warnings and everything else that
// failed to errors.
func severityForError(err error) (log.Level, string) {
	switch {
	case err == nil:
		return log.InfoLevel, "INFO"
	case errors.Is(err, domain.ErrTransaction):
		return log.ErrorLevel, "ERROR"
	case domain.Kind(err) != "":
		return log.WarnLevel, "WARN"
	default:
		return log.ErrorLevel, "ERROR"
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

package orchestration

import (
	"context"
	"log/slog"

	"github.com/koscakluka/ema-classroom/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type diagnosticEmitter func(events.Diagnostic)

func noopDiagnosticHandler(events.Diagnostic) {}

// newDiagnosticEmitter logs, counts and forwards every diagnostic. Handler
// panics are contained so a faulty handler cannot take a session down.
func newDiagnosticEmitter(log *slog.Logger, handler func(events.Diagnostic)) diagnosticEmitter {
	if handler == nil {
		handler = noopDiagnosticHandler
	}

	return func(diagnostic events.Diagnostic) {
		level := slog.LevelWarn
		switch diagnostic.Code {
		case events.DiagnosticConnectionRestored, events.DiagnosticPersonaTransition:
			level = slog.LevelInfo
		case events.DiagnosticConnectionLost, events.DiagnosticPersistenceFailed:
			level = slog.LevelError
		}

		attrs := []any{"code", string(diagnostic.Code), "session_id", diagnostic.SessionID}
		if diagnostic.HasTurn() {
			attrs = append(attrs, "turn_sequence", diagnostic.TurnSequence)
		}
		if diagnostic.Detail != "" {
			attrs = append(attrs, "detail", diagnostic.Detail)
		}
		log.Log(context.Background(), level, "pipeline diagnostic", attrs...)

		diagnosticsCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("code", string(diagnostic.Code))))

		defer func() {
			if recovered := recover(); recovered != nil {
				log.Error("diagnostic handler panicked", "panic", recovered)
			}
		}()
		handler(diagnostic)
	}
}

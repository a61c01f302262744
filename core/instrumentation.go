package orchestration

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/koscakluka/ema-classroom/core"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)

	activeSessionsCounter, _ = meter.Int64UpDownCounter("classroom.sessions.active",
		metric.WithDescription("Sessions with a running pipeline"))
	diagnosticsCounter, _ = meter.Int64Counter("classroom.pipeline.diagnostics",
		metric.WithDescription("Degraded-behavior reports by code"))
	turnsCounter, _ = meter.Int64Counter("classroom.pipeline.turns",
		metric.WithDescription("Detected turns by role"))
)

// Package observability wires the generic logging/metrics/tracing
// bootstraps to the concrete signals the engine emits: a counter of
// packets processed, a counter of packets dropped tagged by
// shdcerr.Kind, a counter of completed rotations, and a span around
// each dispatch, per SPEC_FULL.md's Observability component.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shdc-project/shdc/pkg/proto"
	"github.com/shdc-project/shdc/pkg/shdcerr"
)

// Instruments bundles the meters/tracer/logger an engine instance uses
// for its internal diagnostics.
type Instruments struct {
	logger *zap.Logger
	tracer trace.Tracer

	packetsProcessed metric.Int64Counter
	packetsDropped   metric.Int64Counter
	rotationsTotal   metric.Int64Counter
}

// New builds an Instruments bundle from a named meter/tracer (obtained
// via metrics.Meter/tracing.Tracer) and a logger. logger may be nil, in
// which case zap.NewNop() is used so call sites never need a nil check.
func New(meter metric.Meter, tracer trace.Tracer, logger *zap.Logger) (*Instruments, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	packetsProcessed, err := meter.Int64Counter("shdc.packets.processed",
		metric.WithDescription("Packets successfully decoded, verified, and dispatched"))
	if err != nil {
		return nil, fmt.Errorf("shdc: observability: packets processed counter: %w", err)
	}
	packetsDropped, err := meter.Int64Counter("shdc.packets.dropped",
		metric.WithDescription("Packets dropped, tagged by error kind"))
	if err != nil {
		return nil, fmt.Errorf("shdc: observability: packets dropped counter: %w", err)
	}
	rotationsTotal, err := meter.Int64Counter("shdc.rotations.total",
		metric.WithDescription("Completed session and broadcast key rotations"))
	if err != nil {
		return nil, fmt.Errorf("shdc: observability: rotations counter: %w", err)
	}
	return &Instruments{
		logger:           logger,
		tracer:           tracer,
		packetsProcessed: packetsProcessed,
		packetsDropped:   packetsDropped,
		rotationsTotal:   rotationsTotal,
	}, nil
}

// StartDispatch opens a span around one packet's decode-verify-dispatch
// pipeline.
func (i *Instruments) StartDispatch(ctx context.Context, msgType proto.Type) (context.Context, trace.Span) {
	if i.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return i.tracer.Start(ctx, "shdc.dispatch", trace.WithAttributes(
		attribute.String("shdc.message_type", msgType.String()),
	))
}

// RecordProcessed increments the processed counter and logs at debug.
func (i *Instruments) RecordProcessed(ctx context.Context, msgType proto.Type, deviceID uint32) {
	i.packetsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("shdc.message_type", msgType.String())))
	i.logger.Debug("packet dispatched",
		zap.String("type", msgType.String()),
		zap.Uint32("device_id", deviceID),
	)
}

// RecordDrop increments the dropped counter tagged by err's Kind and
// emits a warning log with the decoded type/device id when available.
func (i *Instruments) RecordDrop(ctx context.Context, msgType proto.Type, deviceID uint32, err error) {
	kind := shdcerr.ClassOf(err)
	i.packetsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("shdc.error_kind", string(kind))))
	i.logger.Warn("packet dropped",
		zap.String("type", msgType.String()),
		zap.Uint32("device_id", deviceID),
		zap.String("error_kind", string(kind)),
		zap.Error(err),
	)
}

// RecordRotation increments the rotation counter and logs at info.
func (i *Instruments) RecordRotation(ctx context.Context, scope string, deviceID uint32) {
	i.rotationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("shdc.rotation_scope", scope)))
	i.logger.Info("key rotation completed",
		zap.String("scope", scope),
		zap.Uint32("device_id", deviceID),
	)
}

// Logger exposes the underlying zap logger for callers that need ad-hoc
// structured logging outside the three counters above.
func (i *Instruments) Logger() *zap.Logger { return i.logger }

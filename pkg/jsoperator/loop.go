package jsoperator

import (
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/internal/tracing"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/operator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// loop drives the session until a terminal state. It returns the StopReason of a
// normal termination or the fault that ended the loop. The lock is taken per
// input and never held while waiting on the incoming channel.
func (h *Host) loop(s *session) (operator.StopReason, error) {
	for {
		ev, ok := <-h.inputs
		if !ok {
			return operator.InputsClosed, nil
		}

		switch ev := ev.(type) {
		case operator.StopEvent:
			h.logger.Debug("Received stop event")
			continue

		case operator.InputEvent:
			status, err := h.handleInput(s, ev)
			if err != nil {
				return 0, err
			}

			switch status {
			case int64(operator.Continue):
				continue
			case int64(operator.Stop):
				return operator.ExplicitStop, nil
			case int64(operator.StopAll):
				return operator.ExplicitStopAll, nil
			default:
				return 0, derrors.Protocol("invalid on_input return",
					fmt.Errorf("%w `%d`", derrors.ErrInvalidStatus, status))
			}

		default:
			return 0, derrors.Protocol("unexpected incoming event", fmt.Errorf("%T", ev))
		}
	}
}

// handleInput rewrites the trace context of input and calls on_input under the lock
func (h *Host) handleInput(s *session, input operator.InputEvent) (int64, error) {
	span := h.traceInput(&input)

	var status int64
	start := time.Now()
	err := h.interp.withLock(func() error {
		var err error
		status, err = s.dispatch(input)
		return err
	})
	elapsed := time.Since(start)
	h.metrics.InputDispatched(string(h.nodeID), string(h.operatorID), elapsed)

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int64("daedalus.status", status))
		}
		span.End()
	}

	if err != nil {
		h.logger.Debug("on_input failed", zap.String("input_id", input.InputID), zap.Error(err))
		return 0, err
	}
	return status, nil
}

// traceInput replaces the inbound trace context with a child span context, or
// with "" when tracing is disabled. The returned span is nil when disabled.
func (h *Host) traceInput(input *operator.InputEvent) trace.Span {
	if h.tracer == nil {
		input.Metadata = input.Metadata.WithOpenTelemetryContext("")
		return nil
	}

	parent := tracing.DeserializeContext(input.Metadata.OpenTelemetryContext())
	ctx, span := h.tracer.Start(parent, input.InputID,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("daedalus.node_id", string(h.nodeID)),
			attribute.String("daedalus.operator_id", string(h.operatorID)),
		))
	input.Metadata = input.Metadata.WithOpenTelemetryContext(tracing.SerializeContext(ctx))
	return span
}

package jsoperator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/operator"
	"github.com/wehubfusion/Daedalus/pkg/source"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// HostConfig holds the construction parameters of a Host
type HostConfig struct {
	NodeID     operator.NodeID
	OperatorID operator.OperatorID

	// Source is a local path, file:// URL or remote URL of the operator module
	Source string

	// Locator resolves Source; nil uses a Locator without remote fetch support
	Locator *source.Locator

	// Tracer derives a child span per input; nil disables tracing
	Tracer trace.Tracer

	// Metrics receives host measurements; nil discards them
	Metrics metrics.Recorder

	// Globals are extra native bindings installed into the session
	Globals map[string]any

	Logger *zap.Logger
}

// Host runs one JavaScript operator for one node. It loads the operator, feeds
// it the incoming events and reports exactly one terminal event.
type Host struct {
	id         string
	nodeID     operator.NodeID
	operatorID operator.OperatorID
	source     string
	locator    *source.Locator
	tracer     trace.Tracer
	metrics    metrics.Recorder
	globals    map[string]any
	logger     *zap.Logger

	interp *Interpreter
	events operator.Sender
	inputs <-chan operator.IncomingEvent

	session *session
}

// NewHost creates a host that reads inputs and reports on events
func NewHost(interp *Interpreter, config HostConfig, events operator.Sender, inputs <-chan operator.IncomingEvent) (*Host, error) {
	if interp == nil {
		return nil, errors.New("interpreter is required")
	}
	if events == nil {
		return nil, errors.New("event sender is required")
	}
	if inputs == nil {
		return nil, errors.New("input channel is required")
	}
	if config.Source == "" {
		return nil, errors.New("operator source is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locator := config.Locator
	if locator == nil {
		locator = &source.Locator{Logger: logger}
	}
	recorder := config.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	id := uuid.NewString()
	return &Host{
		id:         id,
		nodeID:     config.NodeID,
		operatorID: config.OperatorID,
		source:     config.Source,
		locator:    locator,
		tracer:     config.Tracer,
		metrics:    recorder,
		globals:    config.Globals,
		logger: logger.With(
			zap.String("host_id", id),
			zap.String("node_id", string(config.NodeID)),
			zap.String("operator_id", string(config.OperatorID))),
		interp: interp,
		events: events,
		inputs: inputs,
	}, nil
}

// ID returns the unique instance id of the host
func (h *Host) ID() string {
	return h.id
}

// Run loads the operator and processes inputs until the input channel closes,
// the operator stops, or a fault occurs. Exactly one FinishedEvent, ErrorEvent
// or PanicEvent is sent as the last event. Run returns an error only when that
// terminal event could not be delivered.
func (h *Host) Run(ctx context.Context) error {
	ev := h.contain(ctx)

	h.metrics.Terminated(string(h.nodeID), string(h.operatorID), outcome(ev))
	switch ev := ev.(type) {
	case operator.FinishedEvent:
		h.logger.Info("Operator finished", zap.Stringer("reason", ev.Reason))
	case operator.ErrorEvent:
		h.logger.Error("Operator failed", zap.Error(ev.Err))
	case operator.PanicEvent:
		h.logger.Error("Operator panicked", zap.Any("panic", ev.Value), zap.ByteString("stack", ev.Stack))
	}

	if err := h.events.Send(ev); err != nil {
		h.logger.Warn("Failed to report terminal event", zap.Error(err))
		return fmt.Errorf("failed to report terminal event: %w", err)
	}
	return nil
}

// contain runs the host inside the recover barrier and classifies its outcome
func (h *Host) contain(ctx context.Context) (ev operator.OperatorEvent) {
	defer func() {
		if r := recover(); r != nil {
			ev = operator.PanicEvent{Value: r, Stack: debug.Stack()}
			h.abandon()
		}
	}()

	reason, err := h.run(ctx)
	if err != nil {
		return operator.ErrorEvent{Err: err}
	}
	return operator.FinishedEvent{Reason: reason}
}

func (h *Host) run(ctx context.Context) (operator.StopReason, error) {
	path, err := h.locator.Locate(ctx, h.source, h.nodeID, h.operatorID)
	if err != nil {
		return 0, fmt.Errorf("error in JavaScript operator at %s: %w", h.source, err)
	}
	logger := h.logger.With(zap.String("path", path))

	bridge := NewOutputBridge(meteredSender{
		Sender:     h.events,
		metrics:    h.metrics,
		nodeID:     string(h.nodeID),
		operatorID: string(h.operatorID),
	})

	err = h.interp.withLock(func() error {
		s, err := newSession(h.interp, path, bridge, h.globals, logger)
		if err != nil {
			return err
		}
		h.session = s
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error in JavaScript operator at %s: %w", path, err)
	}
	logger.Info("Operator started")

	reason, err := h.loop(h.session)
	if err != nil {
		if lines := h.session.consoleLines(); len(lines) > 0 {
			logger.Debug("Recent console output", zap.Strings("console", lines))
		}
		h.release(false)
		return 0, fmt.Errorf("error in JavaScript operator at %s: %w", path, err)
	}

	h.release(true)
	return reason, nil
}

// release drops the session under the lock
func (h *Host) release(callDrop bool) {
	s := h.session
	if s == nil {
		return
	}
	_ = h.interp.withLock(func() error {
		s.release(callDrop)
		return nil
	})
	h.session = nil
}

// abandon forgets the session after a panic without running any JavaScript
func (h *Host) abandon() {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Failed to release session after panic", zap.Any("panic", r))
		}
	}()
	h.release(false)
}

func outcome(ev operator.OperatorEvent) string {
	switch ev := ev.(type) {
	case operator.FinishedEvent:
		switch ev.Reason {
		case operator.ExplicitStop:
			return metrics.OutcomeExplicitStop
		case operator.ExplicitStopAll:
			return metrics.OutcomeExplicitStopAll
		default:
			return metrics.OutcomeInputsClosed
		}
	case operator.PanicEvent:
		return metrics.OutcomePanic
	default:
		return metrics.OutcomeError
	}
}

// meteredSender counts outputs accepted by the runtime
type meteredSender struct {
	operator.Sender
	metrics    metrics.Recorder
	nodeID     string
	operatorID string
}

func (m meteredSender) Send(ev operator.OperatorEvent) error {
	if err := m.Sender.Send(ev); err != nil {
		return err
	}
	m.metrics.OutputEmitted(m.nodeID, m.operatorID)
	return nil
}

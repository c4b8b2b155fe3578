// Package supervisor forwards the events of one operator host to a publisher
// and reports host failures to Sentry.
package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/operator"
	"go.uber.org/zap"
)

// Publisher delivers operator events downstream
type Publisher interface {
	Publish(ev operator.OperatorEvent) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ev operator.OperatorEvent) error

// Publish implements Publisher
func (f PublisherFunc) Publish(ev operator.OperatorEvent) error {
	return f(ev)
}

// Config holds the parameters of a Supervisor
type Config struct {
	NodeID     operator.NodeID
	OperatorID operator.OperatorID

	Publisher Publisher

	// Hub receives error and panic reports; nil disables reporting
	Hub *sentry.Hub

	// OnStopAll is called when the operator asks to stop the whole graph
	OnStopAll func()

	Logger *zap.Logger
}

// Supervisor drains the event channel of one host
type Supervisor struct {
	runID      string
	nodeID     operator.NodeID
	operatorID operator.OperatorID
	publisher  Publisher
	hub        *sentry.Hub
	onStopAll  func()
	logger     *zap.Logger
}

// New creates a Supervisor
func New(config Config) (*Supervisor, error) {
	if config.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runID := uuid.NewString()
	return &Supervisor{
		runID:      runID,
		nodeID:     config.NodeID,
		operatorID: config.OperatorID,
		publisher:  config.Publisher,
		hub:        config.Hub,
		onStopAll:  config.OnStopAll,
		logger: logger.With(
			zap.String("run_id", runID),
			zap.String("node_id", string(config.NodeID)),
			zap.String("operator_id", string(config.OperatorID))),
	}, nil
}

// RunID returns the unique id of this supervision run
func (s *Supervisor) RunID() string {
	return s.runID
}

// Forward publishes every event received on events until the terminal event,
// which it returns. Failed publishes are not retried: the channel is hung up so
// the host observes a gone receiver, and the error is returned. The channel is
// also hung up when ctx is done.
func (s *Supervisor) Forward(ctx context.Context, events *operator.EventChannel) (operator.OperatorEvent, error) {
	outputs := 0
	for {
		var ev operator.OperatorEvent
		select {
		case <-ctx.Done():
			events.Hangup()
			return nil, ctx.Err()
		case ev = <-events.Events():
		}

		if err := s.publisher.Publish(ev); err != nil {
			events.Hangup()
			s.logger.Error("Failed to publish operator event", zap.Error(err))
			if operator.IsTerminal(ev) {
				s.report(ev)
			}
			return nil, fmt.Errorf("failed to publish %T: %w", ev, err)
		}

		if !operator.IsTerminal(ev) {
			outputs++
			continue
		}

		s.logger.Info("Operator run completed", zap.Int("outputs", outputs))
		s.report(ev)
		if finished, ok := ev.(operator.FinishedEvent); ok && finished.Reason == operator.ExplicitStopAll && s.onStopAll != nil {
			s.logger.Info("Operator requested stop of all operators")
			s.onStopAll()
		}
		return ev, nil
	}
}

// report sends error and panic terminal events to Sentry
func (s *Supervisor) report(ev operator.OperatorEvent) {
	if s.hub == nil {
		return
	}

	var err error
	switch ev := ev.(type) {
	case operator.ErrorEvent:
		err = ev.Err
	case operator.PanicEvent:
		err = ev
	default:
		return
	}

	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("node_id", string(s.nodeID))
		scope.SetTag("operator_id", string(s.operatorID))
		scope.SetTag("run_id", s.runID)
		if p, ok := ev.(operator.PanicEvent); ok {
			scope.SetLevel(sentry.LevelFatal)
			scope.SetContext("panic", sentry.Context{"stack": string(p.Stack)})
		}
		if id := s.hub.CaptureException(err); id != nil {
			s.logger.Debug("Reported operator failure", zap.String("event_id", string(*id)))
		}
	})
}

package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/pkg/operator"
	"go.uber.org/zap"
)

// ControlHeader carries control messages on the control subject
const ControlHeader = "Daedalus-Control"

// Control header values
const (
	ControlStop   = "stop"
	ControlClosed = "closed"
)

// DefaultSubjectPrefix is the subject root used when none is configured
const DefaultSubjectPrefix = "daedalus"

// Subjects names the NATS subjects of one operator:
//
//	<prefix>.<node>.<operator>.in.<input_id>
//	<prefix>.<node>.<operator>.out.<output_id>
//	<prefix>.<node>.<operator>.control
//	<prefix>.<node>.<operator>.status
type Subjects struct {
	Prefix     string
	NodeID     operator.NodeID
	OperatorID operator.OperatorID
}

func (s Subjects) base() string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.%s.%s", prefix, s.NodeID, s.OperatorID)
}

// Inputs is the wildcard subject all inputs arrive on
func (s Subjects) Inputs() string { return s.base() + ".in.>" }

// Input is the subject of one input
func (s Subjects) Input(inputID string) string { return s.base() + ".in." + inputID }

// Output is the subject of one output
func (s Subjects) Output(outputID string) string { return s.base() + ".out." + outputID }

// Control is the subject control messages arrive on
func (s Subjects) Control() string { return s.base() + ".control" }

// Status is the subject the terminal event is published on
func (s Subjects) Status() string { return s.base() + ".status" }

// inputID returns the input id encoded in subject
func (s Subjects) inputID(subject string) (string, bool) {
	prefix := s.base() + ".in."
	if !strings.HasPrefix(subject, prefix) || len(subject) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(subject, prefix), true
}

// Pump converts NATS messages into incoming events until a closed control
// message arrives, msgs is closed or ctx is done. It closes out on return.
// Messages that fail to decode are logged and dropped.
func Pump(ctx context.Context, subjects Subjects, msgs <-chan *nats.Msg, out chan<- operator.IncomingEvent, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defer close(out)

	for {
		var msg *nats.Msg
		var ok bool
		select {
		case <-ctx.Done():
			return
		case msg, ok = <-msgs:
			if !ok {
				return
			}
		}

		var ev operator.IncomingEvent
		if msg.Subject == subjects.Control() {
			switch control := msg.Header.Get(ControlHeader); control {
			case ControlClosed:
				logger.Debug("Inputs closed by control message")
				return
			case ControlStop:
				ev = operator.StopEvent{}
			default:
				logger.Warn("Unknown control message", zap.String("control", control))
				continue
			}
		} else {
			inputID, ok := subjects.inputID(msg.Subject)
			if !ok {
				logger.Warn("Message on unexpected subject", zap.String("subject", msg.Subject))
				continue
			}
			input, err := DecodeInput(inputID, msg.Data)
			if err != nil {
				logger.Warn("Dropping undecodable input",
					zap.String("subject", msg.Subject),
					zap.Error(err))
				continue
			}
			ev = input
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// DefaultPendingLimit is how many messages a subscription holds while its host
// is busy. Core NATS does not apply backpressure: once the limit is reached the
// client drops messages and reports a slow consumer.
const DefaultPendingLimit = nats.DefaultMaxChanLen

// SubscribeConfig sizes the buffers between NATS and a host
type SubscribeConfig struct {
	// Buffer is the capacity of the incoming event channel handed to the host
	Buffer int

	// PendingLimit is the capacity of the channel NATS delivers into
	PendingLimit int
}

func (c SubscribeConfig) withDefaults() SubscribeConfig {
	if c.Buffer <= 0 {
		c.Buffer = 1
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = DefaultPendingLimit
	}
	if c.PendingLimit < c.Buffer {
		c.PendingLimit = c.Buffer
	}
	return c
}

// Subscribe subscribes conn to the input and control subjects and returns the
// incoming event channel of the operator. Both subjects share one delivery
// channel so control messages keep their position among inputs. Calling the
// returned function unsubscribes; the channel is closed once pumping stops.
func Subscribe(ctx context.Context, conn *nats.Conn, subjects Subjects, config SubscribeConfig, logger *zap.Logger) (<-chan operator.IncomingEvent, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	msgs := make(chan *nats.Msg, config.PendingLimit)

	inputs, err := conn.ChanSubscribe(subjects.Inputs(), msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", subjects.Inputs(), err)
	}
	control, err := conn.ChanSubscribe(subjects.Control(), msgs)
	if err != nil {
		_ = inputs.Unsubscribe()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", subjects.Control(), err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	out := make(chan operator.IncomingEvent, config.Buffer)
	go Pump(pumpCtx, subjects, msgs, out, logger)

	unsubscribe := func() error {
		cancel()
		reportDropped(logger, inputs, control)
		errIn := inputs.Unsubscribe()
		errCtl := control.Unsubscribe()
		if errIn != nil {
			return errIn
		}
		return errCtl
	}
	return out, unsubscribe, nil
}

// reportDropped logs the messages the client discarded for subs
func reportDropped(logger *zap.Logger, subs ...*nats.Subscription) {
	for _, sub := range subs {
		dropped, err := sub.Dropped()
		if err != nil || dropped == 0 {
			continue
		}
		logger.Error("Messages dropped by slow consumer",
			zap.String("subject", sub.Subject),
			zap.Int("dropped", dropped))
	}
}

// Publisher is the subset of *nats.Conn used to publish events
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// EventPublisher publishes operator events of one operator
type EventPublisher struct {
	pub      Publisher
	subjects Subjects
}

// NewEventPublisher creates an EventPublisher
func NewEventPublisher(pub Publisher, subjects Subjects) *EventPublisher {
	return &EventPublisher{pub: pub, subjects: subjects}
}

// Publish sends ev to its subject. Outputs go to the output subject, terminal
// events to the status subject.
func (p *EventPublisher) Publish(ev operator.OperatorEvent) error {
	var (
		subject string
		body    []byte
		err     error
	)
	switch ev := ev.(type) {
	case operator.OutputEvent:
		subject = p.subjects.Output(ev.OutputID)
		body, err = EncodeOutput(ev)
	default:
		subject = p.subjects.Status()
		body, err = EncodeTerminal(ev)
	}
	if err != nil {
		return err
	}

	if err := p.pub.PublishMsg(&nats.Msg{Subject: subject, Data: body}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

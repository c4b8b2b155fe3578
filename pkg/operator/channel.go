package operator

import (
	"sync"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Sender is the sending half of the outgoing event channel.
// Send blocks until ev is enqueued and fails with errors.ErrReceiverGone once the
// receiving side has hung up.
type Sender interface {
	Send(ev OperatorEvent) error
}

// EventChannel is a bounded, ordered queue of OperatorEvent values whose receiving
// side can hang up. Go channels cannot observe a dropped receiver, so the receiver
// signals it explicitly with Hangup.
type EventChannel struct {
	ch     chan OperatorEvent
	hangup chan struct{}
	once   sync.Once
}

// NewEventChannel creates an EventChannel buffering up to capacity events.
func NewEventChannel(capacity int) *EventChannel {
	if capacity < 0 {
		capacity = 0
	}
	return &EventChannel{
		ch:     make(chan OperatorEvent, capacity),
		hangup: make(chan struct{}),
	}
}

// Send implements Sender.
func (c *EventChannel) Send(ev OperatorEvent) error {
	select {
	case <-c.hangup:
		return derrors.ErrReceiverGone
	default:
	}

	select {
	case c.ch <- ev:
		return nil
	case <-c.hangup:
		return derrors.ErrReceiverGone
	}
}

// Events returns the receiving side of the channel. It is never closed; callers
// stop reading after the terminal event.
func (c *EventChannel) Events() <-chan OperatorEvent {
	return c.ch
}

// Hangup marks the receiving side as gone. Pending and future sends fail.
// It is safe to call more than once.
func (c *EventChannel) Hangup() {
	c.once.Do(func() { close(c.hangup) })
}

// Done is closed once Hangup has been called.
func (c *EventChannel) Done() <-chan struct{} {
	return c.hangup
}

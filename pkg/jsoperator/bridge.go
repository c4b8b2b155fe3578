package jsoperator

import (
	"fmt"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/operator"
)

// OutputBridge hands operator outputs to the runtime. Its only state is the
// outgoing sender, so copies of it can be passed around freely.
type OutputBridge struct {
	events operator.Sender
}

// NewOutputBridge creates a bridge enqueueing on events
func NewOutputBridge(events operator.Sender) OutputBridge {
	return OutputBridge{events: events}
}

// Emit enqueues one OutputEvent built from owned copies of its arguments. It blocks
// while the outgoing channel is full and fails with errors.ErrReceiverGone once the
// runtime has hung up. Emit must not be called while holding the interpreter lock.
func (b OutputBridge) Emit(outputID string, data []byte, md operator.Metadata) error {
	ev := operator.OutputEvent{
		OutputID: outputID,
		Metadata: md.Clone(),
		Data:     append([]byte{}, data...),
	}
	if err := b.events.Send(ev); err != nil {
		if derrors.IsReceiverGone(err) {
			return err
		}
		return fmt.Errorf("%w: %w", derrors.ErrReceiverGone, err)
	}
	return nil
}

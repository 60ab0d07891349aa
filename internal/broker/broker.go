package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive after the subscription is closed.
var ErrClosed = errors.New("broker: subscription closed")

// Message is one raw delivery pulled from the subscription. ID is the
// broker-assigned message identifier and Attempt counts deliveries of the
// same message, starting at 1. Adapters whose broker does not expose a
// delivery count report a best-effort value; Attempt is informational and
// never drives duplicate suppression.
type Message struct {
	ID      string
	Payload []byte
	Attempt int
	Receipt Receipt
}

// Receipt is the acknowledgment handle for a single delivery. Ack removes
// the message permanently; Nack makes it eligible for redelivery. A receipt
// that is neither acked nor nacked is redelivered by the broker after its
// visibility timeout.
type Receipt interface {
	Ack() error
	Nack() error
}

// Subscription is the pull contract the pipeline consumes. Receive blocks
// until a delivery is available, the context is canceled, or the
// subscription is closed. Implementations must tolerate concurrent Receive
// calls from multiple consumption workers.
type Subscription interface {
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Pausable is implemented by subscriptions that can stop fetching from the
// broker while paused. The supervisor uses it for backpressure; adapters
// without native pause support fall back to the supervisor simply not
// calling Receive.
type Pausable interface {
	Pause()
	Resume()
}

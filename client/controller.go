package client

import (
	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
	"github.com/c0deZ3R0/go-pad-kit/ot"
)

// The controller implements the optimistic-concurrency state machine for
// local edits. At most one operation is ever unacknowledged on the wire
// (outstanding); edits made while waiting are composed into a single
// buffered operation, keeping the buffer at one entry no matter how many
// edits arrive.
//
// States: idle (nothing pending), in-flight (outstanding set), and
// in-flight-buffered (outstanding and buffer set).
type controller struct {
	outstanding *ot.Operation
	buffer      *ot.Operation
}

// onLocalEdit records a locally produced operation and returns the
// operation to transmit now, or nil when it was buffered.
func (c *controller) onLocalEdit(op *ot.Operation) (*ot.Operation, error) {
	switch {
	case c.outstanding == nil:
		c.outstanding = op
		return op, nil
	case c.buffer == nil:
		c.buffer = op
		return nil, nil
	default:
		composed, err := c.buffer.Compose(op)
		if err != nil {
			return nil, kiterr.E(kiterr.Op("client.onLocalEdit"), kiterr.Component("client/controller"), err)
		}
		c.buffer = composed
		return nil, nil
	}
}

// onAck handles the server acknowledgment of the outstanding operation
// and returns the promoted buffer to transmit next, or nil. An
// acknowledgment while idle is a protocol violation.
func (c *controller) onAck() (*ot.Operation, error) {
	if c.outstanding == nil {
		return nil, kiterr.E(kiterr.Op("client.onAck"), kiterr.Component("client/controller"),
			kiterr.KindProtocol, "acknowledgment with no outstanding operation")
	}
	c.outstanding = c.buffer
	c.buffer = nil
	return c.outstanding, nil
}

// onRemote transforms a remote operation through the outstanding and
// buffered operations, updating both, and returns the operation to apply
// to the local document.
func (c *controller) onRemote(op *ot.Operation) (*ot.Operation, error) {
	const errOp = kiterr.Op("client.onRemote")
	if c.outstanding != nil {
		outstanding, transformed, err := c.outstanding.Transform(op)
		if err != nil {
			return nil, kiterr.E(errOp, kiterr.Component("client/controller"), kiterr.KindProtocol, err)
		}
		c.outstanding = outstanding
		op = transformed
	}
	if c.buffer != nil {
		buffer, transformed, err := c.buffer.Transform(op)
		if err != nil {
			return nil, kiterr.E(errOp, kiterr.Component("client/controller"), kiterr.KindProtocol, err)
		}
		c.buffer = buffer
		op = transformed
	}
	return op, nil
}

// hasOutstanding reports whether an operation is awaiting
// acknowledgment; while true, the hosting process should not exit.
func (c *controller) hasOutstanding() bool {
	return c.outstanding != nil
}

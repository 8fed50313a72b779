package genet

import (
	"errors"
	"fmt"
)

// Error kinds, per spec.md §7. Callers distinguish them with errors.Is.
var (
	// ErrInvalidArgument covers peer/channel counts out of range, oversized
	// packets, and sends attempted in the wrong peer state.
	ErrInvalidArgument = errors.New("genet: invalid argument")
	// ErrOutOfMemory names allocation failure (packet buffers, queue
	// entries). No code in this package returns it.
	ErrOutOfMemory = errors.New("genet: out of memory")
	// ErrSocketError is fatal for the Service call that produced it, but
	// not for the host: the caller may retry on the next tick.
	ErrSocketError = errors.New("genet: socket error")
	// ErrProtocolError covers fragment mismatches, truncated commands, and
	// unknown opcodes. No code in this package returns it: per-datagram
	// problems are absorbed silently, and a fragment mismatch resets the
	// peer without an error return.
	ErrProtocolError = errors.New("genet: protocol error")
	// ErrTimeout names a timeout. A retransmit timeout surfaces as a
	// DISCONNECT event rather than an error return; the in-memory test
	// socket wraps ErrTimeout when Receive has nothing pending.
	ErrTimeout = errors.New("genet: timeout")
	// ErrPeerNotConnected is returned by Peer.Send when the peer state is
	// not CONNECTED or DISCONNECT_LATER.
	ErrPeerNotConnected = fmt.Errorf("%w: peer is not connected", ErrInvalidArgument)
	// ErrHostFull is returned by Connect when every peer slot is in use.
	ErrHostFull = fmt.Errorf("%w: no free peer slot", ErrInvalidArgument)
)

func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{kind}, args...)...)
}

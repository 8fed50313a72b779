package genet

// PacketFlags controls how a Packet is sent and how its buffer is
// owned, per spec.md §3.
type PacketFlags uint32

const (
	// PacketReliable requests reliable-ordered delivery on its channel.
	PacketReliable PacketFlags = 1 << iota
	// PacketUnsequenced requests unsequenced delivery; combined with
	// PacketReliable it is rejected (a packet is either ordered by the
	// reliable path or explicitly unsequenced, never both).
	PacketUnsequenced
	// PacketNoAllocate tells NewPacket to hold the caller's slice
	// directly instead of copying it. The caller must not mutate the
	// slice after handing it to NewPacket.
	PacketNoAllocate
	// packetUnreliableFragment names the unreliable-fragment flag. No code
	// in this package sets it: Peer.Send picks the fragment path from
	// PacketReliable and the channel's outgoing unreliable sequence.
	packetUnreliableFragment
	// packetSent names the "handed to the socket" flag. No code in this
	// package sets it, so a free callback cannot use it to tell a sent
	// packet from one dropped before send.
	packetSent
)

// FreeFunc is invoked once a Packet's reference count reaches zero.
type FreeFunc func(*Packet)

// Packet is a reference-counted payload buffer, shared between
// outgoing fragment queue entries and, on the receive side, between
// reassembly and the single dispatched RECEIVE event that hands it to
// the application (spec.md §3 invariant 5).
type Packet struct {
	Data     []byte
	Flags    PacketFlags
	refCount int
	onFree   FreeFunc
}

// NewPacket constructs a packet with reference count zero; the caller
// (or the queueing code that immediately acquires a reference) is
// responsible for calling Acquire. If PacketNoAllocate is not set, data
// is copied so the caller may reuse its buffer immediately.
func NewPacket(data []byte, flags PacketFlags, onFree FreeFunc) *Packet {
	buf := data
	if flags&PacketNoAllocate == 0 {
		buf = make([]byte, len(data))
		copy(buf, data)
	}
	return &Packet{Data: buf, Flags: flags, onFree: onFree}
}

// Acquire increments the reference count. Called once per queue entry
// or dispatched event that will hold this packet.
func (p *Packet) Acquire() {
	p.refCount++
}

// Release decrements the reference count, invoking the free callback
// once it reaches zero. Called when a queue entry is discarded/sent-
// and-freed, or when the application returns a RECEIVE packet.
func (p *Packet) Release() {
	p.refCount--
	if p.refCount <= 0 {
		if p.onFree != nil {
			p.onFree(p)
		}
	}
}

// RefCount reports the current reference count; exposed for tests
// asserting spec.md §3 invariant 5 (refcount closure, §8).
func (p *Packet) RefCount() int { return p.refCount }

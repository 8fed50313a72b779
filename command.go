package genet

// OutgoingCommand is one queued wire command awaiting (or having had)
// transmission, spec.md §3. Encoded holds the command header plus its
// fixed fields, already serialized; a command carrying application
// data appends Packet.Data[FragmentOffset:FragmentOffset+FragmentLength]
// after Encoded when it is written to a datagram.
type OutgoingCommand struct {
	Header                   commandHeader
	Encoded                  []byte
	Packet                   *Packet
	FragmentOffset           uint32
	FragmentLength           uint32
	ReliableSequenceNumber   uint16
	UnreliableSequenceNumber uint16
	QueueTime                uint64
	SendAttempts             uint32
	SentTime                 uint32
	RoundTripTimeout         uint32
	RoundTripTimeoutLimit    uint32
}

func (c *OutgoingCommand) isReliable() bool {
	return c.Header.Command&cmdFlagAcknowledge != 0
}

// wireSize is the number of bytes this command will occupy in a
// datagram: its encoded fields plus its fragment of payload.
func (c *OutgoingCommand) wireSize() int {
	return len(c.Encoded) + int(c.FragmentLength)
}

// releasePacket drops this command's reference on its packet, if any.
// Safe to call more than once; subsequent calls are no-ops.
func (c *OutgoingCommand) releasePacket() {
	if c.Packet != nil {
		c.Packet.Release()
		c.Packet = nil
	}
}

// IncomingCommand is a reassembly entry: either a whole reliable /
// unreliable / unsequenced command, or the accumulating state of a
// fragmented one (spec.md §3).
type IncomingCommand struct {
	Header                   commandHeader
	ReliableSequenceNumber   uint16
	UnreliableSequenceNumber uint16
	FragmentCount            uint32
	FragmentsRemaining       uint32
	Fragments                []uint32
	Packet                   *Packet
}

func (c *IncomingCommand) isFragmented() bool { return c.FragmentCount > 0 }

// acknowledgement is a queued ACK the host owes a peer, produced by
// any received command with the ACK flag set (spec.md §4.4).
type acknowledgement struct {
	SentTime uint32
	Command  commandHeader
}

// commandQueue is a small FIFO used for the four outgoing lists and
// the per-peer dispatched-commands list. It is a plain slice rather
// than the source's intrusive linked list, per spec.md §9's design
// note (a): O(1) append, O(n) arbitrary removal is fine at the sizes
// MAXIMUM_PACKET_COMMANDS and window sizes bound these lists to.
type commandQueue[T any] struct {
	items []T
}

func (q *commandQueue[T]) push(item T) {
	q.items = append(q.items, item)
}

func (q *commandQueue[T]) len() int { return len(q.items) }

func (q *commandQueue[T]) at(i int) T { return q.items[i] }

func (q *commandQueue[T]) popFront() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// removeAt deletes the item at index i, preserving order.
func (q *commandQueue[T]) removeAt(i int) {
	q.items = append(q.items[:i], q.items[i+1:]...)
}

// pushFront reinserts an item at the head — used when a reliable
// command is due for retransmission (spec.md §4.3).
func (q *commandQueue[T]) pushFront(item T) {
	q.items = append(q.items, item)
	copy(q.items[1:], q.items[:len(q.items)-1])
	q.items[0] = item
}

func (q *commandQueue[T]) clear() {
	q.items = nil
}

func (q *commandQueue[T]) all() []T { return q.items }

package genet

// Channel is one of a peer's independent ordering streams, spec.md §3.
// System commands (PING, DISCONNECT, CONNECT, ...) live outside any
// Channel — they use the peer-level system sequence number and never
// enter a reorder buffer, since they are consumed by the state machine
// directly rather than dispatched to the application.
type Channel struct {
	OutgoingReliableSequenceNumber   uint16
	OutgoingUnreliableSequenceNumber uint16
	IncomingReliableSequenceNumber   uint16
	IncomingUnreliableSequenceNumber uint16

	IncomingReliableCommands   commandQueue[*IncomingCommand]
	IncomingUnreliableCommands commandQueue[*IncomingCommand]

	UsedReliableWindows uint16
	ReliableWindows     [ReliableWindows]uint16
}

type reliableAcceptance int

const (
	reliableAccept reliableAcceptance = iota
	reliableDuplicate
	reliableRejected
)

// classifyReliable implements spec.md §4.4's reliable-command
// admission rule.
func (ch *Channel) classifyReliable(seq uint16) reliableAcceptance {
	cur := ch.IncomingReliableSequenceNumber
	if seq == cur {
		return reliableDuplicate
	}
	if !acceptableReliableSequence(seq, cur) {
		return reliableRejected
	}
	for _, ic := range ch.IncomingReliableCommands.items {
		if ic.ReliableSequenceNumber == seq {
			return reliableDuplicate
		}
	}
	return reliableAccept
}

// findReliable locates an already-queued reliable reassembly entry by
// sequence number (used to append fragments to an in-progress send).
func (ch *Channel) findReliable(seq uint16) *IncomingCommand {
	for _, ic := range ch.IncomingReliableCommands.items {
		if ic.ReliableSequenceNumber == seq {
			return ic
		}
	}
	return nil
}

// findUnreliableFragment locates an in-progress unreliable fragment
// reassembly by (reliableSeq, startSeq), per spec.md §4.4.
func (ch *Channel) findUnreliableFragment(reliableSeq, startSeq uint16) *IncomingCommand {
	for _, ic := range ch.IncomingUnreliableCommands.items {
		if ic.isFragmented() && ic.ReliableSequenceNumber == reliableSeq && ic.UnreliableSequenceNumber == startSeq {
			return ic
		}
	}
	return nil
}

// insertReliable inserts cmd into IncomingReliableCommands keeping
// invariant 1 (sorted by wrap-aware reliable sequence order).
func (ch *Channel) insertReliable(cmd *IncomingCommand) {
	cur := ch.IncomingReliableSequenceNumber
	items := ch.IncomingReliableCommands.items
	pos := len(items)
	for i, ic := range items {
		if uint16(cmd.ReliableSequenceNumber-cur) < uint16(ic.ReliableSequenceNumber-cur) {
			pos = i
			break
		}
	}
	items = append(items, nil)
	copy(items[pos+1:], items[pos:])
	items[pos] = cmd
	ch.IncomingReliableCommands.items = items
}

// insertUnreliable inserts cmd into IncomingUnreliableCommands keeping
// invariant 2 (sorted by (reliableSeq, unreliableSeq) wrap-aware order).
func (ch *Channel) insertUnreliable(cmd *IncomingCommand) {
	curRel := ch.IncomingReliableSequenceNumber
	curUnrel := ch.IncomingUnreliableSequenceNumber
	key := func(ic *IncomingCommand) (uint16, uint16) {
		return uint16(ic.ReliableSequenceNumber - curRel), uint16(ic.UnreliableSequenceNumber - curUnrel)
	}
	kr, ku := key(cmd)
	items := ch.IncomingUnreliableCommands.items
	pos := len(items)
	for i, ic := range items {
		ir, iu := key(ic)
		if kr < ir || (kr == ir && ku < iu) {
			pos = i
			break
		}
	}
	items = append(items, nil)
	copy(items[pos+1:], items[pos:])
	items[pos] = cmd
	ch.IncomingUnreliableCommands.items = items
}

// duplicateUnreliable reports whether an entry with the same
// (reliableSeq, unreliableSeq) key is already queued or already
// dispatched (guards against duplicated datagrams). Unreliable commands
// of the current reliable sequence are dispatched in order, so one at or
// below IncomingUnreliableSequenceNumber has already been dispatched.
func (ch *Channel) duplicateUnreliable(reliableSeq, unreliableSeq uint16) bool {
	if reliableSeq == ch.IncomingReliableSequenceNumber && unreliableSeq <= ch.IncomingUnreliableSequenceNumber {
		return true
	}
	for _, ic := range ch.IncomingUnreliableCommands.items {
		if ic.ReliableSequenceNumber == reliableSeq && ic.UnreliableSequenceNumber == unreliableSeq {
			return true
		}
	}
	return false
}

// reliableWindowCanAcceptMore reports whether the reliable window this
// sequence number falls in has room for one more outstanding command,
// per spec.md §4.3's promotion gate.
func (ch *Channel) reliableWindowCanAcceptMore(seq uint16, capPerWindow uint16) bool {
	w := seq / ReliableWindowSize
	return ch.ReliableWindows[w] < capPerWindow
}

func (ch *Channel) reliableWindowAdmit(seq uint16) {
	ch.ReliableWindows[seq/ReliableWindowSize]++
	ch.UsedReliableWindows |= 1 << (seq / ReliableWindowSize)
}

func (ch *Channel) reliableWindowRelease(seq uint16) {
	w := seq / ReliableWindowSize
	if ch.ReliableWindows[w] > 0 {
		ch.ReliableWindows[w]--
	}
	if ch.ReliableWindows[w] == 0 {
		ch.UsedReliableWindows &^= 1 << w
	}
}

package genet

import (
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// systemChannelID addresses commands that belong to the peer itself
// (CONNECT, VERIFY_CONNECT, DISCONNECT, PING, BANDWIDTH_LIMIT,
// THROTTLE_CONFIGURE) rather than to any application channel.
const systemChannelID = 0xFF

// PeerState is the connection lifecycle of spec.md §4.5.
type PeerState int32

const (
	PeerStateDisconnected PeerState = iota
	PeerStateConnecting
	PeerStateAcknowledgingConnect
	PeerStateConnectionPending
	PeerStateConnectionSucceeded
	PeerStateConnected
	PeerStateDisconnectLater
	PeerStateDisconnecting
	PeerStateAcknowledgingDisconnect
	PeerStateZombie
)

func (s PeerState) String() string {
	switch s {
	case PeerStateDisconnected:
		return "disconnected"
	case PeerStateConnecting:
		return "connecting"
	case PeerStateAcknowledgingConnect:
		return "acknowledging-connect"
	case PeerStateConnectionPending:
		return "connection-pending"
	case PeerStateConnectionSucceeded:
		return "connection-succeeded"
	case PeerStateConnected:
		return "connected"
	case PeerStateDisconnectLater:
		return "disconnect-later"
	case PeerStateDisconnecting:
		return "disconnecting"
	case PeerStateAcknowledgingDisconnect:
		return "acknowledging-disconnect"
	case PeerStateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Peer is one endpoint's view of a remote session, spec.md §3. A peer
// occupies a host slot for its lifetime; reset() returns the slot to
// PeerStateDisconnected so the host can hand it to a future session.
type Peer struct {
	host *Host

	IncomingPeerID uint16
	OutgoingPeerID uint16
	Address        net.Addr
	State          PeerState
	ConnectID      uint32

	IncomingSessionID uint8
	OutgoingSessionID uint8

	MTU        uint32
	WindowSize uint32

	Channels []Channel

	Acknowledgements            commandQueue[*acknowledgement]
	Pending                     commandQueue[*OutgoingCommand]
	SendReliableAwaitingPayload commandQueue[*OutgoingCommand]
	SentReliable                commandQueue[*OutgoingCommand]
	DispatchedCommands          commandQueue[dispatchedCommand]
	needsDispatch               bool

	RoundTripTime                uint32
	RoundTripTimeVariance        uint32
	LowestRoundTripTime          uint32
	HighestRoundTripTimeVariance uint32
	LastRoundTripTime            uint32
	LastRoundTripTimeVariance    uint32

	PacketThrottle             uint32
	PacketThrottleLimit        uint32
	PacketThrottleEpoch        uint32
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
	packetsLostThisEpoch       bool

	IncomingBandwidth uint32
	OutgoingBandwidth uint32
	IncomingDataTotal uint32
	OutgoingDataTotal uint32

	TimeoutLimit   uint32
	TimeoutMinimum uint32
	TimeoutMaximum uint32
	EarliestTimeout uint32

	PingInterval  uint32
	lastSendTime  uint32

	ReliableDataInTransit uint32
	TotalWaitingData      uint32

	UnsequencedWindow        [32]uint32
	OutgoingUnsequencedGroup uint16
	IncomingUnsequencedGroup uint16

	OutgoingReliableSequenceNumber uint16

	disconnectData uint32
	connectData    uint32

	correlationID string
	log           *logrus.Entry
}

func newPeer(h *Host, slot uint16) *Peer {
	p := &Peer{
		host:           h,
		IncomingPeerID: slot,
		State:          PeerStateDisconnected,
		log:            h.log,
	}
	p.resetDefaults()
	return p
}

// resetDefaults restores the per-session tunables to host-wide
// defaults; called by newPeer and by reset().
func (p *Peer) resetDefaults() {
	p.OutgoingPeerID = MaximumPeerID
	p.MTU = DefaultMTU
	p.WindowSize = MaximumWindowSize
	p.PacketThrottle = PacketThrottleScale
	p.PacketThrottleLimit = PacketThrottleScale
	p.PacketThrottleInterval = uint32(DefaultPacketThrottleInterval.Milliseconds())
	p.PacketThrottleAcceleration = defaultPacketThrottleAcceleration
	p.PacketThrottleDeceleration = defaultPacketThrottleDeceleration
	p.TimeoutLimit = DefaultTimeoutLimit
	p.TimeoutMinimum = uint32(DefaultTimeoutMinimum.Milliseconds())
	p.TimeoutMaximum = uint32(DefaultTimeoutMaximum.Milliseconds())
	p.PingInterval = uint32(DefaultPingInterval.Milliseconds())
	p.RoundTripTime = uint32(DefaultRoundTripTime.Milliseconds())
	p.RoundTripTimeVariance = 0
}

func (p *Peer) remoteAddrString() string {
	if p.Address == nil {
		return "<unbound>"
	}
	return p.Address.String()
}

// reset returns the slot to PeerStateDisconnected, releasing every
// queued and in-flight packet reference (spec.md §3 lifecycle).
func (p *Peer) reset() {
	for _, oc := range p.Pending.all() {
		oc.releasePacket()
	}
	for _, oc := range p.SendReliableAwaitingPayload.all() {
		oc.releasePacket()
	}
	for _, oc := range p.SentReliable.all() {
		oc.releasePacket()
	}
	for _, ch := range p.Channels {
		for _, ic := range ch.IncomingReliableCommands.all() {
			if ic.Packet != nil {
				ic.Packet.Release()
			}
		}
		for _, ic := range ch.IncomingUnreliableCommands.all() {
			if ic.Packet != nil {
				ic.Packet.Release()
			}
		}
	}
	for _, dc := range p.DispatchedCommands.all() {
		if dc.packet != nil {
			dc.packet.Release()
		}
	}

	*p = Peer{
		host:           p.host,
		IncomingPeerID: p.IncomingPeerID,
		State:          PeerStateDisconnected,
		log:            p.log,
	}
	p.resetDefaults()
}

// Reset is the application-facing equivalent of peer.reset(): it drops
// the session immediately without emitting a DISCONNECT event.
func (p *Peer) Reset() {
	p.host.removePeer(p)
	p.reset()
}

func (p *Peer) checkSendable() error {
	if p.State != PeerStateConnected && p.State != PeerStateDisconnectLater {
		return ErrPeerNotConnected
	}
	return nil
}

// nextSystemReliableSequenceNumber assigns the next reliable sequence
// number for a system-channel (0xFF) command: CONNECT, VERIFY_CONNECT,
// DISCONNECT, PING, BANDWIDTH_LIMIT, THROTTLE_CONFIGURE.
func (p *Peer) nextSystemReliableSequenceNumber() uint16 {
	p.OutgoingReliableSequenceNumber++
	return p.OutgoingReliableSequenceNumber
}

// queueOutgoingCommand appends a fully-encoded command to the
// appropriate outgoing list (spec.md §4.3 "Queueing (setup)"): any
// command with the ACK flag set — whether or not it carries a packet —
// goes to SendReliableAwaitingPayload so it is retransmitted until
// acknowledged; everything else (fire-and-forget system commands,
// unreliable sends) goes to Pending.
func (p *Peer) queueOutgoingCommand(encoded []byte, header commandHeader, packet *Packet, offset, length uint32) *OutgoingCommand {
	oc := &OutgoingCommand{
		Header:                 header,
		Encoded:                encoded,
		Packet:                 packet,
		FragmentOffset:         offset,
		FragmentLength:         length,
		ReliableSequenceNumber: header.ReliableSequenceNumber,
		QueueTime:              p.host.nextQueueTime(),
	}
	if packet != nil {
		packet.Acquire()
	}
	if header.Command&cmdFlagAcknowledge != 0 {
		p.SendReliableAwaitingPayload.push(oc)
	} else {
		p.Pending.push(oc)
	}
	return oc
}

// queueAcknowledgement records that an ACK is owed for a received
// command, per spec.md §4.4. Suppressed while the peer is finishing
// ACKNOWLEDGING_DISCONNECT except for the DISCONNECT command itself.
func (p *Peer) queueAcknowledgement(header commandHeader, sentTime uint32) {
	if p.State == PeerStateAcknowledgingDisconnect && header.opcode() != cmdDisconnect {
		return
	}
	p.Acknowledgements.push(&acknowledgement{SentTime: sentTime, Command: header})
}

// Send queues packet for delivery on channelID according to its flags,
// implementing spec.md §4.3 steps 1-4.
func (p *Peer) Send(channelID uint8, packet *Packet, flags PacketFlags) error {
	if err := p.checkSendable(); err != nil {
		return err
	}
	if int(channelID) >= len(p.Channels) {
		return wrapf(ErrInvalidArgument, "channel %d out of range (have %d)", channelID, len(p.Channels))
	}
	if flags&PacketReliable != 0 && flags&PacketUnsequenced != 0 {
		return wrapf(ErrInvalidArgument, "packet cannot be both reliable and unsequenced")
	}
	dataLength := uint32(len(packet.Data))
	if dataLength > p.host.maximumPacketSize {
		return wrapf(ErrInvalidArgument, "packet of %d bytes exceeds maximum %d", dataLength, p.host.maximumPacketSize)
	}

	checksumOverhead := uint32(0)
	if p.host.checksum != nil {
		checksumOverhead = 4
	}
	fragmentLength := p.MTU - uint32(commandSizes[cmdSendFragment]) - checksumOverhead

	ch := &p.Channels[channelID]

	if flags&PacketUnsequenced != 0 {
		if dataLength > fragmentLength {
			return wrapf(ErrInvalidArgument, "unsequenced packet of %d bytes does not fit one datagram (limit %d)", dataLength, fragmentLength)
		}
		return p.sendUnsequenced(ch, channelID, packet, dataLength)
	}
	if dataLength <= fragmentLength {
		return p.sendWhole(ch, channelID, packet, flags, dataLength)
	}
	return p.sendFragmented(ch, channelID, packet, flags, dataLength, fragmentLength)
}

func (p *Peer) sendUnsequenced(ch *Channel, channelID uint8, packet *Packet, dataLength uint32) error {
	group := p.OutgoingUnsequencedGroup
	p.OutgoingUnsequencedGroup++
	header := commandHeader{Command: cmdSendUnsequenced | cmdFlagUnsequenced, ChannelID: channelID}
	buf := make([]byte, commandSizes[cmdSendUnsequenced])
	encodeSendUnsequenced(buf, sendUnsequencedCommand{commandHeader: header, UnsequencedGroup: group, DataLength: uint16(dataLength)})
	p.queueOutgoingCommand(buf, header, packet, 0, dataLength)
	return nil
}

func (p *Peer) sendWhole(ch *Channel, channelID uint8, packet *Packet, flags PacketFlags, dataLength uint32) error {
	forceReliable := flags&PacketReliable != 0 || ch.OutgoingUnreliableSequenceNumber == 0xFFFF
	if forceReliable {
		seq := ch.OutgoingReliableSequenceNumber + 1
		ch.OutgoingReliableSequenceNumber = seq
		header := commandHeader{Command: cmdSendReliable | cmdFlagAcknowledge, ChannelID: channelID, ReliableSequenceNumber: seq}
		buf := make([]byte, commandSizes[cmdSendReliable])
		encodeSendReliable(buf, sendReliableCommand{commandHeader: header, DataLength: uint16(dataLength)})
		p.queueOutgoingCommand(buf, header, packet, 0, dataLength)
		return nil
	}
	seq := ch.OutgoingUnreliableSequenceNumber + 1
	ch.OutgoingUnreliableSequenceNumber = seq
	header := commandHeader{Command: cmdSendUnreliable, ChannelID: channelID, ReliableSequenceNumber: ch.OutgoingReliableSequenceNumber}
	buf := make([]byte, commandSizes[cmdSendUnreliable])
	encodeSendUnreliable(buf, sendUnreliableCommand{commandHeader: header, UnreliableSequenceNumber: seq, DataLength: uint16(dataLength)})
	p.queueOutgoingCommand(buf, header, packet, 0, dataLength)
	return nil
}

func (p *Peer) sendFragmented(ch *Channel, channelID uint8, packet *Packet, flags PacketFlags, dataLength, fragmentLength uint32) error {
	fragmentCount := (dataLength + fragmentLength - 1) / fragmentLength
	if fragmentCount > MaximumFragmentCount {
		return wrapf(ErrInvalidArgument, "packet of %d bytes needs %d fragments, exceeds maximum %d", dataLength, fragmentCount, MaximumFragmentCount)
	}

	reliableFragment := flags&PacketReliable != 0 || ch.OutgoingUnreliableSequenceNumber == 0xFFFF

	if reliableFragment {
		startSeq := ch.OutgoingReliableSequenceNumber + 1
		for i := uint32(0); i < fragmentCount; i++ {
			seq := ch.OutgoingReliableSequenceNumber + 1
			ch.OutgoingReliableSequenceNumber = seq
			offset := i * fragmentLength
			length := fragmentLength
			if offset+length > dataLength {
				length = dataLength - offset
			}
			header := commandHeader{Command: cmdSendFragment | cmdFlagAcknowledge, ChannelID: channelID, ReliableSequenceNumber: seq}
			buf := make([]byte, commandSizes[cmdSendFragment])
			encodeSendFragment(buf, sendFragmentCommand{
				commandHeader:       header,
				StartSequenceNumber: startSeq,
				DataLength:          uint16(length),
				FragmentCount:       fragmentCount,
				FragmentNumber:      i,
				TotalLength:         dataLength,
				FragmentOffset:      offset,
			})
			p.queueOutgoingCommand(buf, header, packet, offset, length)
		}
		return nil
	}

	startSeq := ch.OutgoingUnreliableSequenceNumber + 1
	ch.OutgoingUnreliableSequenceNumber = startSeq
	for i := uint32(0); i < fragmentCount; i++ {
		offset := i * fragmentLength
		length := fragmentLength
		if offset+length > dataLength {
			length = dataLength - offset
		}
		header := commandHeader{Command: cmdSendUnreliableFragment, ChannelID: channelID, ReliableSequenceNumber: ch.OutgoingReliableSequenceNumber}
		buf := make([]byte, commandSizes[cmdSendUnreliableFragment])
		encodeSendFragment(buf, sendFragmentCommand{
			commandHeader:       header,
			StartSequenceNumber: startSeq,
			DataLength:          uint16(length),
			FragmentCount:       fragmentCount,
			FragmentNumber:      i,
			TotalLength:         dataLength,
			FragmentOffset:      offset,
		})
		p.queueOutgoingCommand(buf, header, packet, offset, length)
	}
	return nil
}

// Receive pops the oldest dispatched command, if any, transferring
// ownership of its packet to the caller.
func (p *Peer) Receive() (packet *Packet, channelID uint8, ok bool) {
	dc, ok := p.DispatchedCommands.popFront()
	if !ok {
		return nil, 0, false
	}
	if p.DispatchedCommands.len() == 0 {
		p.needsDispatch = false
	}
	return dc.packet, dc.channelID, true
}

// Ping queues a PING system command so the remote's idle connection
// still produces RTT samples and keeps any NAT binding alive
// (original_source/EnetPorting/peer.cpp enet_peer_ping).
func (p *Peer) Ping() {
	if p.State != PeerStateConnected {
		return
	}
	seq := p.nextSystemReliableSequenceNumber()
	header := commandHeader{Command: cmdPing | cmdFlagAcknowledge, ChannelID: systemChannelID, ReliableSequenceNumber: seq}
	buf := make([]byte, commandSizes[cmdPing])
	encodePing(buf, pingCommand{commandHeader: header})
	p.queueOutgoingCommand(buf, header, nil, 0, 0)
}

// Disconnect requests an orderly shutdown: the DISCONNECT command is
// sent with the ACK flag and the peer waits for acknowledgement before
// reaching ZOMBIE.
func (p *Peer) Disconnect(data uint32) {
	if p.State == PeerStateDisconnected || p.State == PeerStateZombie {
		return
	}
	p.disconnectData = data
	p.State = PeerStateDisconnecting
	seq := p.nextSystemReliableSequenceNumber()
	header := commandHeader{Command: cmdDisconnect | cmdFlagAcknowledge, ChannelID: systemChannelID, ReliableSequenceNumber: seq}
	buf := make([]byte, commandSizes[cmdDisconnect])
	encodeDisconnect(buf, disconnectCommand{commandHeader: header, Data: data})
	p.queueOutgoingCommand(buf, header, nil, 0, 0)
}

// DisconnectLater defers Disconnect until every queued reliable command
// has been sent, so in-flight application data is not dropped.
func (p *Peer) DisconnectLater(data uint32) {
	if p.Pending.len() == 0 && p.SendReliableAwaitingPayload.len() == 0 && p.SentReliable.len() == 0 {
		p.Disconnect(data)
		return
	}
	p.disconnectData = data
	p.State = PeerStateDisconnectLater
}

// DisconnectNow sends an unacknowledged DISCONNECT directly, bypassing
// every queue, and resets the peer immediately without an event.
func (p *Peer) DisconnectNow(data uint32) {
	if p.State != PeerStateDisconnected {
		header := commandHeader{Command: cmdDisconnect | cmdFlagUnsequenced, ChannelID: systemChannelID}
		buf := make([]byte, commandSizes[cmdDisconnect])
		encodeDisconnect(buf, disconnectCommand{commandHeader: header, Data: data})
		p.host.sendRaw(p, buf)
	}
	p.host.removePeer(p)
	p.reset()
}

// ConfigureThrottle updates the local packet-throttle tunables and
// informs the remote via THROTTLE_CONFIGURE (SUPPLEMENT #1) so both
// sides agree on the parameters driving unreliable drop probability.
func (p *Peer) ConfigureThrottle(interval, acceleration, deceleration uint32) {
	p.PacketThrottleInterval = interval
	p.PacketThrottleAcceleration = acceleration
	p.PacketThrottleDeceleration = deceleration
	if p.State != PeerStateConnected {
		return
	}
	seq := p.nextSystemReliableSequenceNumber()
	header := commandHeader{Command: cmdThrottleConfigure | cmdFlagAcknowledge, ChannelID: systemChannelID, ReliableSequenceNumber: seq}
	buf := make([]byte, commandSizes[cmdThrottleConfigure])
	encodeThrottleConfigure(buf, throttleConfigureCommand{
		commandHeader:              header,
		PacketThrottleInterval:     interval,
		PacketThrottleAcceleration: acceleration,
		PacketThrottleDeceleration: deceleration,
	})
	p.queueOutgoingCommand(buf, header, nil, 0, 0)
}

// SetTimeout sets the local retransmit-timeout bounds this side applies
// to its own sends; it has no wire effect (original ENet enet_peer_timeout).
func (p *Peer) SetTimeout(limit, minimum, maximum uint32) {
	p.TimeoutLimit = limit
	p.TimeoutMinimum = minimum
	p.TimeoutMaximum = maximum
}

// SetPingInterval sets the local idle interval after which the host
// queues a PING for this peer.
func (p *Peer) SetPingInterval(ms uint32) {
	p.PingInterval = ms
}

// onAcknowledgeReceived folds one ACK's round-trip sample into the RTT
// estimator and the packet-throttle state machine, spec.md §4.6.
func (p *Peer) onAcknowledgeReceived(serviceTime, receivedSentTime uint32) {
	var rtt uint32
	if timeGreater(serviceTime, receivedSentTime) {
		rtt = serviceTime - receivedSentTime
	} else {
		rtt = 1
	}
	if rtt < 1 {
		rtt = 1
	}

	if p.RoundTripTime == 0 {
		p.RoundTripTime = rtt
		p.RoundTripTimeVariance = rtt / 2
	} else {
		diff := diffUint32(rtt, p.RoundTripTime)
		p.RoundTripTimeVariance = p.RoundTripTimeVariance*3/4 + diff/4
		p.RoundTripTime = interpolate(p.RoundTripTime, rtt, 8)
	}

	if p.LowestRoundTripTime == 0 || rtt < p.LowestRoundTripTime {
		p.LowestRoundTripTime = rtt
	}
	if p.RoundTripTimeVariance > p.HighestRoundTripTimeVariance {
		p.HighestRoundTripTimeVariance = p.RoundTripTimeVariance
	}

	if p.PacketThrottleEpoch == 0 {
		p.PacketThrottleEpoch = serviceTime
	}
	if serviceTime-p.PacketThrottleEpoch >= p.PacketThrottleInterval {
		p.LastRoundTripTime = p.LowestRoundTripTime
		if p.HighestRoundTripTimeVariance > 0 {
			p.LastRoundTripTimeVariance = p.HighestRoundTripTimeVariance
		} else {
			p.LastRoundTripTimeVariance = 1
		}
		p.LowestRoundTripTime = rtt
		p.HighestRoundTripTimeVariance = p.RoundTripTimeVariance
		p.PacketThrottleEpoch = serviceTime
	}

	switch {
	case p.LastRoundTripTime != 0 && rtt <= p.LastRoundTripTime:
		p.PacketThrottle += p.PacketThrottleAcceleration
		if p.PacketThrottle > p.PacketThrottleLimit {
			p.PacketThrottle = p.PacketThrottleLimit
		}
	case p.LastRoundTripTime != 0 && rtt > p.LastRoundTripTime+2*p.LastRoundTripTimeVariance:
		if p.PacketThrottle > p.PacketThrottleDeceleration {
			p.PacketThrottle -= p.PacketThrottleDeceleration
		} else {
			p.PacketThrottle = 0
		}
	}
}

// diffUint32 is the unsigned absolute difference of a and b.
func diffUint32(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// interpolate moves mean one 1/divisor step toward sample, matching the
// `mean = mean + (rtt - mean)/8` smoothing of spec.md §4.6 without
// relying on signed wraparound of uint32 subtraction.
func interpolate(mean, sample, divisor uint32) uint32 {
	if sample >= mean {
		return mean + (sample-mean)/divisor
	}
	return mean - (mean-sample)/divisor
}

// windowSizeFor computes a peer's window size from the negotiated
// bandwidth pair, spec.md §4.6's final paragraph.
func windowSizeFor(incoming, outgoing uint32) uint32 {
	var limiting uint32
	switch {
	case incoming == 0 && outgoing == 0:
		return MaximumWindowSize
	case incoming == 0:
		limiting = outgoing
	case outgoing == 0:
		limiting = incoming
	default:
		limiting = min32(incoming, outgoing)
	}
	size := (limiting / windowSizeScale) * MinimumWindowSize
	if size < MinimumWindowSize {
		size = MinimumWindowSize
	}
	if size > MaximumWindowSize {
		size = MaximumWindowSize
	}
	return size
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// newCorrelationID mints a fresh UUID for a peer's handshake, used only
// for log correlation (spec.md's ambient observability, no protocol
// effect).
func newCorrelationID() string {
	return uuid.NewString()
}

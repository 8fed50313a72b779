package genet

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Compressor is the optional payload compression hook, spec.md §4.2.
type Compressor interface {
	Compress(in []byte) []byte
	Decompress(in []byte) ([]byte, error)
}

// ChecksumFunc computes a datagram checksum seeded with the sending
// peer's connectID (or 0 before a peer is known), spec.md §4.2.
type ChecksumFunc func(data []byte, seed uint32) uint32

// InterceptResult is returned by an InterceptFunc to steer what the
// host does with a raw datagram before protocol dispatch, spec.md §4.7.
type InterceptResult int

const (
	InterceptContinue InterceptResult = iota
	InterceptConsumed
	InterceptFatal
)

// InterceptFunc inspects a raw datagram before it is parsed.
type InterceptFunc func(h *Host, data []byte, from net.Addr) InterceptResult

// HostConfig configures NewHost. Zero values fall back to spec.md §6
// defaults.
type HostConfig struct {
	PeerCount         uint16
	ChannelLimit      uint8
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
	MaximumPacketSize uint32
	MaximumWaitingData uint32
	MaxDuplicatePeers uint32 // 0 = unlimited

	Clock  Clock
	Seed   uint32
	Logger *logrus.Entry

	Compressor Compressor
	Checksum   ChecksumFunc
	Intercept  InterceptFunc
}

// Host multiplexes many Peer sessions over one Socket, spec.md §3/§4.7.
// Not safe for concurrent use: every method must run on the goroutine
// currently driving Service, per spec.md §5.
type Host struct {
	socket Socket
	clock  Clock
	rng    *mulberry32
	log    *logrus.Entry
	id     string

	peers []*Peer

	dispatchQueue []*Peer
	connectEvents []*Peer

	serviceTime uint32

	channelLimit               uint8
	incomingBandwidth          uint32
	outgoingBandwidth          uint32
	bandwidthThrottleEpoch     uint32
	recalculateBandwidthLimits bool
	maximumPacketSize          uint32
	maximumWaitingData         uint32
	maxDuplicatePeers          uint32

	compressor Compressor
	checksum   ChecksumFunc
	intercept  InterceptFunc

	totalQueued          uint64
	totalSentData        uint64
	totalReceivedData    uint64
	totalSentPackets     uint64
	totalReceivedPackets uint64

	scratchIn  []byte
	scratchOut []byte
}

// NewHost allocates peerCount peer slots bound to socket.
func NewHost(socket Socket, cfg HostConfig) (*Host, error) {
	if cfg.PeerCount == 0 {
		return nil, wrapf(ErrInvalidArgument, "peer count must be positive")
	}
	channelLimit := cfg.ChannelLimit
	if channelLimit == 0 {
		channelLimit = MaximumChannelCount
	}
	if channelLimit < MinimumChannelCount || channelLimit > MaximumChannelCount {
		return nil, wrapf(ErrInvalidArgument, "channel limit %d out of range", channelLimit)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	log := cfg.Logger
	if log == nil {
		log = newDiscardLogger()
	}

	h := &Host{
		socket:             socket,
		clock:              clock,
		rng:                newMulberry32(cfg.Seed),
		log:                log,
		id:                 uuid.NewString(),
		channelLimit:       channelLimit,
		incomingBandwidth:  cfg.IncomingBandwidth,
		outgoingBandwidth:  cfg.OutgoingBandwidth,
		maximumPacketSize:  cfg.MaximumPacketSize,
		maximumWaitingData: cfg.MaximumWaitingData,
		maxDuplicatePeers:  cfg.MaxDuplicatePeers,
		compressor:         cfg.Compressor,
		checksum:           cfg.Checksum,
		intercept:          cfg.Intercept,
		scratchIn:          make([]byte, MaximumMTU),
		scratchOut:         make([]byte, MaximumMTU),
	}
	if h.maximumPacketSize == 0 {
		h.maximumPacketSize = defaultHostMaximumPacketSize
	}
	if h.maximumWaitingData == 0 {
		h.maximumWaitingData = defaultHostMaximumWaitingData
	}
	h.peers = make([]*Peer, cfg.PeerCount)
	for i := range h.peers {
		h.peers[i] = newPeer(h, uint16(i))
	}
	h.serviceTime = h.clock.NowMS()
	h.bandwidthThrottleEpoch = h.serviceTime
	return h, nil
}

func (h *Host) hostLog() *logrus.Entry { return h.log.WithField("host", h.id) }

// nextQueueTime hands out the host-wide FIFO order stamped on every
// queued OutgoingCommand, spec.md §4.3.
func (h *Host) nextQueueTime() uint64 {
	h.totalQueued++
	return h.totalQueued
}

func (h *Host) freeSlot() (*Peer, bool) {
	for _, p := range h.peers {
		if p.State == PeerStateDisconnected {
			return p, true
		}
	}
	return nil, false
}

func (h *Host) connectedPeers() []*Peer {
	out := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		if p.State == PeerStateConnected || p.State == PeerStateDisconnectLater {
			out = append(out, p)
		}
	}
	return out
}

func (h *Host) duplicatePeerCount(addr net.Addr) uint32 {
	var n uint32
	for _, p := range h.peers {
		if p.State != PeerStateDisconnected && p.State != PeerStateZombie && p.Address != nil && p.Address.String() == addr.String() {
			n++
		}
	}
	return n
}

func (h *Host) enlistDispatch(p *Peer) {
	if p.needsDispatch {
		return
	}
	p.needsDispatch = true
	h.dispatchQueue = append(h.dispatchQueue, p)
}

func (h *Host) removePeer(p *Peer) {
	for i, q := range h.dispatchQueue {
		if q == p {
			h.dispatchQueue = append(h.dispatchQueue[:i], h.dispatchQueue[i+1:]...)
			break
		}
	}
}

// Connect begins a handshake with address over channelCount channels,
// sending data as the CONNECT command's user payload.
func (h *Host) Connect(address net.Addr, channelCount uint8, data uint32) (*Peer, error) {
	if channelCount < MinimumChannelCount || channelCount > h.channelLimit {
		return nil, wrapf(ErrInvalidArgument, "channel count %d out of range", channelCount)
	}
	p, ok := h.freeSlot()
	if !ok {
		h.hostLog().Warn("connect requested with no free peer slot")
		return nil, ErrHostFull
	}
	p.Address = address
	p.State = PeerStateConnecting
	p.ConnectID = h.rng.Uint32()
	p.MTU = DefaultMTU
	p.Channels = make([]Channel, channelCount)
	// No remote slot is known yet; MaximumPeerID is the "no peer" sentinel
	// that routes the initial CONNECT through handleDatagram's p==nil path.
	p.OutgoingPeerID = MaximumPeerID
	p.OutgoingSessionID = 0
	p.correlationID = newCorrelationID()

	seq := p.nextSystemReliableSequenceNumber()
	header := commandHeader{Command: cmdConnect | cmdFlagAcknowledge, ChannelID: systemChannelID, ReliableSequenceNumber: seq}
	buf := make([]byte, commandSizes[cmdConnect])
	encodeConnect(buf, connectCommand{
		commandHeader:              header,
		OutgoingPeerID:             p.IncomingPeerID,
		IncomingSessionID:          p.IncomingSessionID,
		OutgoingSessionID:          p.OutgoingSessionID,
		MTU:                        p.MTU,
		WindowSize:                 p.WindowSize,
		ChannelCount:               uint32(channelCount),
		IncomingBandwidth:          h.incomingBandwidth,
		OutgoingBandwidth:          h.outgoingBandwidth,
		PacketThrottleInterval:     p.PacketThrottleInterval,
		PacketThrottleAcceleration: p.PacketThrottleAcceleration,
		PacketThrottleDeceleration: p.PacketThrottleDeceleration,
		ConnectID:                  p.ConnectID,
		Data:                       data,
	})
	p.queueOutgoingCommand(buf, header, nil, 0, 0)
	p.peerLog().Info("connecting")
	return p, nil
}

// Broadcast queues packet for every CONNECTED peer on channelID. The
// packet's own refcounting (Peer.Send/queueOutgoingCommand acquiring one
// reference per queue entry) makes fan-out safe without any special
// case here, per SUPPLEMENT #5.
func (h *Host) Broadcast(channelID uint8, packet *Packet, flags PacketFlags) {
	for _, p := range h.peers {
		if p.State != PeerStateConnected {
			continue
		}
		_ = p.Send(channelID, packet, flags)
	}
}

func (h *Host) SetChannelLimit(n uint8) {
	if n < MinimumChannelCount || n > MaximumChannelCount {
		return
	}
	h.channelLimit = n
}

func (h *Host) SetBandwidthLimit(incoming, outgoing uint32) {
	h.incomingBandwidth = incoming
	h.outgoingBandwidth = outgoing
	h.recalculateBandwidthLimits = true
}

func (h *Host) SetCompressor(c Compressor) { h.compressor = c }

func (h *Host) LocalAddr() net.Addr { return h.socket.LocalAddr() }

// Flush pushes every peer's outgoing queues to the socket without
// waiting for or generating any event.
func (h *Host) Flush() {
	h.serviceTime = h.clock.NowMS()
	h.sendOutgoingCommands()
}

// Service drains one event, or spends up to timeout servicing the
// socket and every peer's state machine before returning EventNone,
// spec.md §4.7.
func (h *Host) Service(timeout time.Duration) (Event, error) {
	if ev, ok := h.dispatchOne(); ok {
		return ev, nil
	}

	h.serviceTime = h.clock.NowMS()
	h.sendOutgoingCommands()
	if err := h.receiveIncomingCommands(); err != nil {
		return Event{}, err
	}
	h.sendOutgoingCommands()
	h.runMaintenance()
	h.bandwidthThrottle()

	if ev, ok := h.dispatchOne(); ok {
		return ev, nil
	}

	if timeout <= 0 {
		return Event{}, nil
	}
	ready, err := h.socket.Wait(timeout)
	if err != nil {
		return Event{}, err
	}
	if !ready {
		return Event{}, nil
	}
	return h.Service(0)
}

func (h *Host) dispatchOne() (Event, bool) {
	if len(h.connectEvents) > 0 {
		p := h.connectEvents[0]
		h.connectEvents = h.connectEvents[1:]
		return Event{Type: EventConnect, Peer: p, Data: p.connectData}, true
	}

	for len(h.dispatchQueue) > 0 {
		p := h.dispatchQueue[0]
		h.dispatchQueue = h.dispatchQueue[1:]
		p.needsDispatch = false

		switch p.State {
		case PeerStateConnected, PeerStateDisconnectLater:
			if p.DispatchedCommands.len() == 0 {
				continue
			}
			packet, channelID, _ := p.Receive()
			if p.DispatchedCommands.len() > 0 {
				h.enlistDispatch(p)
			}
			return Event{Type: EventReceive, Peer: p, ChannelID: channelID, Packet: packet}, true
		case PeerStateZombie:
			data := p.disconnectData
			h.removePeer(p)
			p.reset()
			return Event{Type: EventDisconnect, Peer: p, Data: data}, true
		default:
			continue
		}
	}
	return Event{}, false
}

// sendOutgoingCommands implements spec.md §4.3's transmission pass for
// every peer with something to send.
func (h *Host) sendOutgoingCommands() {
	for _, p := range h.peers {
		if p.State == PeerStateDisconnected || p.State == PeerStateZombie {
			continue
		}
		h.sendToPeer(p)
	}
}

func (h *Host) sendToPeer(p *Peer) {
	freshHeader := func() []byte {
		hdr := protocolHeader{PeerID: p.OutgoingPeerID, SessionID: p.OutgoingSessionID, HasSentTime: true, SentTime: uint16(h.serviceTime)}
		n := hdr.encode(h.scratchOut[:4])
		return h.scratchOut[:n]
	}
	buf := freshHeader()
	wrote := false
	commands := 0

	flush := func() {
		if !wrote {
			return
		}
		if p.Address != nil {
			h.socket.Send(buf, p.Address)
			h.totalSentData += uint64(len(buf))
		}
		buf = freshHeader()
		wrote = false
		commands = 0
	}

	appendCmd := func(payload []byte) {
		if len(buf)+len(payload) > int(p.MTU) || commands >= MaximumPacketCommands {
			flush()
		}
		buf = append(buf, payload...)
		wrote = true
		commands++
	}

	for _, ack := range p.Acknowledgements.all() {
		abuf := make([]byte, commandSizes[cmdAcknowledge])
		encodeAck(abuf, ackCommand{
			commandHeader:                  commandHeader{Command: cmdAcknowledge, ChannelID: ack.Command.ChannelID, ReliableSequenceNumber: ack.Command.ReliableSequenceNumber},
			ReceivedReliableSequenceNumber: ack.Command.ReliableSequenceNumber,
			ReceivedSentTime:               uint16(ack.SentTime),
		})
		appendCmd(abuf)
	}
	p.Acknowledgements.clear()

	h.promoteReliable(p, appendCmd)

	remaining := p.Pending.all()
	p.Pending.clear()
	for _, oc := range remaining {
		if oc.Header.opcode() == cmdSendUnreliable || oc.Header.opcode() == cmdSendUnreliableFragment {
			if h.rng.IntN(PacketThrottleScale) > p.PacketThrottle {
				oc.releasePacket()
				continue
			}
		}
		payload := oc.Encoded
		if oc.Packet != nil {
			payload = append(append([]byte{}, oc.Encoded...), oc.Packet.Data[oc.FragmentOffset:oc.FragmentOffset+oc.FragmentLength]...)
		}
		appendCmd(payload)
		p.OutgoingDataTotal += uint32(len(payload))
		oc.releasePacket()
	}

	flush()
	if wrote {
		p.lastSendTime = h.serviceTime
	}
}

// promoteReliable moves as many SendReliableAwaitingPayload commands as
// the reliable window and in-flight data budget allow into
// SentReliable, appending each to the outgoing datagram via appendCmd,
// spec.md §4.3.
func (h *Host) promoteReliable(p *Peer, appendCmd func([]byte)) {
	remaining := p.SendReliableAwaitingPayload.all()
	kept := remaining[:0]
	for _, oc := range remaining {
		var ch *Channel
		if oc.Header.ChannelID != systemChannelID {
			ch = &p.Channels[oc.Header.ChannelID]
		}
		if ch != nil && !ch.reliableWindowCanAcceptMore(oc.ReliableSequenceNumber, ReliableWindowSize) {
			kept = append(kept, oc)
			continue
		}
		if p.ReliableDataInTransit+oc.FragmentLength > p.WindowSize {
			kept = append(kept, oc)
			continue
		}

		oc.SentTime = h.serviceTime
		if oc.SendAttempts == 0 {
			oc.RoundTripTimeout = max32(p.RoundTripTime+4*p.RoundTripTimeVariance, p.TimeoutMinimum)
			oc.RoundTripTimeoutLimit = p.TimeoutLimit * oc.RoundTripTimeout
		}
		oc.SendAttempts++
		p.SentReliable.push(oc)
		if ch != nil {
			ch.reliableWindowAdmit(oc.ReliableSequenceNumber)
		}
		p.ReliableDataInTransit += oc.FragmentLength

		payload := oc.Encoded
		if oc.Packet != nil {
			payload = append(append([]byte{}, oc.Encoded...), oc.Packet.Data[oc.FragmentOffset:oc.FragmentOffset+oc.FragmentLength]...)
		}
		appendCmd(payload)
		p.OutgoingDataTotal += uint32(len(payload))
	}
	p.SendReliableAwaitingPayload.clear()
	for _, oc := range kept {
		p.SendReliableAwaitingPayload.push(oc)
	}
}

// receiveIncomingCommands drains up to maxReceivedDatagramsPerService
// already-available datagrams, spec.md §4.7.
func (h *Host) receiveIncomingCommands() error {
	for i := 0; i < maxReceivedDatagramsPerService; i++ {
		ready, err := h.socket.Wait(0)
		if err != nil {
			return err
		}
		if !ready {
			return nil
		}
		n, from, err := h.socket.Receive(h.scratchIn)
		if err != nil {
			return err
		}
		h.totalReceivedData += uint64(n)
		h.handleDatagram(h.scratchIn[:n], from)
	}
	return nil
}

func (h *Host) handleDatagram(data []byte, from net.Addr) {
	if h.intercept != nil {
		switch h.intercept(h, data, from) {
		case InterceptConsumed:
			return
		case InterceptFatal:
			return
		}
	}

	hdr, n, ok := decodeProtocolHeader(data)
	if !ok {
		return
	}
	body := data[n:]

	if hdr.Compressed {
		if h.compressor == nil {
			return
		}
		decoded, err := h.compressor.Decompress(body)
		if err != nil {
			return
		}
		body = decoded
	}

	var p *Peer
	if hdr.PeerID != MaximumPeerID {
		if int(hdr.PeerID) >= len(h.peers) {
			return
		}
		candidate := h.peers[hdr.PeerID]
		if candidate.State == PeerStateDisconnected || candidate.State == PeerStateZombie {
			return
		}
		if candidate.Address == nil || candidate.Address.String() != from.String() {
			return
		}
		// A connecting peer still has the MaximumPeerID sentinel as its
		// OutgoingPeerID and no session id from the remote yet; the
		// VERIFY_CONNECT it is waiting for is what supplies one.
		if candidate.OutgoingPeerID < MaximumPeerID && candidate.IncomingSessionID != hdr.SessionID {
			return
		}
		p = candidate
	}

	h.walkCommands(p, hdr, body, from)
}

func (h *Host) walkCommands(p *Peer, hdr protocolHeader, body []byte, from net.Addr) {
	// The datagram's sentTime is the sender's own clock reading, truncated
	// to 16 bits; it is only meaningful once reconstructed against that
	// same sender's later clock reading, so it is echoed back verbatim in
	// any ACK rather than reinterpreted against this host's clock here.
	var rawSentTime uint32
	if hdr.HasSentTime {
		rawSentTime = uint32(hdr.SentTime)
	}

	pos := 0
	for i := 0; i < MaximumPacketCommands && pos < len(body); i++ {
		if pos+4 > len(body) {
			return
		}
		opcode := body[pos] & commandMask
		if int(opcode) >= commandCount {
			return
		}
		size := commandSizes[opcode]
		if size == 0 || pos+size > len(body) {
			return
		}
		header := decodeCommandHeader(body[pos:])
		payloadStart := pos + size
		dataLength := 0
		if commandHasPayload(opcode) {
			dataLength = decodePayloadLength(opcode, body[pos:])
			if payloadStart+dataLength > len(body) {
				return
			}
		}
		payload := body[payloadStart : payloadStart+dataLength]

		if p == nil {
			if opcode == cmdConnect {
				newPeer := h.handleConnect(decodeConnect(body[pos:]), from)
				if newPeer != nil && header.Command&cmdFlagAcknowledge != 0 {
					newPeer.queueAcknowledgement(header, rawSentTime)
				}
			}
		} else {
			if header.Command&cmdFlagAcknowledge != 0 && opcode != cmdAcknowledge {
				p.queueAcknowledgement(header, rawSentTime)
			}
			h.handleCommand(p, opcode, header, body[pos:], payload)
		}

		pos = payloadStart + dataLength
	}
}

func decodePayloadLength(opcode uint8, buf []byte) int {
	switch opcode {
	case cmdSendReliable:
		return int(decodeSendReliable(buf).DataLength)
	case cmdSendUnreliable:
		return int(decodeSendUnreliable(buf).DataLength)
	case cmdSendUnsequenced:
		return int(decodeSendUnsequenced(buf).DataLength)
	case cmdSendFragment, cmdSendUnreliableFragment:
		return int(decodeSendFragment(buf).DataLength)
	default:
		return 0
	}
}

// handleConnect implements the server side of spec.md §4.5: accept a
// fresh CONNECT into a new peer slot, or drop a duplicate. It returns
// the new peer so the caller can acknowledge the CONNECT command that
// created it, since no peer existed yet when walkCommands decided
// whether an ACK was owed.
func (h *Host) handleConnect(cmd connectCommand, from net.Addr) *Peer {
	if h.maxDuplicatePeers > 0 && h.duplicatePeerCount(from) >= h.maxDuplicatePeers {
		return nil
	}
	p, ok := h.freeSlot()
	if !ok {
		return nil
	}
	p.Address = from
	p.State = PeerStateAcknowledgingConnect
	p.ConnectID = cmd.ConnectID
	p.OutgoingPeerID = cmd.OutgoingPeerID
	p.IncomingSessionID = cmd.OutgoingSessionID
	p.OutgoingSessionID = nextSessionID(cmd.IncomingSessionID)
	p.correlationID = newCorrelationID()

	mtu := cmd.MTU
	if mtu < MinimumMTU {
		mtu = MinimumMTU
	}
	if mtu > MaximumMTU {
		mtu = MaximumMTU
	}
	p.MTU = min32(DefaultMTU, mtu)

	channelCount := cmd.ChannelCount
	if channelCount < MinimumChannelCount {
		channelCount = MinimumChannelCount
	}
	if channelCount > uint32(h.channelLimit) {
		channelCount = uint32(h.channelLimit)
	}
	p.Channels = make([]Channel, channelCount)

	p.IncomingBandwidth = cmd.IncomingBandwidth
	p.OutgoingBandwidth = cmd.OutgoingBandwidth
	p.PacketThrottleInterval = cmd.PacketThrottleInterval
	p.PacketThrottleAcceleration = cmd.PacketThrottleAcceleration
	p.PacketThrottleDeceleration = cmd.PacketThrottleDeceleration
	p.WindowSize = windowSizeFor(p.IncomingBandwidth, p.OutgoingBandwidth)
	p.connectData = cmd.Data

	seq := p.nextSystemReliableSequenceNumber()
	header := commandHeader{Command: cmdVerifyConnect | cmdFlagAcknowledge, ChannelID: systemChannelID, ReliableSequenceNumber: seq}
	buf := make([]byte, commandSizes[cmdVerifyConnect])
	encodeVerifyConnect(buf, verifyConnectCommand{
		commandHeader:              header,
		OutgoingPeerID:             p.IncomingPeerID,
		IncomingSessionID:          p.IncomingSessionID,
		OutgoingSessionID:          p.OutgoingSessionID,
		MTU:                        p.MTU,
		WindowSize:                 p.WindowSize,
		ChannelCount:               channelCount,
		IncomingBandwidth:          h.incomingBandwidth,
		OutgoingBandwidth:          h.outgoingBandwidth,
		PacketThrottleInterval:     p.PacketThrottleInterval,
		PacketThrottleAcceleration: p.PacketThrottleAcceleration,
		PacketThrottleDeceleration: p.PacketThrottleDeceleration,
		ConnectID:                  p.ConnectID,
	})
	p.queueOutgoingCommand(buf, header, nil, 0, 0)
	p.State = PeerStateConnectionPending
	return p
}

func nextSessionID(other uint8) uint8 {
	return (other + 1) & 0x3
}

func (h *Host) handleCommand(p *Peer, opcode uint8, header commandHeader, raw, payload []byte) {
	switch opcode {
	case cmdAcknowledge:
		h.handleAcknowledge(p, decodeAck(raw))
	case cmdVerifyConnect:
		h.handleVerifyConnect(p, decodeVerifyConnect(raw))
	case cmdDisconnect:
		h.handleDisconnect(p, decodeDisconnect(raw))
	case cmdPing:
		// ACK already queued above; no further action.
	case cmdSendReliable:
		if int(header.ChannelID) < len(p.Channels) {
			h.queueIncomingReliable(p, header, payload)
		}
	case cmdSendUnreliable:
		if int(header.ChannelID) < len(p.Channels) {
			cmd := decodeSendUnreliable(raw)
			h.queueIncomingUnreliable(p, header, cmd.UnreliableSequenceNumber, payload)
		}
	case cmdSendUnsequenced:
		if int(header.ChannelID) < len(p.Channels) {
			cmd := decodeSendUnsequenced(raw)
			h.queueIncomingUnsequenced(p, header, cmd.UnsequencedGroup, payload)
		}
	case cmdSendFragment:
		if int(header.ChannelID) < len(p.Channels) {
			cmd := decodeSendFragment(raw)
			h.queueIncomingFragment(p, header, cmd, payload, true)
		}
	case cmdSendUnreliableFragment:
		if int(header.ChannelID) < len(p.Channels) {
			cmd := decodeSendFragment(raw)
			h.queueIncomingFragment(p, header, cmd, payload, false)
		}
	case cmdBandwidthLimit:
		cmd := decodeBandwidthLimit(raw)
		p.IncomingBandwidth = cmd.IncomingBandwidth
		p.OutgoingBandwidth = cmd.OutgoingBandwidth
		p.WindowSize = windowSizeFor(p.IncomingBandwidth, p.OutgoingBandwidth)
	case cmdThrottleConfigure:
		cmd := decodeThrottleConfigure(raw)
		p.PacketThrottleInterval = cmd.PacketThrottleInterval
		p.PacketThrottleAcceleration = cmd.PacketThrottleAcceleration
		p.PacketThrottleDeceleration = cmd.PacketThrottleDeceleration
	}
}

func (h *Host) handleAcknowledge(p *Peer, ack ackCommand) {
	originalSentTime := reconstructSentTime(h.serviceTime, ack.ReceivedSentTime)
	list := p.SentReliable.all()
	for i, oc := range list {
		if oc.Header.ChannelID == ack.ChannelID && oc.ReliableSequenceNumber == ack.ReceivedReliableSequenceNumber {
			p.SentReliable.removeAt(i)
			if oc.Header.ChannelID != systemChannelID {
				p.Channels[oc.Header.ChannelID].reliableWindowRelease(oc.ReliableSequenceNumber)
			}
			p.ReliableDataInTransit -= min32(p.ReliableDataInTransit, oc.FragmentLength)
			p.onAcknowledgeReceived(h.serviceTime, originalSentTime)
			completedOpcode := oc.Header.opcode()
			oc.releasePacket()

			if p.SentReliable.len() == 0 {
				p.EarliestTimeout = 0
			}
			h.afterAcknowledge(p, completedOpcode)
			return
		}
	}
}

func (h *Host) afterAcknowledge(p *Peer, opcode uint8) {
	switch opcode {
	case cmdDisconnect:
		p.State = PeerStateZombie
		h.enlistDispatch(p)
	case cmdVerifyConnect:
		if p.State == PeerStateConnectionPending {
			p.State = PeerStateConnected
			h.connectEvents = append(h.connectEvents, p)
		}
	}
	if p.State == PeerStateDisconnectLater && p.Pending.len() == 0 && p.SendReliableAwaitingPayload.len() == 0 && p.SentReliable.len() == 0 {
		p.Disconnect(p.disconnectData)
	}
}

func (h *Host) handleVerifyConnect(p *Peer, cmd verifyConnectCommand) {
	if p.State != PeerStateConnecting {
		return
	}
	p.OutgoingPeerID = cmd.OutgoingPeerID
	// cmd.OutgoingSessionID is the server's own outgoing session id, i.e.
	// what it will stamp on every datagram it sends us from here on; we
	// record it as our IncomingSessionID so handleDatagram's session guard
	// accepts those datagrams. Our own OutgoingSessionID is left at the
	// value the server already recorded as its IncomingSessionID during
	// handleConnect, so neither side needs another round trip to agree.
	p.IncomingSessionID = cmd.OutgoingSessionID
	p.MTU = min32(p.MTU, cmd.MTU)
	if uint32(len(p.Channels)) > cmd.ChannelCount {
		p.Channels = p.Channels[:cmd.ChannelCount]
	}
	p.IncomingBandwidth = cmd.IncomingBandwidth
	p.OutgoingBandwidth = cmd.OutgoingBandwidth
	p.WindowSize = min32(p.WindowSize, cmd.WindowSize)
	p.State = PeerStateConnected
	p.peerLog().Info("connected")
	h.connectEvents = append(h.connectEvents, p)
}

func (h *Host) handleDisconnect(p *Peer, cmd disconnectCommand) {
	p.disconnectData = cmd.Data
	if cmd.Command&cmdFlagAcknowledge != 0 {
		p.State = PeerStateAcknowledgingDisconnect
	} else {
		p.State = PeerStateZombie
	}
	h.enlistDispatch(p)
}

func (h *Host) queueIncomingReliable(p *Peer, header commandHeader, payload []byte) {
	ch := &p.Channels[header.ChannelID]
	switch ch.classifyReliable(header.ReliableSequenceNumber) {
	case reliableDuplicate:
		return
	case reliableRejected:
		return
	}
	if p.TotalWaitingData+uint32(len(payload)) > h.maximumWaitingData {
		return
	}
	pkt := NewPacket(payload, PacketReliable, nil)
	pkt.Acquire()
	ic := &IncomingCommand{Header: header, ReliableSequenceNumber: header.ReliableSequenceNumber, Packet: pkt}
	ch.insertReliable(ic)
	p.TotalWaitingData += uint32(len(payload))
	h.dispatchChannel(p, ch)
}

func (h *Host) queueIncomingUnreliable(p *Peer, header commandHeader, unreliableSeq uint16, payload []byte) {
	ch := &p.Channels[header.ChannelID]
	if !acceptableReliableSequence(header.ReliableSequenceNumber, ch.IncomingReliableSequenceNumber) {
		return
	}
	if ch.duplicateUnreliable(header.ReliableSequenceNumber, unreliableSeq) {
		return
	}
	pkt := NewPacket(payload, 0, nil)
	pkt.Acquire()
	ic := &IncomingCommand{Header: header, ReliableSequenceNumber: header.ReliableSequenceNumber, UnreliableSequenceNumber: unreliableSeq, Packet: pkt}
	ch.insertUnreliable(ic)
	h.dispatchChannel(p, ch)
}

func (h *Host) queueIncomingUnsequenced(p *Peer, header commandHeader, group uint16, payload []byte) {
	idx, inRange := unsequencedIndex(group, p.IncomingUnsequencedGroup)
	if !inRange {
		return
	}
	if fragmentBitSet(p.UnsequencedWindow[:], idx) {
		return
	}
	setFragmentBit(p.UnsequencedWindow[:], idx)
	pkt := NewPacket(payload, PacketUnsequenced, nil)
	pkt.Acquire()
	p.DispatchedCommands.push(dispatchedCommand{channelID: header.ChannelID, packet: pkt})
	h.enlistDispatch(p)
}

func (h *Host) queueIncomingFragment(p *Peer, header commandHeader, cmd sendFragmentCommand, payload []byte, reliable bool) {
	ch := &p.Channels[header.ChannelID]

	var ic *IncomingCommand
	if reliable {
		if !acceptableReliableSequence(header.ReliableSequenceNumber, ch.IncomingReliableSequenceNumber) {
			return
		}
		ic = ch.findReliable(cmd.StartSequenceNumber)
	} else {
		if !acceptableReliableSequence(header.ReliableSequenceNumber, ch.IncomingReliableSequenceNumber) {
			return
		}
		ic = ch.findUnreliableFragment(header.ReliableSequenceNumber, cmd.StartSequenceNumber)
	}

	if ic == nil {
		if p.TotalWaitingData+cmd.TotalLength > h.maximumWaitingData {
			return
		}
		pkt := NewPacket(make([]byte, cmd.TotalLength), PacketNoAllocate, nil)
		pkt.Acquire()
		ic = &IncomingCommand{
			Header:                   header,
			ReliableSequenceNumber:   cmd.StartSequenceNumber,
			UnreliableSequenceNumber: cmd.StartSequenceNumber,
			FragmentCount:            cmd.FragmentCount,
			FragmentsRemaining:       cmd.FragmentCount,
			Fragments:                make([]uint32, fragmentWordCount(cmd.FragmentCount)),
			Packet:                   pkt,
		}
		if reliable {
			ch.insertReliable(ic)
		} else {
			ch.insertUnreliable(ic)
		}
		p.TotalWaitingData += cmd.TotalLength
	}

	if ic.FragmentCount != cmd.FragmentCount {
		p.reset()
		return
	}
	if fragmentBitSet(ic.Fragments, cmd.FragmentNumber) {
		return
	}
	setFragmentBit(ic.Fragments, cmd.FragmentNumber)
	end := cmd.FragmentOffset + uint32(len(payload))
	if end > uint32(len(ic.Packet.Data)) {
		end = uint32(len(ic.Packet.Data))
	}
	copy(ic.Packet.Data[cmd.FragmentOffset:end], payload)
	ic.FragmentsRemaining = fragmentsRemaining(ic.Fragments, ic.FragmentCount)

	h.dispatchChannel(p, ch)
}

// dispatchChannel implements spec.md §4.4's dispatch-promotion pass.
func (h *Host) dispatchChannel(p *Peer, ch *Channel) {
	promoted := false
	for {
		items := ch.IncomingReliableCommands.all()
		if len(items) == 0 {
			break
		}
		head := items[0]
		if head.ReliableSequenceNumber != ch.IncomingReliableSequenceNumber+1 {
			break
		}
		if head.isFragmented() && head.FragmentsRemaining > 0 {
			break
		}
		ch.IncomingReliableCommands.removeAt(0)
		if head.isFragmented() {
			ch.IncomingReliableSequenceNumber += uint16(head.FragmentCount)
		} else {
			ch.IncomingReliableSequenceNumber++
		}
		p.TotalWaitingData -= min32(p.TotalWaitingData, uint32(len(head.Packet.Data)))
		p.DispatchedCommands.push(dispatchedCommand{channelID: head.Header.ChannelID, packet: head.Packet})
		promoted = true
		ch.IncomingUnreliableSequenceNumber = 0
	}

	for {
		items := ch.IncomingUnreliableCommands.all()
		if len(items) == 0 {
			break
		}
		head := items[0]
		if head.isFragmented() && head.FragmentsRemaining > 0 {
			break
		}
		if timeLess16(head.ReliableSequenceNumber, ch.IncomingReliableSequenceNumber) {
			ch.IncomingUnreliableCommands.removeAt(0)
			head.Packet.Release()
			continue
		}
		if head.ReliableSequenceNumber != ch.IncomingReliableSequenceNumber {
			break
		}
		ch.IncomingUnreliableCommands.removeAt(0)
		ch.IncomingUnreliableSequenceNumber = head.UnreliableSequenceNumber
		p.DispatchedCommands.push(dispatchedCommand{channelID: head.Header.ChannelID, packet: head.Packet})
		promoted = true
	}

	if promoted {
		h.enlistDispatch(p)
	}
}

func timeLess16(a, b uint16) bool {
	return uint16(a-b) > 0x8000
}

// runMaintenance walks every peer once per service tick: retransmission
// timeouts (§4.3), ping-interval enforcement (SUPPLEMENT #2), and
// DISCONNECT_LATER promotion.
func (h *Host) runMaintenance() {
	for _, p := range h.peers {
		switch p.State {
		case PeerStateConnected:
			h.retransmit(p)
			if p.PingInterval > 0 && h.serviceTime-p.lastSendTime >= p.PingInterval {
				p.Ping()
			}
		case PeerStateDisconnectLater:
			h.retransmit(p)
			if p.Pending.len() == 0 && p.SendReliableAwaitingPayload.len() == 0 && p.SentReliable.len() == 0 {
				p.Disconnect(p.disconnectData)
			}
		case PeerStateDisconnecting, PeerStateAcknowledgingDisconnect:
			h.retransmit(p)
		}
	}
}

func (h *Host) retransmit(p *Peer) {
	list := p.SentReliable.all()
	var stillInFlight []*OutgoingCommand
	for _, oc := range list {
		if timeGreaterEqual(h.serviceTime, oc.SentTime+oc.RoundTripTimeout) {
			if p.EarliestTimeout == 0 {
				p.EarliestTimeout = oc.SentTime
			}
			elapsed := h.serviceTime - p.EarliestTimeout
			if elapsed >= p.TimeoutMaximum || (elapsed >= p.TimeoutMinimum && oc.RoundTripTimeout >= oc.RoundTripTimeoutLimit) {
				p.State = PeerStateZombie
				h.enlistDispatch(p)
				continue
			}
			oc.RoundTripTimeout *= 2
			oc.SendAttempts++
			p.SendReliableAwaitingPayload.pushFront(oc)
			if oc.Header.ChannelID != systemChannelID {
				p.Channels[oc.Header.ChannelID].reliableWindowRelease(oc.ReliableSequenceNumber)
			}
			p.ReliableDataInTransit -= min32(p.ReliableDataInTransit, oc.FragmentLength)
			continue
		}
		stillInFlight = append(stillInFlight, oc)
	}
	p.SentReliable.clear()
	for _, oc := range stillInFlight {
		p.SentReliable.push(oc)
	}
}

// sendRaw transmits payload to p.Address without going through any
// queue, used by Peer.DisconnectNow for the unacknowledged final
// datagram.
func (h *Host) sendRaw(p *Peer, payload []byte) {
	if p.Address == nil {
		return
	}
	buf := make([]byte, 4+len(payload))
	n := (protocolHeader{PeerID: p.OutgoingPeerID, SessionID: p.OutgoingSessionID}).encode(buf)
	buf = append(buf[:n], payload...)
	h.socket.Send(buf, p.Address)
}


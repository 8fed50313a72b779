package genet

import "encoding/binary"

// Command opcodes, spec.md §4.2 / original_source/EnetPorting/protocol.h.
const (
	cmdNone                  = 0
	cmdAcknowledge           = 1
	cmdConnect               = 2
	cmdVerifyConnect         = 3
	cmdDisconnect            = 4
	cmdPing                  = 5
	cmdSendReliable          = 6
	cmdSendUnreliable        = 7
	cmdSendFragment          = 8
	cmdSendUnsequenced       = 9
	cmdBandwidthLimit        = 10
	cmdThrottleConfigure     = 11
	cmdSendUnreliableFragment = 12
	commandCount             = 13

	commandMask = 0x0F
)

// Command header flags.
const (
	cmdFlagAcknowledge = 0x80
	cmdFlagUnsequenced = 0x40
)

// Datagram (protocol) header flags, packed into the top 4 bits of
// peerID.
const (
	headerFlagSentTime  = uint16(1 << 15)
	headerFlagCompressed = uint16(1 << 14)
	headerSessionMask   = uint16(3 << 12)
	headerSessionShift  = 12
	headerPeerIDMask    = uint16(0x0FFF)
)

// commandSizes gives the on-wire size (4-byte command header included)
// of each command, matching original_source's commandSizes table
// exactly. Commands carrying application payload are NOT included in
// this size — dataLength bytes follow immediately after.
var commandSizes = [commandCount]int{
	0,  // none
	8,  // acknowledge
	48, // connect
	44, // verifyConnect
	8,  // disconnect
	4,  // ping
	6,  // sendReliable
	8,  // sendUnreliable
	24, // sendFragment
	8,  // sendUnsequenced
	12, // bandwidthLimit
	16, // throttleConfigure
	24, // sendUnreliableFragment (shares sendFragment's layout)
}

// commandHasPayload reports whether dataLength bytes of application
// data follow this command's fixed fields on the wire.
func commandHasPayload(opcode uint8) bool {
	switch opcode {
	case cmdSendReliable, cmdSendUnreliable, cmdSendUnsequenced, cmdSendFragment, cmdSendUnreliableFragment:
		return true
	default:
		return false
	}
}

// commandHeader is the 4-byte prefix of every wire command.
type commandHeader struct {
	Command                uint8 // low nibble opcode, high bits flags
	ChannelID              uint8
	ReliableSequenceNumber uint16
}

func (h commandHeader) opcode() uint8 { return h.Command & commandMask }

func encodeCommandHeader(buf []byte, h commandHeader) {
	buf[0] = h.Command
	buf[1] = h.ChannelID
	binary.BigEndian.PutUint16(buf[2:4], h.ReliableSequenceNumber)
}

func decodeCommandHeader(buf []byte) commandHeader {
	return commandHeader{
		Command:                buf[0],
		ChannelID:              buf[1],
		ReliableSequenceNumber: binary.BigEndian.Uint16(buf[2:4]),
	}
}

// --- per-command payload structs and codecs ---

type ackCommand struct {
	commandHeader
	ReceivedReliableSequenceNumber uint16
	ReceivedSentTime               uint16
}

func encodeAck(buf []byte, c ackCommand) {
	encodeCommandHeader(buf, c.commandHeader)
	binary.BigEndian.PutUint16(buf[4:6], c.ReceivedReliableSequenceNumber)
	binary.BigEndian.PutUint16(buf[6:8], c.ReceivedSentTime)
}

func decodeAck(buf []byte) ackCommand {
	return ackCommand{
		commandHeader:                   decodeCommandHeader(buf),
		ReceivedReliableSequenceNumber:  binary.BigEndian.Uint16(buf[4:6]),
		ReceivedSentTime:                binary.BigEndian.Uint16(buf[6:8]),
	}
}

type connectCommand struct {
	commandHeader
	OutgoingPeerID             uint16
	IncomingSessionID          uint8
	OutgoingSessionID          uint8
	MTU                        uint32
	WindowSize                 uint32
	ChannelCount               uint32
	IncomingBandwidth          uint32
	OutgoingBandwidth          uint32
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
	ConnectID                  uint32
	Data                       uint32
}

func encodeConnect(buf []byte, c connectCommand) {
	encodeCommandHeader(buf, c.commandHeader)
	binary.BigEndian.PutUint16(buf[4:6], c.OutgoingPeerID)
	buf[6] = c.IncomingSessionID
	buf[7] = c.OutgoingSessionID
	binary.BigEndian.PutUint32(buf[8:12], c.MTU)
	binary.BigEndian.PutUint32(buf[12:16], c.WindowSize)
	binary.BigEndian.PutUint32(buf[16:20], c.ChannelCount)
	binary.BigEndian.PutUint32(buf[20:24], c.IncomingBandwidth)
	binary.BigEndian.PutUint32(buf[24:28], c.OutgoingBandwidth)
	binary.BigEndian.PutUint32(buf[28:32], c.PacketThrottleInterval)
	binary.BigEndian.PutUint32(buf[32:36], c.PacketThrottleAcceleration)
	binary.BigEndian.PutUint32(buf[36:40], c.PacketThrottleDeceleration)
	binary.BigEndian.PutUint32(buf[40:44], c.ConnectID)
	binary.BigEndian.PutUint32(buf[44:48], c.Data)
}

func decodeConnect(buf []byte) connectCommand {
	return connectCommand{
		commandHeader:              decodeCommandHeader(buf),
		OutgoingPeerID:             binary.BigEndian.Uint16(buf[4:6]),
		IncomingSessionID:          buf[6],
		OutgoingSessionID:          buf[7],
		MTU:                        binary.BigEndian.Uint32(buf[8:12]),
		WindowSize:                 binary.BigEndian.Uint32(buf[12:16]),
		ChannelCount:               binary.BigEndian.Uint32(buf[16:20]),
		IncomingBandwidth:          binary.BigEndian.Uint32(buf[20:24]),
		OutgoingBandwidth:          binary.BigEndian.Uint32(buf[24:28]),
		PacketThrottleInterval:     binary.BigEndian.Uint32(buf[28:32]),
		PacketThrottleAcceleration: binary.BigEndian.Uint32(buf[32:36]),
		PacketThrottleDeceleration: binary.BigEndian.Uint32(buf[36:40]),
		ConnectID:                  binary.BigEndian.Uint32(buf[40:44]),
		Data:                       binary.BigEndian.Uint32(buf[44:48]),
	}
}

type verifyConnectCommand struct {
	commandHeader
	OutgoingPeerID             uint16
	IncomingSessionID          uint8
	OutgoingSessionID          uint8
	MTU                        uint32
	WindowSize                 uint32
	ChannelCount               uint32
	IncomingBandwidth          uint32
	OutgoingBandwidth          uint32
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
	ConnectID                  uint32
}

func encodeVerifyConnect(buf []byte, c verifyConnectCommand) {
	encodeCommandHeader(buf, c.commandHeader)
	binary.BigEndian.PutUint16(buf[4:6], c.OutgoingPeerID)
	buf[6] = c.IncomingSessionID
	buf[7] = c.OutgoingSessionID
	binary.BigEndian.PutUint32(buf[8:12], c.MTU)
	binary.BigEndian.PutUint32(buf[12:16], c.WindowSize)
	binary.BigEndian.PutUint32(buf[16:20], c.ChannelCount)
	binary.BigEndian.PutUint32(buf[20:24], c.IncomingBandwidth)
	binary.BigEndian.PutUint32(buf[24:28], c.OutgoingBandwidth)
	binary.BigEndian.PutUint32(buf[28:32], c.PacketThrottleInterval)
	binary.BigEndian.PutUint32(buf[32:36], c.PacketThrottleAcceleration)
	binary.BigEndian.PutUint32(buf[36:40], c.PacketThrottleDeceleration)
	binary.BigEndian.PutUint32(buf[40:44], c.ConnectID)
}

func decodeVerifyConnect(buf []byte) verifyConnectCommand {
	return verifyConnectCommand{
		commandHeader:              decodeCommandHeader(buf),
		OutgoingPeerID:             binary.BigEndian.Uint16(buf[4:6]),
		IncomingSessionID:          buf[6],
		OutgoingSessionID:          buf[7],
		MTU:                        binary.BigEndian.Uint32(buf[8:12]),
		WindowSize:                 binary.BigEndian.Uint32(buf[12:16]),
		ChannelCount:               binary.BigEndian.Uint32(buf[16:20]),
		IncomingBandwidth:          binary.BigEndian.Uint32(buf[20:24]),
		OutgoingBandwidth:          binary.BigEndian.Uint32(buf[24:28]),
		PacketThrottleInterval:     binary.BigEndian.Uint32(buf[28:32]),
		PacketThrottleAcceleration: binary.BigEndian.Uint32(buf[32:36]),
		PacketThrottleDeceleration: binary.BigEndian.Uint32(buf[36:40]),
		ConnectID:                  binary.BigEndian.Uint32(buf[40:44]),
	}
}

type disconnectCommand struct {
	commandHeader
	Data uint32
}

func encodeDisconnect(buf []byte, c disconnectCommand) {
	encodeCommandHeader(buf, c.commandHeader)
	binary.BigEndian.PutUint32(buf[4:8], c.Data)
}

func decodeDisconnect(buf []byte) disconnectCommand {
	return disconnectCommand{
		commandHeader: decodeCommandHeader(buf),
		Data:          binary.BigEndian.Uint32(buf[4:8]),
	}
}

type pingCommand struct {
	commandHeader
}

func encodePing(buf []byte, c pingCommand) { encodeCommandHeader(buf, c.commandHeader) }
func decodePing(buf []byte) pingCommand    { return pingCommand{decodeCommandHeader(buf)} }

type sendReliableCommand struct {
	commandHeader
	DataLength uint16
}

func encodeSendReliable(buf []byte, c sendReliableCommand) {
	encodeCommandHeader(buf, c.commandHeader)
	binary.BigEndian.PutUint16(buf[4:6], c.DataLength)
}

func decodeSendReliable(buf []byte) sendReliableCommand {
	return sendReliableCommand{
		commandHeader: decodeCommandHeader(buf),
		DataLength:    binary.BigEndian.Uint16(buf[4:6]),
	}
}

type sendUnreliableCommand struct {
	commandHeader
	UnreliableSequenceNumber uint16
	DataLength               uint16
}

func encodeSendUnreliable(buf []byte, c sendUnreliableCommand) {
	encodeCommandHeader(buf, c.commandHeader)
	binary.BigEndian.PutUint16(buf[4:6], c.UnreliableSequenceNumber)
	binary.BigEndian.PutUint16(buf[6:8], c.DataLength)
}

func decodeSendUnreliable(buf []byte) sendUnreliableCommand {
	return sendUnreliableCommand{
		commandHeader:            decodeCommandHeader(buf),
		UnreliableSequenceNumber: binary.BigEndian.Uint16(buf[4:6]),
		DataLength:               binary.BigEndian.Uint16(buf[6:8]),
	}
}

type sendUnsequencedCommand struct {
	commandHeader
	UnsequencedGroup uint16
	DataLength       uint16
}

func encodeSendUnsequenced(buf []byte, c sendUnsequencedCommand) {
	encodeCommandHeader(buf, c.commandHeader)
	binary.BigEndian.PutUint16(buf[4:6], c.UnsequencedGroup)
	binary.BigEndian.PutUint16(buf[6:8], c.DataLength)
}

func decodeSendUnsequenced(buf []byte) sendUnsequencedCommand {
	return sendUnsequencedCommand{
		commandHeader:    decodeCommandHeader(buf),
		UnsequencedGroup: binary.BigEndian.Uint16(buf[4:6]),
		DataLength:       binary.BigEndian.Uint16(buf[6:8]),
	}
}

type sendFragmentCommand struct {
	commandHeader
	StartSequenceNumber uint16
	DataLength          uint16
	FragmentCount       uint32
	FragmentNumber      uint32
	TotalLength         uint32
	FragmentOffset      uint32
}

func encodeSendFragment(buf []byte, c sendFragmentCommand) {
	encodeCommandHeader(buf, c.commandHeader)
	binary.BigEndian.PutUint16(buf[4:6], c.StartSequenceNumber)
	binary.BigEndian.PutUint16(buf[6:8], c.DataLength)
	binary.BigEndian.PutUint32(buf[8:12], c.FragmentCount)
	binary.BigEndian.PutUint32(buf[12:16], c.FragmentNumber)
	binary.BigEndian.PutUint32(buf[16:20], c.TotalLength)
	binary.BigEndian.PutUint32(buf[20:24], c.FragmentOffset)
}

func decodeSendFragment(buf []byte) sendFragmentCommand {
	return sendFragmentCommand{
		commandHeader:       decodeCommandHeader(buf),
		StartSequenceNumber: binary.BigEndian.Uint16(buf[4:6]),
		DataLength:          binary.BigEndian.Uint16(buf[6:8]),
		FragmentCount:       binary.BigEndian.Uint32(buf[8:12]),
		FragmentNumber:      binary.BigEndian.Uint32(buf[12:16]),
		TotalLength:         binary.BigEndian.Uint32(buf[16:20]),
		FragmentOffset:      binary.BigEndian.Uint32(buf[20:24]),
	}
}

type bandwidthLimitCommand struct {
	commandHeader
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
}

func encodeBandwidthLimit(buf []byte, c bandwidthLimitCommand) {
	encodeCommandHeader(buf, c.commandHeader)
	binary.BigEndian.PutUint32(buf[4:8], c.IncomingBandwidth)
	binary.BigEndian.PutUint32(buf[8:12], c.OutgoingBandwidth)
}

func decodeBandwidthLimit(buf []byte) bandwidthLimitCommand {
	return bandwidthLimitCommand{
		commandHeader:     decodeCommandHeader(buf),
		IncomingBandwidth: binary.BigEndian.Uint32(buf[4:8]),
		OutgoingBandwidth: binary.BigEndian.Uint32(buf[8:12]),
	}
}

type throttleConfigureCommand struct {
	commandHeader
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
}

func encodeThrottleConfigure(buf []byte, c throttleConfigureCommand) {
	encodeCommandHeader(buf, c.commandHeader)
	binary.BigEndian.PutUint32(buf[4:8], c.PacketThrottleInterval)
	binary.BigEndian.PutUint32(buf[8:12], c.PacketThrottleAcceleration)
	binary.BigEndian.PutUint32(buf[12:16], c.PacketThrottleDeceleration)
}

func decodeThrottleConfigure(buf []byte) throttleConfigureCommand {
	return throttleConfigureCommand{
		commandHeader:              decodeCommandHeader(buf),
		PacketThrottleInterval:     binary.BigEndian.Uint32(buf[4:8]),
		PacketThrottleAcceleration: binary.BigEndian.Uint32(buf[8:12]),
		PacketThrottleDeceleration: binary.BigEndian.Uint32(buf[12:16]),
	}
}

// --- datagram (protocol) header ---

// protocolHeader is the fixed prefix of every datagram: the recipient
// peer slot plus flags, and an optional 16-bit sent-time.
type protocolHeader struct {
	PeerID       uint16 // low 12 bits: slot index or 0xFFF for "no peer yet"
	SentTime     uint16
	HasSentTime  bool
	Compressed   bool
	SessionID    uint8 // 2 bits
}

// encode writes the header (2 or 4 bytes) and returns the number of
// bytes written.
func (h protocolHeader) encode(buf []byte) int {
	peerID := h.PeerID & headerPeerIDMask
	peerID |= uint16(h.SessionID&0x3) << headerSessionShift
	if h.HasSentTime {
		peerID |= headerFlagSentTime
	}
	if h.Compressed {
		peerID |= headerFlagCompressed
	}
	binary.BigEndian.PutUint16(buf[0:2], peerID)
	if h.HasSentTime {
		binary.BigEndian.PutUint16(buf[2:4], h.SentTime)
		return 4
	}
	return 2
}

func decodeProtocolHeader(buf []byte) (protocolHeader, int, bool) {
	if len(buf) < 2 {
		return protocolHeader{}, 0, false
	}
	raw := binary.BigEndian.Uint16(buf[0:2])
	h := protocolHeader{
		PeerID:      raw & headerPeerIDMask,
		HasSentTime: raw&headerFlagSentTime != 0,
		Compressed:  raw&headerFlagCompressed != 0,
		SessionID:   uint8((raw & headerSessionMask) >> headerSessionShift),
	}
	if !h.HasSentTime {
		return h, 2, true
	}
	if len(buf) < 4 {
		return protocolHeader{}, 0, false
	}
	h.SentTime = binary.BigEndian.Uint16(buf[2:4])
	return h, 4, true
}

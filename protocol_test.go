package genet

import "testing"

// Wire round-trip: encode-then-decode of any command is the identity
// on all fields.

func TestCommandHeaderRoundTrip(t *testing.T) {
	h := commandHeader{Command: cmdSendReliable | cmdFlagAcknowledge, ChannelID: 3, ReliableSequenceNumber: 0xBEEF}
	buf := make([]byte, 4)
	encodeCommandHeader(buf, h)
	got := decodeCommandHeader(buf)
	if got != h {
		t.Fatalf("decodeCommandHeader = %+v, want %+v", got, h)
	}
	if got.opcode() != cmdSendReliable {
		t.Fatalf("opcode() = %d, want %d", got.opcode(), cmdSendReliable)
	}
}

func TestAckRoundTrip(t *testing.T) {
	c := ackCommand{
		commandHeader:                  commandHeader{Command: cmdAcknowledge, ChannelID: 1, ReliableSequenceNumber: 7},
		ReceivedReliableSequenceNumber: 42,
		ReceivedSentTime:               0xCAFE,
	}
	buf := make([]byte, commandSizes[cmdAcknowledge])
	encodeAck(buf, c)
	if got := decodeAck(buf); got != c {
		t.Fatalf("decodeAck = %+v, want %+v", got, c)
	}
}

func TestConnectRoundTrip(t *testing.T) {
	c := connectCommand{
		commandHeader:              commandHeader{Command: cmdConnect | cmdFlagAcknowledge, ChannelID: systemChannelID, ReliableSequenceNumber: 1},
		OutgoingPeerID:             2,
		IncomingSessionID:          1,
		OutgoingSessionID:          2,
		MTU:                        1400,
		WindowSize:                 65536,
		ChannelCount:               4,
		IncomingBandwidth:          1000,
		OutgoingBandwidth:          2000,
		PacketThrottleInterval:     5000,
		PacketThrottleAcceleration: 2,
		PacketThrottleDeceleration: 2,
		ConnectID:                  0x11223344,
		Data:                       0xDEADBEEF,
	}
	buf := make([]byte, commandSizes[cmdConnect])
	encodeConnect(buf, c)
	if got := decodeConnect(buf); got != c {
		t.Fatalf("decodeConnect = %+v, want %+v", got, c)
	}
}

func TestVerifyConnectRoundTrip(t *testing.T) {
	c := verifyConnectCommand{
		commandHeader:              commandHeader{Command: cmdVerifyConnect | cmdFlagAcknowledge, ChannelID: systemChannelID, ReliableSequenceNumber: 1},
		OutgoingPeerID:             3,
		IncomingSessionID:          2,
		OutgoingSessionID:          1,
		MTU:                        1200,
		WindowSize:                 32768,
		ChannelCount:               2,
		IncomingBandwidth:          500,
		OutgoingBandwidth:          900,
		PacketThrottleInterval:     4000,
		PacketThrottleAcceleration: 3,
		PacketThrottleDeceleration: 4,
		ConnectID:                  0x99887766,
	}
	buf := make([]byte, commandSizes[cmdVerifyConnect])
	encodeVerifyConnect(buf, c)
	if got := decodeVerifyConnect(buf); got != c {
		t.Fatalf("decodeVerifyConnect = %+v, want %+v", got, c)
	}
}

func TestDisconnectRoundTrip(t *testing.T) {
	c := disconnectCommand{commandHeader: commandHeader{Command: cmdDisconnect | cmdFlagAcknowledge, ChannelID: systemChannelID, ReliableSequenceNumber: 9}, Data: 7}
	buf := make([]byte, commandSizes[cmdDisconnect])
	encodeDisconnect(buf, c)
	if got := decodeDisconnect(buf); got != c {
		t.Fatalf("decodeDisconnect = %+v, want %+v", got, c)
	}
}

func TestSendFragmentRoundTrip(t *testing.T) {
	c := sendFragmentCommand{
		commandHeader:       commandHeader{Command: cmdSendFragment | cmdFlagAcknowledge, ChannelID: 0, ReliableSequenceNumber: 5},
		StartSequenceNumber: 5,
		DataLength:          512,
		FragmentCount:       20,
		FragmentNumber:      3,
		TotalLength:         10000,
		FragmentOffset:      1536,
	}
	buf := make([]byte, commandSizes[cmdSendFragment])
	encodeSendFragment(buf, c)
	if got := decodeSendFragment(buf); got != c {
		t.Fatalf("decodeSendFragment = %+v, want %+v", got, c)
	}
}

func TestBandwidthLimitAndThrottleConfigureRoundTrip(t *testing.T) {
	bw := bandwidthLimitCommand{commandHeader: commandHeader{Command: cmdBandwidthLimit | cmdFlagAcknowledge, ChannelID: systemChannelID}, IncomingBandwidth: 111, OutgoingBandwidth: 222}
	buf := make([]byte, commandSizes[cmdBandwidthLimit])
	encodeBandwidthLimit(buf, bw)
	if got := decodeBandwidthLimit(buf); got != bw {
		t.Fatalf("decodeBandwidthLimit = %+v, want %+v", got, bw)
	}

	tc := throttleConfigureCommand{commandHeader: commandHeader{Command: cmdThrottleConfigure | cmdFlagAcknowledge, ChannelID: systemChannelID}, PacketThrottleInterval: 1, PacketThrottleAcceleration: 2, PacketThrottleDeceleration: 3}
	buf = make([]byte, commandSizes[cmdThrottleConfigure])
	encodeThrottleConfigure(buf, tc)
	if got := decodeThrottleConfigure(buf); got != tc {
		t.Fatalf("decodeThrottleConfigure = %+v, want %+v", got, tc)
	}
}

func TestProtocolHeaderRoundTripWithSentTime(t *testing.T) {
	h := protocolHeader{PeerID: 0x0ABC, SessionID: 2, HasSentTime: true, SentTime: 0x1234}
	buf := make([]byte, 4)
	n := h.encode(buf)
	if n != 4 {
		t.Fatalf("encode with sentTime wrote %d bytes, want 4", n)
	}
	got, read, ok := decodeProtocolHeader(buf)
	if !ok || read != 4 || got != h {
		t.Fatalf("decodeProtocolHeader = (%+v, %d, %v), want (%+v, 4, true)", got, read, ok, h)
	}
}

func TestProtocolHeaderRoundTripWithoutSentTime(t *testing.T) {
	h := protocolHeader{PeerID: MaximumPeerID, SessionID: 0}
	buf := make([]byte, 4)
	n := h.encode(buf)
	if n != 2 {
		t.Fatalf("encode without sentTime wrote %d bytes, want 2", n)
	}
	got, read, ok := decodeProtocolHeader(buf[:2])
	if !ok || read != 2 || got != h {
		t.Fatalf("decodeProtocolHeader = (%+v, %d, %v), want (%+v, 2, true)", got, read, ok, h)
	}
}

func TestProtocolHeaderTruncatedIsRejected(t *testing.T) {
	if _, _, ok := decodeProtocolHeader([]byte{0x01}); ok {
		t.Fatalf("1-byte header decoded successfully, want rejection")
	}
	full := protocolHeader{PeerID: 1, HasSentTime: true, SentTime: 99}
	buf := make([]byte, 4)
	full.encode(buf)
	if _, _, ok := decodeProtocolHeader(buf[:2]); ok {
		t.Fatalf("truncated sentTime header decoded successfully, want rejection")
	}
}

func TestCommandSizesCoverEveryOpcode(t *testing.T) {
	for op := uint8(1); op < commandCount; op++ {
		if commandSizes[op] == 0 {
			t.Fatalf("opcode %d has a zero commandSizes entry", op)
		}
	}
}

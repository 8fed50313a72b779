package genet

import "testing"

func newTestHost(t *testing.T, peerCount uint16, channels uint8) *Host {
	t.Helper()
	net := newMemNetwork()
	sock := net.newSocket(t.Name())
	h, err := NewHost(sock, HostConfig{PeerCount: peerCount, ChannelLimit: channels})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	return h
}

func connectedTestPeer(t *testing.T, channels uint8) *Peer {
	t.Helper()
	h := newTestHost(t, 1, channels)
	p := h.peers[0]
	p.State = PeerStateConnected
	p.Channels = make([]Channel, channels)
	return p
}

func TestQueueOutgoingCommandRoutesByAckFlag(t *testing.T) {
	p := connectedTestPeer(t, 1)

	reliableHeader := commandHeader{Command: cmdSendReliable | cmdFlagAcknowledge, ChannelID: 0, ReliableSequenceNumber: 1}
	p.queueOutgoingCommand(make([]byte, commandSizes[cmdSendReliable]), reliableHeader, nil, 0, 0)
	if p.SendReliableAwaitingPayload.len() != 1 || p.Pending.len() != 0 {
		t.Fatalf("reliable command went to Pending=%d AwaitingPayload=%d, want 0/1", p.Pending.len(), p.SendReliableAwaitingPayload.len())
	}

	unreliableHeader := commandHeader{Command: cmdSendUnreliable, ChannelID: 0, ReliableSequenceNumber: 1}
	p.queueOutgoingCommand(make([]byte, commandSizes[cmdSendUnreliable]), unreliableHeader, nil, 0, 0)
	if p.Pending.len() != 1 {
		t.Fatalf("unreliable command did not reach Pending, got %d", p.Pending.len())
	}
}

func TestSendRejectsDisconnectedPeer(t *testing.T) {
	h := newTestHost(t, 1, 1)
	p := h.peers[0]
	p.Channels = make([]Channel, 1)
	if err := p.Send(0, NewPacket([]byte("x"), PacketReliable, nil), PacketReliable); err == nil {
		t.Fatalf("Send on a disconnected peer succeeded, want ErrPeerNotConnected")
	}
}

func TestSendRejectsReliableAndUnsequencedTogether(t *testing.T) {
	p := connectedTestPeer(t, 1)
	flags := PacketReliable | PacketUnsequenced
	if err := p.Send(0, NewPacket([]byte("x"), flags, nil), flags); err == nil {
		t.Fatalf("Send accepted reliable+unsequenced flags, want rejection")
	}
}

func TestSendWholeVersusFragmentedBoundary(t *testing.T) {
	p := connectedTestPeer(t, 1)
	fragmentLength := p.MTU - uint32(commandSizes[cmdSendFragment])

	whole := make([]byte, fragmentLength)
	if err := p.Send(0, NewPacket(whole, PacketReliable, nil), PacketReliable); err != nil {
		t.Fatalf("Send(dataLength==fragmentLength) failed: %v", err)
	}
	if p.SendReliableAwaitingPayload.len() != 1 {
		t.Fatalf("exact-fit packet was fragmented: queued %d commands, want 1", p.SendReliableAwaitingPayload.len())
	}

	oversized := make([]byte, fragmentLength+1)
	if err := p.Send(0, NewPacket(oversized, PacketReliable, nil), PacketReliable); err != nil {
		t.Fatalf("Send(dataLength==fragmentLength+1) failed: %v", err)
	}
	if p.SendReliableAwaitingPayload.len() != 3 {
		t.Fatalf("one-byte-over packet queued %d commands, want 3 (1 whole + 2 fragments)", p.SendReliableAwaitingPayload.len())
	}
}

func TestSendFragmentedExceedingMaximumFragmentCountFails(t *testing.T) {
	p := connectedTestPeer(t, 1)
	ch := &p.Channels[0]
	// sendFragmented only does arithmetic on dataLength/fragmentLength
	// before ever touching packet.Data, so a tiny placeholder packet is
	// enough to exercise the MaximumFragmentCount rejection cheaply.
	packet := NewPacket(nil, PacketReliable, nil)
	dataLength := uint32(MaximumFragmentCount + 1)
	fragmentLength := uint32(1)
	if err := p.sendFragmented(ch, 0, packet, PacketReliable, dataLength, fragmentLength); err == nil {
		t.Fatalf("sendFragmented accepted a packet needing more than MaximumFragmentCount fragments")
	}
}

func TestSendUnsequencedRejectsOversizedPacket(t *testing.T) {
	p := connectedTestPeer(t, 1)
	fragmentLength := p.MTU - uint32(commandSizes[cmdSendFragment])
	oversized := make([]byte, fragmentLength+1)
	if err := p.Send(0, NewPacket(oversized, PacketUnsequenced, nil), PacketUnsequenced); err == nil {
		t.Fatalf("Send accepted an unsequenced packet too large for one datagram")
	}
}

func TestSendRejectsOutOfRangeChannel(t *testing.T) {
	p := connectedTestPeer(t, 1)
	if err := p.Send(5, NewPacket([]byte("x"), PacketReliable, nil), PacketReliable); err == nil {
		t.Fatalf("Send accepted an out-of-range channel ID")
	}
}

func TestOnAcknowledgeReceivedSmoothsRTT(t *testing.T) {
	p := connectedTestPeer(t, 1)
	p.PacketThrottleLimit = PacketThrottleScale
	p.RoundTripTime = 0 // force the first-sample branch rather than the default seed

	p.onAcknowledgeReceived(1000, 900) // first sample: rtt=100
	if p.RoundTripTime != 100 {
		t.Fatalf("first RTT sample = %d, want 100", p.RoundTripTime)
	}
	if p.LowestRoundTripTime != 100 {
		t.Fatalf("LowestRoundTripTime = %d, want 100", p.LowestRoundTripTime)
	}

	p.onAcknowledgeReceived(2000, 1950) // rtt=50, smoothed toward 100
	if p.RoundTripTime == 100 {
		t.Fatalf("RoundTripTime did not move after a second, different sample")
	}
}

func TestOnAcknowledgeReceivedDeceleratesOnSlowSample(t *testing.T) {
	p := connectedTestPeer(t, 1)
	p.PacketThrottleInterval = 1
	p.PacketThrottle = PacketThrottleScale
	p.PacketThrottleDeceleration = 5

	p.onAcknowledgeReceived(1000, 900)  // rtt=100: starts the throttle epoch, LowestRoundTripTime=100
	p.onAcknowledgeReceived(1002, 500)  // epoch rolls over (LastRoundTripTime=100); rtt=502 is far above it: should decelerate
	if p.PacketThrottle >= PacketThrottleScale {
		t.Fatalf("PacketThrottle did not decrease after a much slower sample: %d", p.PacketThrottle)
	}
}

func TestWindowSizeForBoundaries(t *testing.T) {
	if got := windowSizeFor(0, 0); got != MaximumWindowSize {
		t.Fatalf("windowSizeFor(0,0) = %d, want %d", got, MaximumWindowSize)
	}
	if got := windowSizeFor(1, 0); got != MinimumWindowSize {
		t.Fatalf("windowSizeFor(1,0) = %d, want clamp to %d", got, MinimumWindowSize)
	}
	huge := uint32(1) << 31
	if got := windowSizeFor(huge, huge); got != MaximumWindowSize {
		t.Fatalf("windowSizeFor(huge,huge) = %d, want clamp to %d", got, MaximumWindowSize)
	}
}

func TestDisconnectLaterDefersUntilQueuesDrain(t *testing.T) {
	p := connectedTestPeer(t, 1)
	p.Send(0, NewPacket([]byte("queued"), PacketReliable, nil), PacketReliable)
	p.DisconnectLater(42)
	if p.State != PeerStateDisconnectLater {
		t.Fatalf("DisconnectLater with queued work left state %v, want disconnect-later", p.State)
	}

	p2 := connectedTestPeer(t, 1)
	p2.DisconnectLater(42)
	if p2.State != PeerStateDisconnecting {
		t.Fatalf("DisconnectLater with empty queues left state %v, want disconnecting", p2.State)
	}
}

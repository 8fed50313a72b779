package genet

// bandwidthThrottle recomputes every connected peer's packetThrottleLimit
// and windowSize from the host's configured bandwidth caps, spec.md
// §4.6. It runs once per BandwidthThrottleInterval from Host.Service's
// maintenance pass.
func (h *Host) bandwidthThrottle() {
	elapsed := h.serviceTime - h.bandwidthThrottleEpoch
	if elapsed < uint32(DefaultBandwidthThrottleInterval.Milliseconds()) {
		return
	}
	h.bandwidthThrottleEpoch = h.serviceTime

	peers := h.connectedPeers()
	if len(peers) == 0 {
		return
	}

	var dataTotal uint32
	for _, p := range peers {
		dataTotal += p.OutgoingDataTotal
	}
	if dataTotal == 0 {
		return
	}

	bandwidth := dataTotal // unlimited outgoing bandwidth never throttles
	if h.outgoingBandwidth > 0 {
		bandwidth = h.outgoingBandwidth * elapsed / 1000
	}

	remaining := peers
	remainingBandwidth := bandwidth
	remainingData := dataTotal

	// Fixed-point pass: peers whose advertised incoming bandwidth alone
	// covers their fair share are pulled out and given an exact limit;
	// what is left over is redistributed among the rest.
	for len(remaining) > 0 {
		throttle := uint32(PacketThrottleScale)
		if remainingData > remainingBandwidth {
			throttle = remainingBandwidth * PacketThrottleScale / remainingData
		}

		var next []*Peer
		progressed := false
		for _, p := range remaining {
			if p.IncomingBandwidth == 0 || p.OutgoingDataTotal == 0 {
				next = append(next, p)
				continue
			}
			peerBandwidth := p.IncomingBandwidth * elapsed / 1000
			if peerBandwidth*PacketThrottleScale < throttle*p.OutgoingDataTotal {
				next = append(next, p)
				continue
			}
			limit := (peerBandwidth * PacketThrottleScale) / p.OutgoingDataTotal
			limit = max32(1, min32(limit, PacketThrottleScale))
			p.PacketThrottleLimit = limit
			remainingBandwidth -= min32(remainingBandwidth, peerBandwidth)
			remainingData -= min32(remainingData, p.OutgoingDataTotal)
			progressed = true
		}
		remaining = next
		if !progressed {
			break
		}
	}

	throttle := uint32(PacketThrottleScale)
	if remainingData > 0 && remainingData > remainingBandwidth {
		throttle = remainingBandwidth * PacketThrottleScale / remainingData
	}
	for _, p := range remaining {
		p.PacketThrottleLimit = throttle
	}

	for _, p := range peers {
		if p.PacketThrottle > p.PacketThrottleLimit {
			p.PacketThrottle = p.PacketThrottleLimit
		}
		p.WindowSize = windowSizeFor(p.IncomingBandwidth, p.OutgoingBandwidth)
	}

	if h.recalculateBandwidthLimits {
		h.emitBandwidthLimits(peers)
	}
}

// emitBandwidthLimits sends every connected peer a BANDWIDTH_LIMIT
// command reflecting the host's current advertised bandwidth, mirroring
// the symmetric computation described in spec.md §4.6 step 4.
func (h *Host) emitBandwidthLimits(peers []*Peer) {
	for _, p := range peers {
		seq := p.nextSystemReliableSequenceNumber()
		header := commandHeader{Command: cmdBandwidthLimit | cmdFlagAcknowledge, ChannelID: systemChannelID, ReliableSequenceNumber: seq}
		buf := make([]byte, commandSizes[cmdBandwidthLimit])
		encodeBandwidthLimit(buf, bandwidthLimitCommand{
			commandHeader:     header,
			IncomingBandwidth: h.incomingBandwidth,
			OutgoingBandwidth: h.outgoingBandwidth,
		})
		p.queueOutgoingCommand(buf, header, nil, 0, 0)
	}
}

package genet

import "time"

// Protocol-level limits that must match across implementations speaking
// the wire format (spec.md §6).
const (
	MinimumMTU             = 576
	MaximumMTU             = 4096
	MaximumPacketCommands  = 32
	MinimumWindowSize      = 4096
	MaximumWindowSize      = 65536
	MinimumChannelCount    = 1
	MaximumChannelCount    = 255
	MaximumPeerID          = 0xFFF
	MaximumFragmentCount   = 1048576
	ReliableWindowSize     = 4096
	ReliableWindows        = 16
	FreeReliableWindows    = 15
	UnsequencedWindowSize  = 1024
	FreeUnsequencedWindows = 32
	PacketThrottleScale    = 32

	windowSizeScale = 65536 // ENET_PEER_WINDOW_SIZE_SCALE
)

// Defaults, overridable per-peer or per-host.
const (
	DefaultPacketThrottleInterval = 5000 * time.Millisecond
	DefaultPingInterval           = 500 * time.Millisecond
	DefaultBandwidthThrottleInterval = 1000 * time.Millisecond
	DefaultTimeoutLimit           = 32
	DefaultTimeoutMinimum         = 5000 * time.Millisecond
	DefaultTimeoutMaximum         = 30000 * time.Millisecond
	DefaultMTU                    = 1400
	DefaultRoundTripTime          = 500 * time.Millisecond

	defaultPacketThrottleAcceleration = 2
	defaultPacketThrottleDeceleration = 2

	defaultHostMaximumPacketSize  = 32 * 1024 * 1024
	defaultHostMaximumWaitingData = 32 * 1024 * 1024

	maxReceivedDatagramsPerService = 256
)

// timeOverflowMS is ENET_TIME_OVERFLOW: the window, in milliseconds, past
// which two wrapped 32-bit timestamps are considered to have rolled over
// rather than simply be far apart (spec.md §4.1).
const timeOverflowMS uint32 = 86_400_000

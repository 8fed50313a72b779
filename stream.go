package genet

import (
	"bytes"
	"io"
	"time"
)

// Stream adapts one Peer/channel pair to io.ReadWriteCloser, the
// net.Conn-shaped convenience surface the teacher's Conn/Dial/Listen
// gave uTP, carried over here to ride Host's cooperative Service loop
// instead of owning a goroutine of its own.
//
// Read drives Service itself, so a Stream is only meaningful when
// nothing else is draining the same Host concurrently. EventReceive
// not addressed to this Stream's peer and channel is discarded; an
// application juggling several peers or channels should drain
// Host.Service directly and route payloads itself rather than use
// Stream.
type Stream struct {
	host      *Host
	peer      *Peer
	channelID uint8
	flags     PacketFlags

	readBuf    bytes.Buffer
	pollPeriod time.Duration
	closed     bool
}

// NewStream wraps peer's channelID channel. flags controls how Write
// hands packets to Peer.Send; a zero value defaults to PacketReliable
// so Stream behaves like an ordinary byte stream unless told otherwise.
func NewStream(host *Host, peer *Peer, channelID uint8, flags PacketFlags) *Stream {
	if flags == 0 {
		flags = PacketReliable
	}
	return &Stream{
		host:       host,
		peer:       peer,
		channelID:  channelID,
		flags:      flags,
		pollPeriod: 50 * time.Millisecond,
	}
}

// Read implements io.Reader, servicing the host until a payload
// addressed to this stream's peer and channel arrives.
func (s *Stream) Read(b []byte) (int, error) {
	if s.readBuf.Len() == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	return s.readBuf.Read(b)
}

func (s *Stream) fill() error {
	for s.readBuf.Len() == 0 {
		if s.closed {
			return io.EOF
		}
		ev, err := s.host.Service(s.pollPeriod)
		if err != nil {
			return err
		}
		switch ev.Type {
		case EventReceive:
			if ev.Peer == s.peer && ev.ChannelID == s.channelID {
				s.readBuf.Write(ev.Packet.Data)
			}
			if ev.Packet != nil {
				ev.Packet.Release()
			}
		case EventDisconnect:
			if ev.Peer == s.peer {
				s.closed = true
				return io.EOF
			}
		}
	}
	return nil
}

// Write implements io.Writer, sending b as one packet on the wrapped
// channel. Large writes rely on Peer.Send's fragmentation.
func (s *Stream) Write(b []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	packet := NewPacket(b, s.flags, nil)
	if err := s.peer.Send(s.channelID, packet, s.flags); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close disconnects the wrapped peer. It does not wait for the
// disconnect handshake to complete; callers still draining the host
// will observe the resulting EventDisconnect.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.peer.Disconnect(0)
	return nil
}

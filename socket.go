package genet

import (
	"net"
	"time"
)

// Socket is the narrow contract genet consumes from a datagram socket
// (spec.md §6). It intentionally does not expose anything beyond
// send/receive/wait/options: address resolution, connection pooling,
// and the like are the caller's problem.
type Socket interface {
	Send(b []byte, addr net.Addr) (int, error)
	Receive(b []byte) (n int, from net.Addr, err error)
	SetNonBlocking(bool) error
	SetBroadcast(bool) error
	SetSendBufferSize(int) error
	SetReceiveBufferSize(int) error
	LocalAddr() net.Addr
	// Wait blocks up to timeout for read-readiness, returning true if a
	// datagram is now available for Receive, false on timeout.
	Wait(timeout time.Duration) (bool, error)
	Close() error
}

// udpSocket is the default Socket, backed by net.ListenPacket. Since
// net.PacketConn has no portable "is data available" peek, Wait
// performs the actual deadline-bounded read and caches the result for
// the next Receive call, preserving the wait-then-read contract
// spec.md §6 describes without discarding a datagram.
type udpSocket struct {
	conn net.PacketConn
	udp  *net.UDPConn // non-nil when conn is a *net.UDPConn, for buffer-size options

	hasPending  bool
	pending     []byte
	pendingAddr net.Addr
	pendingErr  error
}

// NewUDPSocket binds a UDP socket at address ("host:port", or ":0" for
// an ephemeral port) and wraps it as a Socket.
func NewUDPSocket(address string) (Socket, error) {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, wrapf(ErrSocketError, "listen udp %s: %v", address, err)
	}
	s := &udpSocket{conn: conn}
	if udpConn, ok := conn.(*net.UDPConn); ok {
		s.udp = udpConn
	}
	return s, nil
}

func (s *udpSocket) Send(b []byte, addr net.Addr) (int, error) {
	n, err := s.conn.WriteTo(b, addr)
	if err != nil {
		return n, wrapf(ErrSocketError, "write: %v", err)
	}
	return n, nil
}

func (s *udpSocket) Receive(b []byte) (int, net.Addr, error) {
	if s.hasPending {
		s.hasPending = false
		if s.pendingErr != nil {
			return 0, nil, s.pendingErr
		}
		n := copy(b, s.pending)
		return n, s.pendingAddr, nil
	}
	n, addr, err := s.conn.ReadFrom(b)
	if err != nil {
		return n, addr, wrapf(ErrSocketError, "read: %v", err)
	}
	return n, addr, nil
}

func (s *udpSocket) SetNonBlocking(bool) error { return nil }

func (s *udpSocket) SetBroadcast(bool) error {
	// net.PacketConn has no portable broadcast toggle; UDP sockets on
	// most platforms permit broadcast sends by default once the
	// destination is a broadcast address, so this is a no-op that
	// preserves the interface's contract without failing callers who
	// ask for it.
	return nil
}

func (s *udpSocket) SetSendBufferSize(n int) error {
	if s.udp != nil {
		return s.udp.SetWriteBuffer(n)
	}
	return nil
}

func (s *udpSocket) SetReceiveBufferSize(n int) error {
	if s.udp != nil {
		return s.udp.SetReadBuffer(n)
	}
	return nil
}

func (s *udpSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *udpSocket) Wait(timeout time.Duration) (bool, error) {
	if s.hasPending {
		return true, nil
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, wrapf(ErrSocketError, "set deadline: %v", err)
	}
	buf := make([]byte, MaximumMTU)
	n, addr, err := s.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, wrapf(ErrSocketError, "read: %v", err)
	}
	s.pending = buf[:n]
	s.pendingAddr = addr
	s.pendingErr = nil
	s.hasPending = true
	return true, nil
}

func (s *udpSocket) Close() error { return s.conn.Close() }

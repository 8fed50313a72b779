package genet

import (
	"net"
	"sync"
	"time"
)

// memAddr is a net.Addr over a plain string label, letting tests name
// endpoints "client"/"server" instead of real UDP addresses.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memDatagram struct {
	data []byte
	from net.Addr
}

// memNetwork is a switchboard that routes memSocket.Send calls to the
// inbox of whichever memSocket registered the destination address, so
// host_test.go and peer_test.go can drive two Hosts against each other
// without a real network stack.
type memNetwork struct {
	mu      sync.Mutex
	sockets map[string]*memSocket
}

func newMemNetwork() *memNetwork {
	return &memNetwork{sockets: make(map[string]*memSocket)}
}

// newSocket registers and returns a new endpoint at addr. Panics on a
// duplicate address since that is always a test-setup bug.
func (n *memNetwork) newSocket(addr string) *memSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.sockets[addr]; exists {
		panic("memNetwork: duplicate address " + addr)
	}
	s := &memSocket{
		net:    n,
		addr:   memAddr(addr),
		inbox:  make(chan memDatagram, 256),
		closed: make(chan struct{}),
	}
	n.sockets[addr] = s
	return s
}

func (n *memNetwork) lookup(addr string) (*memSocket, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sockets[addr]
	return s, ok
}

// memSocket is an in-memory Socket, one per simulated host, used in
// place of udpSocket so the transport's reliability/ordering logic can
// be exercised deterministically under `go test`.
type memSocket struct {
	net  *memNetwork
	addr memAddr

	inbox  chan memDatagram
	closed chan struct{}
	once   sync.Once

	hasPending  bool
	pending     []byte
	pendingAddr net.Addr
}

func (s *memSocket) Send(b []byte, addr net.Addr) (int, error) {
	dst, ok := s.net.lookup(addr.String())
	if !ok {
		return 0, wrapf(ErrSocketError, "mem: no socket registered at %s", addr)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case dst.inbox <- memDatagram{data: cp, from: s.addr}:
		return len(b), nil
	case <-s.closed:
		return 0, wrapf(ErrSocketError, "mem: socket %s closed", s.addr)
	}
}

func (s *memSocket) Receive(b []byte) (int, net.Addr, error) {
	if !s.hasPending {
		return 0, nil, wrapf(ErrTimeout, "mem: receive called with no pending datagram")
	}
	s.hasPending = false
	n := copy(b, s.pending)
	return n, s.pendingAddr, nil
}

func (s *memSocket) Wait(timeout time.Duration) (bool, error) {
	if s.hasPending {
		return true, nil
	}
	if timeout <= 0 {
		select {
		case d := <-s.inbox:
			s.pending, s.pendingAddr, s.hasPending = d.data, d.from, true
			return true, nil
		default:
			return false, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-s.inbox:
		s.pending, s.pendingAddr, s.hasPending = d.data, d.from, true
		return true, nil
	case <-timer.C:
		return false, nil
	case <-s.closed:
		return false, wrapf(ErrSocketError, "mem: socket %s closed", s.addr)
	}
}

func (s *memSocket) SetNonBlocking(bool) error     { return nil }
func (s *memSocket) SetBroadcast(bool) error       { return nil }
func (s *memSocket) SetSendBufferSize(int) error   { return nil }
func (s *memSocket) SetReceiveBufferSize(int) error { return nil }
func (s *memSocket) LocalAddr() net.Addr           { return s.addr }

func (s *memSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

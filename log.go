package genet

import (
	"io"

	"github.com/sirupsen/logrus"
)

// newDiscardLogger returns a logrus entry that drops everything, used as
// the default when a Host is constructed without HostConfig.Logger (its
// peers share the host's logger).
func newDiscardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// peerLog returns the per-peer log entry, tagging every line with the
// peer's slot index, remote address, and correlation id so logs from
// many peers on one host can be told apart.
func (p *Peer) peerLog() *logrus.Entry {
	return p.log.WithFields(logrus.Fields{
		"peer":    p.IncomingPeerID,
		"remote":  p.remoteAddrString(),
		"session": p.correlationID,
	})
}

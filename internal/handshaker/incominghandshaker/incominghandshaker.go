// Package incominghandshaker runs the server side of the BEP 3
// handshake on an already-accepted net.Conn in its own goroutine,
// reporting the outcome on a result channel.
package incominghandshaker

import (
	"net"
	"time"

	"github.com/coreswarm/swarmd/internal/btconn"
)

// IncomingHandshaker negotiates one incoming connection. The zero
// value from New is sent back on resultC once Run completes,
// regardless of outcome; check Error to see whether it succeeded.
type IncomingHandshaker struct {
	Conn       net.Conn
	PeerID     [20]byte
	Extensions [8]byte
	Error      error

	rawConn net.Conn
}

// New wraps an accepted connection, to be negotiated by Run.
func New(conn net.Conn) *IncomingHandshaker {
	return &IncomingHandshaker{rawConn: conn}
}

// Run performs the handshake, checking the peer's announced info hash
// via checkInfoHash, then sends h on resultC.
func (h *IncomingHandshaker) Run(ourID [20]byte, checkInfoHash func([20]byte) bool, resultC chan *IncomingHandshaker, timeout time.Duration) {
	defer func() { resultC <- h }()

	if timeout > 0 {
		h.rawConn.SetDeadline(time.Now().Add(timeout))
		defer h.rawConn.SetDeadline(time.Time{})
	}

	conn, err := btconn.Accept(h.rawConn, ourID, checkInfoHash)
	if err != nil {
		h.Error = err
		h.rawConn.Close()
		return
	}
	h.Conn = conn
	h.PeerID = conn.Handshake.PeerID
	h.Extensions = conn.Handshake.Reserved
}

// Package outgoinghandshaker dials a peer address and runs the client
// side of the BEP 3 handshake in its own goroutine, reporting the
// outcome on a result channel.
package outgoinghandshaker

import (
	"context"
	"net"
	"time"

	"github.com/coreswarm/swarmd/internal/btconn"
)

// OutgoingHandshaker negotiates one outgoing connection.
type OutgoingHandshaker struct {
	Addr       *net.TCPAddr
	Conn       net.Conn
	PeerID     [20]byte
	Extensions [8]byte
	Error      error
}

// New targets addr, to be dialed and negotiated by Run.
func New(addr *net.TCPAddr) *OutgoingHandshaker {
	return &OutgoingHandshaker{Addr: addr}
}

// Run dials h.Addr and performs the handshake under a single deadline
// of connectTimeout+handshakeTimeout, then sends h on resultC.
func (h *OutgoingHandshaker) Run(connectTimeout, handshakeTimeout time.Duration, ourID, infoHash [20]byte, resultC chan *OutgoingHandshaker) {
	defer func() { resultC <- h }()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout+handshakeTimeout)
	defer cancel()

	conn, err := btconn.Dial(ctx, h.Addr, infoHash, ourID)
	if err != nil {
		h.Error = err
		return
	}
	h.Conn = conn
	h.PeerID = conn.Handshake.PeerID
	h.Extensions = conn.Handshake.Reserved
}

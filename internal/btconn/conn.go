// Package btconn provides support for dialing and accepting BitTorrent
// connections: the BEP 3 handshake exchange over a raw net.Conn,
// producing a Conn annotated with the peer's id and handshake bits.
//
// Encrypted transport (MSE) is not implemented.
package btconn

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/coreswarm/swarmd/internal/peerprotocol"
)

var (
	errInvalidInfoHash = errors.New("invalid info hash")
	ErrOwnConnection    = errors.New("dropped own connection")
)

// Conn is a net.Conn that has completed the BEP 3 handshake, plus the
// handshake fields the caller needs to decide how to treat the peer.
type Conn struct {
	net.Conn
	Handshake peerprotocol.Handshake
}

// Dial connects to addr and performs the outgoing handshake side:
// write our handshake first, then read and validate theirs. The
// connection is rejected if the peer's id matches ourID (a loop back
// to ourselves).
func Dial(ctx context.Context, addr net.Addr, infoHash, ourID [20]byte) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	c, err := handshake(conn, infoHash, ourID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Accept completes the incoming handshake side on an already-accepted
// net.Conn: read the peer's handshake first (we don't know infoHash
// until they send it), verify it's one of ours via infoHashLookup,
// then write our own handshake back.
func Accept(conn net.Conn, ourID [20]byte, infoHashLookup func([20]byte) bool) (*Conn, error) {
	buf := make([]byte, peerprotocol.HandshakeLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	hs, err := peerprotocol.DecodeHandshake(buf)
	if err != nil {
		return nil, err
	}
	if !infoHashLookup(hs.InfoHash) {
		return nil, errInvalidInfoHash
	}
	if hs.PeerID == ourID {
		return nil, ErrOwnConnection
	}
	out := peerprotocol.Handshake{Reserved: peerprotocol.OurReserved, InfoHash: hs.InfoHash, PeerID: ourID}
	if _, err := conn.Write(out.Encode()); err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, Handshake: hs}, nil
}

// handshake performs the outgoing write-then-read exchange used by
// Dial. Accept is handled separately above because it must decode the
// peer's infoHash before it can answer.
func handshake(conn net.Conn, infoHash, ourID [20]byte) (*Conn, error) {
	ours := peerprotocol.Handshake{Reserved: peerprotocol.OurReserved, InfoHash: infoHash, PeerID: ourID}
	if _, err := conn.Write(ours.Encode()); err != nil {
		return nil, err
	}
	buf := make([]byte, peerprotocol.HandshakeLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	theirs, err := peerprotocol.DecodeHandshake(buf)
	if err != nil {
		return nil, err
	}
	if theirs.InfoHash != infoHash {
		return nil, errInvalidInfoHash
	}
	if theirs.PeerID == ourID {
		return nil, ErrOwnConnection
	}
	return &Conn{Conn: conn, Handshake: theirs}, nil
}

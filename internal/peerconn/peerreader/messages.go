package peerreader

import (
	"github.com/coreswarm/swarmd/internal/peerprotocol"
)

// Piece is a decoded Piece message whose Data references a buffer
// leased from the shared buffer pool, rather than a freshly allocated
// slice, so the owner can return it to the pool once written to disk.
type Piece struct {
	peerprotocol.PieceMessage
}

// KeepAlive is emitted for a zero-length frame; it carries no fields of
// its own, but receiving one should reset the peer's inbound-activity
// timer.
type KeepAlive struct{}

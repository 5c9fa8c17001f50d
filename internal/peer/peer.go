// Package peer tracks the BEP 3 choke/interest state machine and
// traffic accounting for one connected peer, sitting one layer above
// the raw peerconn.Conn.
package peer

import (
	"net"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/coreswarm/swarmd/internal/bitfield"
	"github.com/coreswarm/swarmd/internal/logger"
	"github.com/coreswarm/swarmd/internal/peerconn"
	"github.com/coreswarm/swarmd/internal/peerconn/peerreader"
	"github.com/coreswarm/swarmd/internal/peerprotocol"
	"github.com/coreswarm/swarmd/internal/piece"
)

// Message wraps a decoded, non-Piece peer-wire message together with
// the peer it arrived from, for fan-in onto a torrent's single control
// loop.
type Message struct {
	Peer    *Peer
	Message interface{}
}

// PieceMessage wraps an arrived block, still holding its pool-leased
// buffer, together with the peer it arrived from.
type PieceMessage struct {
	Peer  *Peer
	Block piece.Block
	Data  []byte
}

// RawPieceMessage is a decoded Piece frame as it comes off the wire:
// an (index, begin) pair rather than a resolved piece.Block, since
// only the torrent's control loop knows how to map a piece index onto
// its Blocks slice.
type RawPieceMessage struct {
	Peer  *Peer
	Index uint32
	Begin uint32
	Data  []byte
}

// Request is an outstanding block request this process has sent to a
// peer, tracked so it can be reissued to another peer if it times out
// or is rejected.
type Request struct {
	Piece *piece.Piece
	Block piece.Block
}

// RejectMessage is sent on a Peer's Reject channel in response to a
// BEP 6 Fast Extension reject, or synthesized locally on a Choke while
// a request was still outstanding.
type RejectMessage struct {
	Block piece.Block
}

// Peer is the control-loop-facing view of one connection: wire-level
// I/O is delegated to Conn, while this type owns the choke/interest
// flags, the remote's possession bitfield, and per-peer rate counters.
type Peer struct {
	Conn *peerconn.Conn

	// AmChoking/AmInterested reflect the state this process has
	// communicated to the peer; PeerChoking/PeerInterested reflect what
	// the peer has communicated to us.
	AmChoking       bool
	AmInterested    bool
	PeerChoking     bool
	PeerInterested  bool

	OptimisticUnchoked bool
	Snubbed            bool

	// BytesDownlaodedInChokePeriod and BytesUploadedInChokePeriod
	// accumulate since the last choke-algorithm tick and are reset by
	// the torrent's unchoke timer each run.
	BytesDownlaodedInChokePeriod int64
	BytesUploadedInChokePeriod   int64

	Bitfield *bitfield.Bitfield

	ExtensionHandshake *peerprotocol.ExtensionHandshakeMessage

	OutstandingRequests map[piece.Block]*Request

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	connectedAt time.Time
}

// New wraps a running peerconn.Conn. numPieces sizes the remote
// possession bitfield, which starts all-clear until a Bitfield or Have
// message updates it.
func New(conn *peerconn.Conn, numPieces uint32) *Peer {
	return &Peer{
		Conn:                conn,
		AmChoking:           true,
		PeerChoking:         true,
		Bitfield:            bitfield.New(numPieces),
		OutstandingRequests: make(map[piece.Block]*Request),
		downloadSpeed:       metrics.NewEWMA1(),
		uploadSpeed:         metrics.NewEWMA1(),
		connectedAt:         time.Now(),
	}
}

// ID returns the remote peer id exchanged at handshake.
func (p *Peer) ID() [20]byte { return p.Conn.ID() }

// Addr returns the remote TCP address.
func (p *Peer) Addr() *net.TCPAddr { return p.Conn.Addr() }

func (p *Peer) String() string { return p.Conn.String() }

// Logger returns the connection's logger.
func (p *Peer) Logger() logger.Logger { return p.Conn.Logger() }

// SendMessage enqueues a message for transmission to the peer.
func (p *Peer) SendMessage(m peerprotocol.Message) { p.Conn.SendMessage(m) }

// Close tears down the underlying connection and waits for its
// goroutines to exit.
func (p *Peer) Close() { p.Conn.Close() }

// CloseConn closes the socket immediately without waiting for the
// connection's goroutines, for use from contexts that cannot block.
func (p *Peer) CloseConn() { p.Conn.CloseConn() }

// Choke sends a choke message if we are not already choking the peer.
func (p *Peer) Choke() {
	if p.AmChoking {
		return
	}
	p.AmChoking = true
	p.SendMessage(peerprotocol.ChokeMessage{})
}

// Unchoke sends an unchoke message if we are not already unchoked.
func (p *Peer) Unchoke() {
	if !p.AmChoking {
		return
	}
	p.AmChoking = false
	p.SendMessage(peerprotocol.UnchokeMessage{})
}

// SetInterested updates our interested state, sending the
// corresponding message only on a transition.
func (p *Peer) SetInterested(interested bool) {
	if interested == p.AmInterested {
		return
	}
	p.AmInterested = interested
	if interested {
		p.SendMessage(peerprotocol.InterestedMessage{})
	} else {
		p.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

// Request sends a block request and records it as outstanding.
func (p *Peer) Request(pc *piece.Piece, b piece.Block) {
	p.OutstandingRequests[b] = &Request{Piece: pc, Block: b}
	p.SendMessage(peerprotocol.RequestMessage{Index: b.Index, Begin: b.Begin, Length: b.Length})
}

// SendRequest sends a raw block request without touching
// OutstandingRequests; piecedownloader keeps its own per-block
// bookkeeping and calls this directly.
func (p *Peer) SendRequest(index, begin, length uint32) error {
	p.SendMessage(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
	return nil
}

// CancelRequest withdraws a previously sent request, if still
// outstanding.
func (p *Peer) CancelRequest(b piece.Block) {
	if _, ok := p.OutstandingRequests[b]; !ok {
		return
	}
	delete(p.OutstandingRequests, b)
	p.SendMessage(peerprotocol.CancelMessage{Index: b.Index, Begin: b.Begin, Length: b.Length})
}

// RequestCount returns the number of outstanding block requests.
func (p *Peer) RequestCount() int { return len(p.OutstandingRequests) }

// HasPiece reports whether the remote's bitfield marks the given piece
// as available.
func (p *Peer) HasPiece(index uint32) bool { return p.Bitfield.Test(index) }

// UpdateBitfield replaces the remote possession bitfield wholesale, on
// receipt of a Bitfield message.
func (p *Peer) UpdateBitfield(b *bitfield.Bitfield) { p.Bitfield = b }

// MarkHave sets a single bit on receipt of a Have message.
func (p *Peer) MarkHave(index uint32) { p.Bitfield.Set(index) }

// RecordDownload accounts n bytes of piece payload received from this
// peer, for both the choke-period counter and the EWMA rate used for
// download-speed-based unchoking.
func (p *Peer) RecordDownload(n int64) {
	p.BytesDownlaodedInChokePeriod += n
	p.downloadSpeed.Update(n)
}

// RecordUpload accounts n bytes of piece payload sent to this peer.
func (p *Peer) RecordUpload(n int64) {
	p.BytesUploadedInChokePeriod += n
	p.uploadSpeed.Update(n)
}

// DownloadSpeed returns the current EWMA download rate in bytes/sec.
func (p *Peer) DownloadSpeed() int64 {
	p.downloadSpeed.Tick()
	return int64(p.downloadSpeed.Rate())
}

// UploadSpeed returns the current EWMA upload rate in bytes/sec.
func (p *Peer) UploadSpeed() int64 {
	p.uploadSpeed.Tick()
	return int64(p.uploadSpeed.Rate())
}

// ResetChokePeriodCounters zeroes the choke-period byte counters; the
// unchoke algorithm calls this once per tick after reading them.
func (p *Peer) ResetChokePeriodCounters() {
	p.BytesDownlaodedInChokePeriod = 0
	p.BytesUploadedInChokePeriod = 0
}

// ConnectedDuration returns how long this connection has been up.
func (p *Peer) ConnectedDuration() time.Duration { return time.Since(p.connectedAt) }

// Run pumps decoded messages off the connection and fans them onto the
// torrent's channels until the connection closes, either on a read
// error or because Close was called elsewhere. Conn.Run must already
// be running in its own goroutine; Run does not start it.
func (p *Peer) Run(messagesC chan Message, pieceMessagesC chan RawPieceMessage, disconnectC chan *Peer) {
	for {
		select {
		case m, ok := <-p.Conn.Messages():
			if !ok {
				disconnectC <- p
				return
			}
			switch v := m.(type) {
			case peerreader.Piece:
				pieceMessagesC <- RawPieceMessage{Peer: p, Index: v.Index, Begin: v.Begin, Data: v.Data}
			case peerreader.KeepAlive:
				// resets inactivity tracking only; nothing to dispatch.
			case peerprotocol.Message:
				messagesC <- Message{Peer: p, Message: v}
			}
		case <-p.Conn.Err():
			disconnectC <- p
			return
		case <-p.Conn.Done():
			disconnectC <- p
			return
		}
	}
}

// Package piecepicker decides which block to request next from which
// peer: rarest-first by default, with a sequential mode for streaming
// and an endgame mode that relaxes the one-requester-per-block rule
// once a download is nearly finished.
package piecepicker

import (
	"math/rand"

	"github.com/coreswarm/swarmd/internal/bitfield"
	"github.com/coreswarm/swarmd/internal/peer"
	"github.com/coreswarm/swarmd/internal/piece"
)

// Strategy selects how Pick orders candidate pieces.
type Strategy int

const (
	Rarest Strategy = iota
	Sequential
)

// DefaultEndgameThreshold is the number of still-missing pieces below
// which the picker begins allowing duplicate block requests.
const DefaultEndgameThreshold = 20

// DefaultEndgameDuplication caps how many distinct peers may have the
// same block outstanding once endgame is active.
const DefaultEndgameDuplication = 3

type pieceState struct {
	piece        *piece.Piece
	availability int
	requestedBy  map[piece.Block]map[*peer.Peer]bool
	doneBlocks   map[piece.Block]bool
	possessed    bool
}

// Picker holds all picker state for one torrent's set of pieces.
type Picker struct {
	pieces             []pieceState
	strategy           Strategy
	endgameThreshold   int
	endgameDuplication int
	rnd                *rand.Rand

	missing int
}

// New builds a picker over pieces, initially all unpossessed.
func New(pieces []piece.Piece, strategy Strategy) *Picker {
	p := &Picker{
		pieces:             make([]pieceState, len(pieces)),
		strategy:           strategy,
		endgameThreshold:   DefaultEndgameThreshold,
		endgameDuplication: DefaultEndgameDuplication,
		rnd:                rand.New(rand.NewSource(1)),
		missing:            len(pieces),
	}
	for i := range pieces {
		p.pieces[i] = pieceState{
			piece:       &pieces[i],
			requestedBy: make(map[piece.Block]map[*peer.Peer]bool),
			doneBlocks:  make(map[piece.Block]bool),
		}
	}
	return p
}

// SetEndgameParams overrides the default threshold/duplication cap.
func (p *Picker) SetEndgameParams(threshold, duplication int) {
	p.endgameThreshold = threshold
	p.endgameDuplication = duplication
}

func (p *Picker) endgame() bool { return p.missing <= p.endgameThreshold }

// AddPeer records bf as the peer's possession bitfield, bumping the
// availability count of every piece it has.
func (p *Picker) AddPeer(bf *bitfield.Bitfield) {
	for i := range p.pieces {
		if bf.Test(uint32(i)) {
			p.pieces[i].availability++
		}
	}
}

// RemovePeer reverses AddPeer and releases any blocks this peer was
// the sole (or one of several) requesters of back to the waiting pool.
func (p *Picker) RemovePeer(pr *peer.Peer, bf *bitfield.Bitfield) {
	for i := range p.pieces {
		if bf.Test(uint32(i)) && p.pieces[i].availability > 0 {
			p.pieces[i].availability--
		}
		for b, by := range p.pieces[i].requestedBy {
			if by[pr] {
				delete(by, pr)
				if len(by) == 0 {
					delete(p.pieces[i].requestedBy, b)
				}
			}
		}
	}
}

// PieceAvailable increments a single piece's availability on receipt
// of a Have message.
func (p *Picker) PieceAvailable(idx uint32) {
	p.pieces[idx].availability++
}

// Pick returns the next block to request from pr, or ok=false if none
// qualifies: held by the peer, not already possessed, and not already
// requested from as many distinct peers as the endgame cap allows (1
// outside endgame).
func (p *Picker) Pick(pr *peer.Peer) (piece.Block, bool) {
	switch p.strategy {
	case Sequential:
		return p.pickSequential(pr)
	default:
		return p.pickRarest(pr)
	}
}

func (p *Picker) requestLimit() int {
	if p.endgame() {
		return p.endgameDuplication
	}
	return 1
}

func (p *Picker) candidateBlock(ps *pieceState, pr *peer.Peer) (piece.Block, bool) {
	if ps.possessed {
		return piece.Block{}, false
	}
	if !pr.HasPiece(ps.piece.Index) {
		return piece.Block{}, false
	}
	limit := p.requestLimit()
	for _, b := range ps.piece.Blocks {
		if ps.doneBlocks[b] {
			continue
		}
		by := ps.requestedBy[b]
		if by[pr] {
			continue
		}
		if len(by) < limit {
			return b, true
		}
	}
	return piece.Block{}, false
}

func (p *Picker) pickSequential(pr *peer.Peer) (piece.Block, bool) {
	for i := range p.pieces {
		if b, ok := p.candidateBlock(&p.pieces[i], pr); ok {
			p.markRequested(i, b, pr)
			return b, true
		}
	}
	return piece.Block{}, false
}

func (p *Picker) pickRarest(pr *peer.Peer) (piece.Block, bool) {
	maxAvail := 0
	for i := range p.pieces {
		if p.pieces[i].availability > maxAvail {
			maxAvail = p.pieces[i].availability
		}
	}
	for avail := 0; avail <= maxAvail; avail++ {
		var candidates []int
		for i := range p.pieces {
			if p.pieces[i].availability != avail {
				continue
			}
			if _, ok := p.candidateBlock(&p.pieces[i], pr); ok {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		i := candidates[p.rnd.Intn(len(candidates))]
		b, ok := p.candidateBlock(&p.pieces[i], pr)
		if !ok {
			continue
		}
		p.markRequested(i, b, pr)
		return b, true
	}
	return piece.Block{}, false
}

func (p *Picker) markRequested(i int, b piece.Block, pr *peer.Peer) {
	ps := &p.pieces[i]
	if ps.requestedBy[b] == nil {
		ps.requestedBy[b] = make(map[*peer.Peer]bool)
	}
	ps.requestedBy[b][pr] = true
}

// Completed marks b fulfilled, returning whether its piece is now
// fully downloaded and the set of other peers still waiting on this
// same block (for the caller to Cancel, per the endgame duplicate
// rule).
func (p *Picker) Completed(b piece.Block) (pieceComplete bool, otherRequesters []*peer.Peer) {
	ps := &p.pieces[b.Index]
	for pr := range ps.requestedBy[b] {
		otherRequesters = append(otherRequesters, pr)
	}
	delete(ps.requestedBy, b)
	ps.doneBlocks[b] = true

	if !ps.possessed && len(ps.doneBlocks) == len(ps.piece.Blocks) {
		ps.possessed = true
		p.missing--
		pieceComplete = true
	}
	return pieceComplete, otherRequesters
}

// Invalidate resets a piece to unpossessed/unrequested state after a
// failed hash check, so its blocks are picked again.
func (p *Picker) Invalidate(idx uint32) {
	ps := &p.pieces[idx]
	if ps.possessed {
		p.missing++
	}
	ps.possessed = false
	ps.requestedBy = make(map[piece.Block]map[*peer.Peer]bool)
	ps.doneBlocks = make(map[piece.Block]bool)
}

// Missing returns the count of pieces not yet fully downloaded.
func (p *Picker) Missing() int { return p.missing }

// Endgame reports whether the picker has entered endgame mode.
func (p *Picker) Endgame() bool { return p.endgame() }

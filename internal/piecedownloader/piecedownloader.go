// Package piecedownloader drives the block-by-block download of a
// single piece from a single peer: it paces outstanding requests,
// reacts to choke/unchoke and rejects, and assembles the finished
// piece once every block has arrived.
package piecedownloader

import (
	"bytes"
	"errors"

	"github.com/coreswarm/swarmd/internal/peer"
	"github.com/coreswarm/swarmd/internal/piece"
)

const maxQueuedBlocks = 10

// PieceDownloader downloads all blocks of one piece from one peer.
type PieceDownloader struct {
	Piece  *piece.Piece
	Peer   *peer.Peer
	blocks []blockState

	limiter chan struct{}

	PieceC   chan peer.PieceMessage
	RejectC  chan peer.RejectMessage
	ChokeC   chan struct{}
	UnchokeC chan struct{}
	DoneC    chan []byte
	ErrC     chan error
}

type blockState struct {
	block     piece.Block
	requested bool
	data      []byte
}

// New builds a downloader for pi against pe. The caller is responsible
// for routing pe's incoming Piece/Reject/Choke/Unchoke events onto the
// returned channels and for calling Run in its own goroutine.
func New(pi *piece.Piece, pe *peer.Peer) *PieceDownloader {
	blocks := make([]blockState, len(pi.Blocks))
	for i := range blocks {
		blocks[i] = blockState{block: pi.Blocks[i]}
	}
	return &PieceDownloader{
		Piece:    pi,
		Peer:     pe,
		blocks:   blocks,
		limiter:  make(chan struct{}, maxQueuedBlocks),
		PieceC:   make(chan peer.PieceMessage),
		RejectC:  make(chan peer.RejectMessage),
		ChokeC:   make(chan struct{}),
		UnchokeC: make(chan struct{}),
		DoneC:    make(chan []byte, 1),
		ErrC:     make(chan error, 1),
	}
}

// Run drives the download until every block is assembled (result sent
// on DoneC), an unrecoverable error occurs (ErrC), or stopC closes.
func (d *PieceDownloader) Run(stopC chan struct{}) {
	for {
		select {
		case d.limiter <- struct{}{}:
			b := d.nextBlock()
			if b == nil {
				d.limiter = nil
				break
			}
			if err := d.Peer.SendRequest(b.block.Index, b.block.Begin, b.block.Length); err != nil {
				d.ErrC <- err
				return
			}
		case p := <-d.PieceC:
			b := &d.blocks[p.Block.BlockIndex]
			if b.requested && b.data == nil && d.limiter != nil {
				<-d.limiter
			}
			b.data = p.Data
			if d.allDone() {
				d.DoneC <- d.assembleBlocks().Bytes()
				return
			}
		case req := <-d.RejectC:
			b := &d.blocks[req.Block.BlockIndex]
			if !b.requested {
				d.Peer.Close()
				d.ErrC <- errors.New("piecedownloader: received reject for a block not requested")
				return
			}
			b.requested = false
		case <-d.ChokeC:
			for i := range d.blocks {
				if d.blocks[i].data == nil && d.blocks[i].requested {
					d.blocks[i].requested = false
				}
			}
			d.limiter = nil
		case <-d.UnchokeC:
			d.limiter = make(chan struct{}, maxQueuedBlocks)
		case <-stopC:
			return
		}
	}
}

func (d *PieceDownloader) nextBlock() *blockState {
	for i := range d.blocks {
		if !d.blocks[i].requested {
			d.blocks[i].requested = true
			return &d.blocks[i]
		}
	}
	return nil
}

func (d *PieceDownloader) allDone() bool {
	for i := range d.blocks {
		if d.blocks[i].data == nil {
			return false
		}
	}
	return true
}

func (d *PieceDownloader) assembleBlocks() *bytes.Buffer {
	buf := bytes.NewBuffer(make([]byte, 0, d.Piece.Length))
	for i := range d.blocks {
		buf.Write(d.blocks[i].data)
	}
	return buf
}

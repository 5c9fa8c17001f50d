// Package verifier hash-checks a torrent's pieces against already
// opened files in a background goroutine, producing the resulting
// possession bitfield.
package verifier

import (
	"crypto/sha1"

	"github.com/coreswarm/swarmd/internal/bitfield"
	"github.com/coreswarm/swarmd/internal/diskio"
	"github.com/coreswarm/swarmd/internal/metainfo"
	"github.com/coreswarm/swarmd/internal/piece"
	"github.com/coreswarm/swarmd/internal/storage"
)

// Progress reports how many pieces have been checked so far.
type Progress struct {
	Checked uint32
}

// Verifier hash-checks every piece of a torrent, producing a bitfield
// marking which ones are already valid on disk.
type Verifier struct {
	Progress chan Progress
	Result   chan *Verifier

	Bitfield *bitfield.Bitfield
	Error    error
}

// New returns an idle Verifier; call Run in its own goroutine.
func New() *Verifier {
	return &Verifier{
		Progress: make(chan Progress),
		Result:   make(chan *Verifier, 1),
	}
}

// Run checks every piece in pieces against files (mapped via locs),
// sending Progress after each and a final Result when done or on
// first unrecoverable read error (a hash mismatch is not an error: it
// simply leaves that bit clear). stopC, if closed, aborts early.
func (v *Verifier) Run(pieces []piece.Piece, files []storage.File, locs []metainfo.PieceLocation, stopC chan struct{}) {
	bf := bitfield.New(uint32(len(pieces)))
	buf := make([]byte, 0, maxPieceLength(pieces))
	for i := range pieces {
		size := int(pieces[i].Length)
		if cap(buf) < size {
			buf = make([]byte, size)
		}
		data := buf[:size]
		if err := diskio.ReadPiece(files, locs, uint32(i), data); err != nil {
			v.Error = err
			v.Result <- v
			return
		}
		if sha1.Sum(data) == pieces[i].Hash {
			bf.Set(uint32(i))
		}

		select {
		case v.Progress <- Progress{Checked: uint32(i + 1)}:
		case <-stopC:
			return
		}
	}
	v.Bitfield = bf
	v.Result <- v
}

func maxPieceLength(pieces []piece.Piece) int {
	max := 0
	for i := range pieces {
		if int(pieces[i].Length) > max {
			max = int(pieces[i].Length)
		}
	}
	return max
}

// Package piecewriter serializes a single finished piece's bytes to
// disk in a background goroutine, reporting the outcome via a result
// channel. The in-memory buffer is left as it is.
package piecewriter

import (
	"github.com/coreswarm/swarmd/internal/diskio"
	"github.com/coreswarm/swarmd/internal/metainfo"
	"github.com/coreswarm/swarmd/internal/piece"
	"github.com/coreswarm/swarmd/internal/storage"
)

// PieceWriter writes one piece's assembled bytes to its backing
// files. The session package does not use it; the torrent writes
// pieces through its diskio worker instead.
type PieceWriter struct {
	Piece *piece.Piece
	Buffer []byte

	Error error

	resultC chan *PieceWriter
}

// New returns a writer for pc's data, to be run in its own goroutine.
func New(pc *piece.Piece, data []byte, resultC chan *PieceWriter) *PieceWriter {
	return &PieceWriter{Piece: pc, Buffer: data, resultC: resultC}
}

// Run writes w.Buffer to files (mapped via locs) and reports the
// outcome on resultC.
func (w *PieceWriter) Run(files []storage.File, locs []metainfo.PieceLocation) {
	w.Error = diskio.WritePiece(files, locs, w.Piece.Index, w.Buffer)
	w.resultC <- w
}

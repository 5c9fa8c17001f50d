// Package diskio is the single-threaded disk engine: every read,
// write, hash-validate, delete, and resume-blob serialize request for
// a torrent funnels through one worker goroutine, so no per-file
// locking is ever needed.
package diskio

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coreswarm/swarmd/internal/metainfo"
	"github.com/coreswarm/swarmd/internal/piece"
	"github.com/coreswarm/swarmd/internal/storage"
)

// Op identifies the kind of request sent to a Worker.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpValidate
	OpDelete
	OpSerialize
)

// Request is one typed unit of disk work. Which fields are meaningful
// depends on Op: Read/Write/Validate use Index (and Data for Write);
// Delete uses WithData; Serialize uses Path and Data.
type Request struct {
	Op       Op
	Index    uint32
	Data     []byte
	WithData bool
	Path     string
	ResultC  chan Result
}

// Result carries the outcome of one Request back to its caller.
type Result struct {
	Data  []byte
	Valid bool
	Err   error
}

// Worker owns one torrent's open files and piece index, serving
// requests off a single buffered channel from a single goroutine.
type Worker struct {
	Files  []storage.File
	Pieces []piece.Piece
	Locs   []metainfo.PieceLocation

	requests chan Request
}

// NewWorker builds a worker over files, whose i'th entry corresponds
// to info's i'th file, with a request queue depth of queueDepth.
func NewWorker(files []storage.File, pieces []piece.Piece, locs []metainfo.PieceLocation, queueDepth int) *Worker {
	return &Worker{
		Files:    files,
		Pieces:   pieces,
		Locs:     locs,
		requests: make(chan Request, queueDepth),
	}
}

// Requests returns the channel callers send Requests on.
func (w *Worker) Requests() chan<- Request { return w.requests }

// Run serves requests until stopC closes.
func (w *Worker) Run(stopC chan struct{}) {
	for {
		select {
		case req := <-w.requests:
			w.handle(req)
		case <-stopC:
			return
		}
	}
}

func (w *Worker) handle(req Request) {
	switch req.Op {
	case OpRead:
		buf := make([]byte, w.Pieces[req.Index].Length)
		err := ReadPiece(w.Files, w.Locs, req.Index, buf)
		req.ResultC <- Result{Data: buf, Err: err}
	case OpWrite:
		err := WritePiece(w.Files, w.Locs, req.Index, req.Data)
		req.ResultC <- Result{Err: err}
	case OpValidate:
		buf := make([]byte, w.Pieces[req.Index].Length)
		err := ReadPiece(w.Files, w.Locs, req.Index, buf)
		valid := err == nil && sha1.Sum(buf) == w.Pieces[req.Index].Hash
		req.ResultC <- Result{Valid: valid, Err: err}
	case OpDelete:
		req.ResultC <- Result{Err: w.delete(req.WithData)}
	case OpSerialize:
		req.ResultC <- Result{Err: SerializeAtomic(req.Path, req.Data)}
	default:
		req.ResultC <- Result{Err: fmt.Errorf("diskio: unknown op %d", req.Op)}
	}
}

func (w *Worker) delete(withData bool) error {
	var firstErr error
	for _, f := range w.Files {
		if withData {
			if rm, ok := f.(storage.Remover); ok {
				if err := rm.Remove(); err != nil && firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadPiece reads piece idx's full content into buf, which must be
// sized to the piece's length, walking across file boundaries as
// dictated by locs.
func ReadPiece(files []storage.File, locs []metainfo.PieceLocation, idx uint32, buf []byte) error {
	return walkPiece(files, locs, idx, len(buf), func(f storage.File, off int64, chunk []byte) error {
		_, err := f.ReadAt(chunk, off)
		return err
	}, buf)
}

// WritePiece writes data (piece idx's full content) across whichever
// files it spans, per locs.
func WritePiece(files []storage.File, locs []metainfo.PieceLocation, idx uint32, data []byte) error {
	return walkPiece(files, locs, idx, len(data), func(f storage.File, off int64, chunk []byte) error {
		_, err := f.WriteAt(chunk, off)
		return err
	}, data)
}

func walkPiece(files []storage.File, locs []metainfo.PieceLocation, idx uint32, length int, op func(storage.File, int64, []byte) error, buf []byte) error {
	loc := locs[idx]
	fileIdx := loc.FileIndex
	off := loc.Offset
	pos := 0
	for pos < length {
		if fileIdx >= len(files) {
			return fmt.Errorf("diskio: piece %d runs past the last file", idx)
		}
		f := files[fileIdx]
		avail := f.Size() - off
		n := int64(length - pos)
		if n > avail {
			n = avail
		}
		if n <= 0 {
			fileIdx++
			off = 0
			continue
		}
		if err := op(f, off, buf[pos:pos+int(n)]); err != nil {
			return err
		}
		pos += int(n)
		off += n
		if off >= f.Size() {
			fileIdx++
			off = 0
		}
	}
	return nil
}

// SerializeAtomic writes data to path atomically: write to a temp
// file in the same directory, fsync it, then rename over path.
func SerializeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Package allocator opens (and, via the storage backend, preallocates)
// a torrent's files in a background goroutine so the control loop
// never blocks on disk I/O while starting a download.
package allocator

import (
	"path/filepath"

	"github.com/coreswarm/swarmd/internal/metainfo"
	"github.com/coreswarm/swarmd/internal/storage"
)

// Progress reports cumulative bytes allocated so far.
type Progress struct {
	AllocatedSize int64
}

// Allocator opens every file of a torrent against a storage.Storage,
// reporting progress as it goes and its final result (opened files or
// the first error) on Result.
type Allocator struct {
	Progress chan Progress
	Result   chan *Allocator

	Files []storage.File
	Error error
}

// New returns an idle Allocator; call Run in its own goroutine.
func New() *Allocator {
	return &Allocator{
		Progress: make(chan Progress),
		Result:   make(chan *Allocator, 1),
	}
}

// Run opens every file named in info under name (joining the
// torrent's own name with each file's relative path), sending
// Progress after each and a final Result when done or on first error.
// stopC, if closed, aborts after the current file.
func (a *Allocator) Run(name string, files []metainfo.File, strg storage.Storage, stopC chan struct{}) {
	opened := make([]storage.File, len(files))
	var allocated int64
	for i, mf := range files {
		path := filepath.Join(append([]string{name}, mf.Path...)...)
		f, err := strg.Open(path, mf.Length)
		if err != nil {
			a.Error = err
			a.Result <- a
			return
		}
		opened[i] = f
		allocated += mf.Length

		select {
		case a.Progress <- Progress{AllocatedSize: allocated}:
		case <-stopC:
			return
		}
	}
	a.Files = opened
	a.Result <- a
}

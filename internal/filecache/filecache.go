// Package filecache is a bounded cache of open file handles, evicted
// with the CLOCK (second-chance) algorithm so the disk engine never
// needs more than a fixed number of descriptors open regardless of how
// many files a torrent's content is split across.
package filecache

import (
	"os"
	"path/filepath"
	"sync"
)

// DefaultMaxOpenFiles bounds how many file handles the cache holds
// open at once before CLOCK eviction kicks in.
const DefaultMaxOpenFiles = 64

type entry struct {
	file *os.File

	used bool

	readWrite   bool
	allocFailed bool
	sparse      bool
}

// Cache is a CLOCK-evicted map from filesystem path to an open file
// handle. All methods are safe for concurrent use, though the disk
// engine is expected to drive it from a single goroutine.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	maxSize int
}

// New returns a Cache that holds at most maxSize open files.
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxOpenFiles
	}
	return &Cache{
		entries: make(map[string]*entry),
		maxSize: maxSize,
	}
}

// ReadAt reads len(p) bytes from path at off, opening the file
// read-only (or reusing an existing handle) as needed. The file must
// already exist.
func (c *Cache) ReadAt(path string, p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.ensure(path, 0, false)
	if err != nil {
		return 0, err
	}
	return e.file.ReadAt(p, off)
}

// WriteAt writes p to path at off, creating and preallocating to
// size bytes (best-effort) if the file does not yet exist.
func (c *Cache) WriteAt(path string, p []byte, off int64, size int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.ensure(path, size, true)
	if err != nil {
		return 0, err
	}
	return e.file.WriteAt(p, off)
}

// Remove closes and evicts path's cache entry, if present, without
// deleting the underlying file.
func (c *Cache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(path)
}

// Flush calls Sync on path's open handle, if cached.
func (c *Cache) Flush(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[path]; ok {
		return e.file.Sync()
	}
	return nil
}

// Close flushes and closes every cached handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for path, e := range c.entries {
		if err := e.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.file.Close()
		delete(c.entries, path)
	}
	return firstErr
}

// Len returns the number of currently cached handles, for tests and
// diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evict(path string) {
	if e, ok := c.entries[path]; ok {
		e.file.Close()
		delete(c.entries, path)
	}
}

// ensure returns a cache entry usable for the requested mode,
// reusing, upgrading, or (re)opening the file as needed. readWrite
// requests for a file that already has a read-only entry evict it and
// open a fresh read-write handle; readWrite requests for a file whose
// entry is already read-write and still sparse get a lazy fallocate to
// size, unless an earlier fallocate on that entry failed.
func (c *Cache) ensure(path string, size int64, readWrite bool) (*entry, error) {
	if e, ok := c.entries[path]; ok {
		if !readWrite {
			e.used = true
			return e, nil
		}
		if e.readWrite {
			if e.sparse && !e.allocFailed && size > 0 {
				ok, err := fallocate(e.file, size)
				if err != nil {
					return nil, err
				}
				e.allocFailed = !ok
				if ok {
					e.sparse = false
				}
			}
			e.used = true
			return e, nil
		}
		// Read-only handle can't serve a write; evict and reopen below.
		c.evict(path)
	}

	c.makeRoom()

	var e *entry
	var err error
	if readWrite {
		e, err = c.openReadWrite(path, size)
	} else {
		e, err = c.openReadOnly(path)
	}
	if err != nil {
		return nil, err
	}
	c.entries[path] = e
	return e, nil
}

// makeRoom runs a CLOCK sweep: every entry with its use bit set is
// cleared and spared; the first entry found with the use bit already
// clear is evicted. If the first sweep finds nothing to evict (every
// entry was recently used), a second sweep evicts the first entry
// whose bit the first sweep cleared.
func (c *Cache) makeRoom() {
	if len(c.entries) < c.maxSize {
		return
	}
	// Go's map iteration order is randomized, which gives this sweep
	// the same "approximate clock hand" behavior as a true ring buffer
	// without maintaining one.
	for pass := 0; pass < 2; pass++ {
		for path, e := range c.entries {
			if e.used {
				e.used = false
				continue
			}
			c.evict(path)
			return
		}
	}
}

func (c *Cache) openReadOnly(path string) (*entry, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &entry{file: f, used: true}, nil
}

func (c *Cache) openReadWrite(path string, size int64) (*entry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	allocFailed := false
	if size > 0 {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if fi.Size() != size {
			ok, err := fallocate(f, size)
			if err != nil {
				f.Close()
				return nil, err
			}
			if !ok {
				if err := f.Truncate(size); err != nil {
					f.Close()
					return nil, err
				}
				allocFailed = true
			}
		}
	}

	sparse, err := isSparse(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &entry{file: f, used: true, readWrite: true, allocFailed: allocFailed, sparse: sparse}, nil
}

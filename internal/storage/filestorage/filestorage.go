// Package filestorage is the on-disk storage.Storage implementation:
// every torrent file becomes a path under a configured destination
// directory, with actual file descriptors owned by a shared, bounded
// internal/filecache.Cache rather than by each storage.File value.
package filestorage

import (
	"os"
	"path/filepath"

	"github.com/coreswarm/swarmd/internal/filecache"
	"github.com/coreswarm/swarmd/internal/storage"
)

// FileStorage roots every opened file under Dest, routing all actual
// I/O through a shared handle cache so the process never has more
// than the cache's configured maximum of descriptors open regardless of how
// many files a torrent (or how many concurrently active torrents)
// spans.
type FileStorage struct {
	Dest  string
	cache *filecache.Cache
}

// New returns a FileStorage rooted at dest, sharing cache for file
// handles (pass the same *filecache.Cache across all torrents in a
// session to get a single, session-wide bound on open descriptors).
func New(dest string, cache *filecache.Cache) *FileStorage {
	return &FileStorage{Dest: dest, cache: cache}
}

// Open returns a handle for name (a slash-joined relative path)
// sized length, rooted under fs.Dest.
func (fs *FileStorage) Open(name string, length int64) (storage.File, error) {
	path := filepath.Join(fs.Dest, filepath.FromSlash(name))
	return &file{storage: fs, path: path, size: length}, nil
}

type file struct {
	storage *FileStorage
	path    string
	size    int64
}

func (f *file) Name() string { return f.path }
func (f *file) Size() int64  { return f.size }

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	return f.storage.cache.ReadAt(f.path, p, off)
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	return f.storage.cache.WriteAt(f.path, p, off, f.size)
}

// Close is a no-op: the underlying descriptor is owned and evicted by
// the shared cache, not by this handle.
func (f *file) Close() error { return nil }

// Remove evicts the cached handle (if any) and unlinks the file.
func (f *file) Remove() error {
	f.storage.cache.Remove(f.path)
	err := os.Remove(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

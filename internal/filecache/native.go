package filecache

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// fallocate preallocates size bytes for f without changing its
// apparent length semantics beyond that (the file's reported size
// becomes size). It reports ok=false, nil error when the filesystem
// does not support the operation (ENOTSUP/EOPNOTSUPP), so the caller
// can fall back to Truncate.
func fallocate(f *os.File, size int64) (ok bool, err error) {
	err = unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) {
		return false, nil
	}
	return false, err
}

// isSparse reports whether the file currently contains a hole,
// determined by comparing the offset of the first hole (via
// SEEK_HOLE) against the file's end. A freshly fallocate'd file on a
// filesystem that supports it is not sparse; one extended via
// Truncate alone is.
func isSparse(f *os.File) (bool, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return false, err
	}
	if size == 0 {
		return false, nil
	}
	holeOffset, err := unix.Seek(int(f.Fd()), 0, unix.SEEK_HOLE)
	if err != nil {
		// Filesystems without SEEK_HOLE support report ENXIO/EINVAL;
		// treat as "can't tell", conservatively assuming non-sparse.
		return false, nil
	}
	return holeOffset < size, nil
}

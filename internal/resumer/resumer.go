// Package resumer defines the interface a torrent uses to persist and
// reload its resume state (destination, trackers, bitfield, transfer
// stats) across daemon restarts.
package resumer

import "time"

// Stats are the cumulative counters a torrent reports back to its
// Resumer so they survive a restart.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Resumer persists and reloads a single torrent's resume state. The
// concrete Spec type returned by Read/accepted by Write is
// implementation-specific (see boltdbresumer.Spec); callers type-assert
// the Resumer they got from the store's constructor rather than going
// through this interface for field access.
type Resumer interface {
	Write(spec interface{}) error
	WriteBitfield(b []byte) error
	WriteStats(s Stats) error
	Delete() error
}

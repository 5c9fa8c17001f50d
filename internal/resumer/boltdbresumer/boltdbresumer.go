// Package boltdbresumer persists per-torrent resume state in a bbolt
// database, one sub-bucket per torrent ID, for low-latency incremental
// writes while the daemon is running. It also knows how to export and
// re-import that state as a versioned flat file; no RPC command or
// swarmctl subcommand calls Export or Import.
package boltdbresumer

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"

	"github.com/coreswarm/swarmd/internal/diskio"
	"github.com/coreswarm/swarmd/internal/resumer"
)

// Spec is everything needed to reconstruct a torrent on daemon
// restart, or to hand to the CLI as a flat-file export.
type Spec struct {
	InfoHash        []byte
	Bitfield        []byte
	Dest            string
	Port            int
	Name            string
	Trackers        []string
	Info            []byte
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
	CreatedAt       time.Time
}

var (
	keyInfoHash        = []byte("info_hash")
	keyBitfield        = []byte("bitfield")
	keyDest            = []byte("dest")
	keyPort            = []byte("port")
	keyName            = []byte("name")
	keyTrackers        = []byte("trackers")
	keyInfo            = []byte("info")
	keyBytesDownloaded = []byte("bytes_downloaded")
	keyBytesUploaded   = []byte("bytes_uploaded")
	keyBytesWasted     = []byte("bytes_wasted")
	keySeededFor       = []byte("seeded_for")
	keyCreatedAt       = []byte("created_at")
)

// Resumer is a bbolt-backed resumer.Resumer for a single torrent ID,
// keeping its state in a dedicated sub-bucket of mainBucket.
type Resumer struct {
	db         *bolt.DB
	mainBucket []byte
	torrentID  []byte
}

var _ resumer.Resumer = (*Resumer)(nil)

// New returns a Resumer for torrentID, creating its sub-bucket inside
// mainBucket if it doesn't already exist.
func New(db *bolt.DB, mainBucket, torrentID []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(mainBucket)
		_, err := b.CreateBucketIfNotExists(torrentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{db: db, mainBucket: mainBucket, torrentID: torrentID}, nil
}

// Write persists spec's full contents, overwriting any previous state
// for this torrent ID. spec must be a *Spec; the interface{} signature
// matches the generic resumer.Resumer contract.
func (r *Resumer) Write(spec interface{}) error {
	s := spec.(*Spec)
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.mainBucket).Bucket(r.torrentID)
		if err := b.Put(keyInfoHash, s.InfoHash); err != nil {
			return err
		}
		if err := b.Put(keyBitfield, s.Bitfield); err != nil {
			return err
		}
		if err := putString(b, keyDest, s.Dest); err != nil {
			return err
		}
		if err := putInt64(b, keyPort, int64(s.Port)); err != nil {
			return err
		}
		if err := putString(b, keyName, s.Name); err != nil {
			return err
		}
		if err := putJSON(b, keyTrackers, s.Trackers); err != nil {
			return err
		}
		if err := b.Put(keyInfo, s.Info); err != nil {
			return err
		}
		if err := putInt64(b, keyBytesDownloaded, s.BytesDownloaded); err != nil {
			return err
		}
		if err := putInt64(b, keyBytesUploaded, s.BytesUploaded); err != nil {
			return err
		}
		if err := putInt64(b, keyBytesWasted, s.BytesWasted); err != nil {
			return err
		}
		if err := putInt64(b, keySeededFor, int64(s.SeededFor)); err != nil {
			return err
		}
		return putString(b, keyCreatedAt, s.CreatedAt.UTC().Format(time.RFC3339Nano))
	})
}

// WriteBitfield updates only the bitfield key, the hot path called on
// every piece completion and on the periodic dirty-flag tick.
func (r *Resumer) WriteBitfield(bf []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.mainBucket).Bucket(r.torrentID)
		return b.Put(keyBitfield, bf)
	})
}

// WriteStats updates only the transfer counters.
func (r *Resumer) WriteStats(s resumer.Stats) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.mainBucket).Bucket(r.torrentID)
		if err := putInt64(b, keyBytesDownloaded, s.BytesDownloaded); err != nil {
			return err
		}
		if err := putInt64(b, keyBytesUploaded, s.BytesUploaded); err != nil {
			return err
		}
		if err := putInt64(b, keyBytesWasted, s.BytesWasted); err != nil {
			return err
		}
		return putInt64(b, keySeededFor, int64(s.SeededFor))
	})
}

// Read reconstructs the torrent's full Spec from its bucket.
func (r *Resumer) Read() (*Spec, error) {
	s := &Spec{}
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.mainBucket).Bucket(r.torrentID)
		s.InfoHash = cloneBytes(b.Get(keyInfoHash))
		s.Bitfield = cloneBytes(b.Get(keyBitfield))
		s.Dest = string(b.Get(keyDest))
		s.Port = int(getInt64(b, keyPort))
		s.Name = string(b.Get(keyName))
		if v := b.Get(keyTrackers); len(v) > 0 {
			if err := json.Unmarshal(v, &s.Trackers); err != nil {
				return err
			}
		}
		s.Info = cloneBytes(b.Get(keyInfo))
		s.BytesDownloaded = getInt64(b, keyBytesDownloaded)
		s.BytesUploaded = getInt64(b, keyBytesUploaded)
		s.BytesWasted = getInt64(b, keyBytesWasted)
		s.SeededFor = time.Duration(getInt64(b, keySeededFor))
		if v := b.Get(keyCreatedAt); len(v) > 0 {
			t, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil {
				return err
			}
			s.CreatedAt = t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Delete removes the torrent's entire sub-bucket.
func (r *Resumer) Delete() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(r.mainBucket).DeleteBucket(r.torrentID)
	})
}

func putString(b *bolt.Bucket, key []byte, v string) error {
	return b.Put(key, []byte(v))
}

func putInt64(b *bolt.Bucket, key []byte, v int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return b.Put(key, buf)
}

func getInt64(b *bolt.Bucket, key []byte) int64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// currentSchemaVersion is bumped whenever flatFile's on-disk shape
// changes; Import dispatches through migrations to reach it.
const currentSchemaVersion = 1

// flatFile is the JSON envelope written by Export, named
// <infohash>.session on disk.
type flatFile struct {
	SchemaVersion int   `json:"schema_version"`
	Spec          *Spec `json:"spec"`
}

// Export atomically writes spec to path as a versioned flat file,
// using the same temp-file+fsync+rename primitive as the disk engine's
// piece serialization.
func Export(path string, spec *Spec) error {
	data, err := json.Marshal(flatFile{SchemaVersion: currentSchemaVersion, Spec: spec})
	if err != nil {
		return err
	}
	return diskio.SerializeAtomic(path, data)
}

// migrations upgrade a flatFile from its recorded SchemaVersion to the
// next one, in order. There is only one schema so far; future format
// changes append here rather than rewriting the importer.
var migrations = []func(*flatFile) error{
	nil, // version 0 -> 1: no migration needed yet, only the field existed since v1
}

// Import reads a flat-file export back into a Spec, running it through
// the migrate chain if it was written by an older schema version.
func Import(data []byte) (*Spec, error) {
	var ff flatFile
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, err
	}
	for v := ff.SchemaVersion; v < currentSchemaVersion; v++ {
		if m := migrations[v]; m != nil {
			if err := m(&ff); err != nil {
				return nil, err
			}
		}
		ff.SchemaVersion = v + 1
	}
	return ff.Spec, nil
}

package boltdbresumer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
)

func openTestDB(t *testing.T) (*bolt.DB, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resume.db")
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	mainBucket := []byte("torrents")
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(mainBucket)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return db, mainBucket
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	db, mainBucket := openTestDB(t)
	r, err := New(db, mainBucket, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	want := &Spec{
		InfoHash:        []byte{1, 2, 3, 4},
		Bitfield:        []byte{0xff},
		Dest:            "/data/abc",
		Port:            6881,
		Name:            "ubuntu.iso",
		Trackers:        []string{"udp://tracker.example:80"},
		Info:            []byte("d4:infod..ee"),
		BytesDownloaded: 100,
		BytesUploaded:   50,
		BytesWasted:     3,
		SeededFor:       time.Minute,
		CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := r.Write(want); err != nil {
		t.Fatal(err)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != want.Name || got.Port != want.Port || got.Dest != want.Dest {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.BytesDownloaded != want.BytesDownloaded || got.SeededFor != want.SeededFor {
		t.Fatalf("counters mismatch: got %+v", got)
	}
	if len(got.Trackers) != 1 || got.Trackers[0] != want.Trackers[0] {
		t.Fatalf("trackers mismatch: got %v", got.Trackers)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("createdAt mismatch: got %v want %v", got.CreatedAt, want.CreatedAt)
	}
}

func TestWriteBitfieldOnlyUpdatesBitfield(t *testing.T) {
	db, mainBucket := openTestDB(t)
	r, err := New(db, mainBucket, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Write(&Spec{Name: "foo", Bitfield: []byte{0x00}}); err != nil {
		t.Fatal(err)
	}
	if err := r.WriteBitfield([]byte{0xff, 0xff}); err != nil {
		t.Fatal(err)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "foo" {
		t.Fatalf("expected name to survive, got %q", got.Name)
	}
	if len(got.Bitfield) != 2 || got.Bitfield[0] != 0xff {
		t.Fatalf("expected updated bitfield, got %v", got.Bitfield)
	}
}

func TestDeleteRemovesBucket(t *testing.T) {
	db, mainBucket := openTestDB(t)
	r, err := New(db, mainBucket, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Write(&Spec{Name: "foo"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Read(); err == nil {
		t.Fatal("expected Read to fail after Delete")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deadbeef.session")
	spec := &Spec{Name: "exported", Port: 1234, CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	if err := Export(path, spec); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Import(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != spec.Name || got.Port != spec.Port {
		t.Fatalf("got %+v, want %+v", got, spec)
	}
}

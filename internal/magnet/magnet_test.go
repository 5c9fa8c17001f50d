package magnet

import (
	"encoding/hex"
	"testing"
)

func TestParsesHexInfoHashNameAndTrackers(t *testing.T) {
	link := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567" +
		"&dn=Some+File&tr=udp%3A%2F%2Ftracker.example%3A80&tr=http%3A%2F%2Ftracker2.example%2Fannounce"
	m, err := New(link)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := hex.DecodeString("0123456789abcdef0123456789abcdef01234567")
	if hex.EncodeToString(m.InfoHash[:]) != hex.EncodeToString(want) {
		t.Fatalf("infohash mismatch: got %x", m.InfoHash)
	}
	if m.Name != "Some File" {
		t.Fatalf("expected name %q, got %q", "Some File", m.Name)
	}
	if len(m.Trackers) != 2 {
		t.Fatalf("expected 2 trackers, got %d", len(m.Trackers))
	}
}

func TestRejectsNonMagnetScheme(t *testing.T) {
	if _, err := New("http://example.com"); err == nil {
		t.Fatal("expected error for non-magnet scheme")
	}
}

func TestRejectsMissingXT(t *testing.T) {
	if _, err := New("magnet:?dn=foo"); err == nil {
		t.Fatal("expected error for missing xt")
	}
}

func TestRejectsMalformedInfoHashLength(t *testing.T) {
	if _, err := New("magnet:?xt=urn:btih:deadbeef"); err == nil {
		t.Fatal("expected error for short info hash")
	}
}
